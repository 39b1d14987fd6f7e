// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package blocklist

import (
	"sort"
	"strings"
	"sync"

	"github.com/mbeema/loadguard/pkg/module"
)

// Blocklist is the set of module file names whose load must be denied.
// Membership is by lower-cased file name only, so a module cannot be
// blocked selectively by install location.
type Blocklist struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// New creates an empty blocklist.
func New() *Blocklist {
	return &Blocklist{names: make(map[string]struct{})}
}

// ShouldBlock reports whether a load of path must be denied.
func (b *Blocklist) ShouldBlock(path string) bool {
	name := module.CanonicalName(path)
	if name == "" {
		return false
	}
	b.mu.RLock()
	_, ok := b.names[name]
	b.mu.RUnlock()
	return ok
}

// SetBlocked adds or removes a single name.
func (b *Blocklist) SetBlocked(name string, blocked bool) {
	key := module.CanonicalName(name)
	if key == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if blocked {
		b.names[key] = struct{}{}
	} else {
		delete(b.names, key)
	}
}

// LoadFromConfiguration replaces the whole set with the names in a
// comma-separated list. Entries may carry a path; only the file name is kept.
// Reloading never merges with prior state.
func (b *Blocklist) LoadFromConfiguration(text string) {
	names := Parse(text)

	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}

	b.mu.Lock()
	b.names = set
	b.mu.Unlock()
}

// Names returns the blocked names, sorted.
func (b *Blocklist) Names() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.names))
	for n := range b.names {
		out = append(out, n)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of blocked names.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.names)
}

// Parse splits a comma-separated blocklist into canonical names.
// Empty entries are dropped.
func Parse(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ",") {
		if n := module.CanonicalName(part); n != "" {
			out = append(out, n)
		}
	}
	return out
}
