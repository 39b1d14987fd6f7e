// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mbeema/loadguard/pkg/module"
	"go.uber.org/zap"
)

// ErrNoEnumerator is returned by enumeration and audit when the engine was
// built without an Enumerator.
var ErrNoEnumerator = errors.New("no module enumerator")

// EnumerateLoadedModules seeds the registry from a process-wide module
// listing. A cold pass (late=false) clears the registry first; a late pass
// merges. Every record inserted here is dispatched the same way an
// intercepted load would be. It returns the number of new records.
func (e *Engine) EnumerateLoadedModules(late bool) (int, error) {
	if e.enumerator == nil {
		return 0, ErrNoEnumerator
	}
	mods, err := e.enumerator.Modules()
	if err != nil {
		return 0, fmt.Errorf("enumerate modules: %w", err)
	}

	inserted := e.registry.Seed(mods, !late, true, module.SourceEnumeration)
	e.stats.ModulesTracked.Store(int64(e.registry.Len()))

	for _, rec := range inserted {
		if late {
			e.logger.Info("module discovered outside interception",
				zap.String("module", rec.Name),
				zap.String("path", rec.Path),
				zap.Stringer("handle", rec.Handle),
			)
		}
		e.registered(rec)
	}

	e.logger.Debug("enumeration pass complete",
		zap.Bool("late", late),
		zap.Int("listed", len(mods)),
		zap.Int("inserted", len(inserted)),
	)
	return len(inserted), nil
}

// ReportMissedModules compares a fresh enumeration against the registry and
// returns the interesting names the registry does not know, sorted. It only
// reports; nothing is registered or dispatched.
func (e *Engine) ReportMissedModules() ([]string, error) {
	if e.enumerator == nil {
		return nil, ErrNoEnumerator
	}
	mods, err := e.enumerator.Modules()
	if err != nil {
		return nil, fmt.Errorf("enumerate modules: %w", err)
	}

	patterns := e.Interesting()
	known := make(map[string]struct{}, e.registry.Len())
	for _, rec := range e.registry.Snapshot() {
		known[rec.CanonicalName()] = struct{}{}
	}

	seen := make(map[string]struct{})
	var missed []string
	for _, m := range mods {
		name := m.Metadata.Name
		if name == "" {
			name = module.BaseName(m.Metadata.Path)
		}
		key := module.CanonicalName(name)
		if key == "" || !matchesAny(key, patterns) {
			continue
		}
		if _, ok := known[key]; ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		missed = append(missed, key)

		e.stats.MissedModules.Add(1)
		e.logger.Error("interesting module loaded outside interception",
			zap.String("module", name),
			zap.String("path", m.Metadata.Path),
			zap.Stringer("handle", m.Handle),
		)
		e.emit(Event{Kind: EventMissed, Module: name, Path: m.Metadata.Path, Handle: m.Handle})
	}
	sort.Strings(missed)
	return missed, nil
}

// SetInteresting replaces the audit pattern list. An empty list means the
// router's own patterns.
func (e *Engine) SetInteresting(patterns []string) {
	var out []string
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	e.interestMu.Lock()
	e.interesting = out
	e.interestMu.Unlock()
}

// Interesting returns the patterns the audit filters on.
func (e *Engine) Interesting() []string {
	e.interestMu.RLock()
	p := append([]string(nil), e.interesting...)
	e.interestMu.RUnlock()
	if len(p) == 0 {
		return e.router.Patterns()
	}
	return p
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
