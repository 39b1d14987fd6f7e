// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package module

import (
	"sort"
	"sync"
	"time"
)

// Registry is the table of every module known to be loaded, keyed by handle.
// Callers outside the package only ever see copies of records.
type Registry struct {
	self string // canonical name of the interception engine's own module

	mu      sync.RWMutex
	records map[Handle]*entry
	seq     uint64
}

type entry struct {
	rec Record
	seq uint64
}

// NewRegistry creates an empty registry. selfName is the file name of the
// module hosting the engine; it is never blockable.
func NewRegistry(selfName string) *Registry {
	return &Registry{
		self:    CanonicalName(selfName),
		records: make(map[Handle]*entry),
	}
}

// TryRegister records h if it is not yet known. It returns the stored record
// and whether this call inserted it. A known handle is left untouched, so a
// late observation of an earlier load through a second path is a no-op.
func (r *Registry) TryRegister(h Handle, md Metadata, preExisting bool, source string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.records[h]; ok {
		return e.rec, false
	}

	name := md.Name
	if name == "" {
		name = BaseName(md.Path)
	}
	rec := Record{
		Handle:      h,
		Name:        name,
		Path:        md.Path,
		Base:        md.Base,
		Size:        md.Size,
		EntryPoint:  md.EntryPoint,
		LoadedAt:    time.Now(),
		PreExisting: preExisting,
		Source:      source,
	}
	r.seq++
	r.records[h] = &entry{rec: rec, seq: r.seq}
	return rec, true
}

// Observed pairs a handle with its metadata for a bulk Seed.
type Observed struct {
	Handle   Handle
	Metadata Metadata
}

// Seed inserts every unknown handle from mods under a single exclusive lock
// and returns the newly inserted records in input order. When reset is true
// the table is cleared first.
func (r *Registry) Seed(mods []Observed, reset, preExisting bool, source string) []Record {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if reset {
		r.records = make(map[Handle]*entry, len(mods))
	}

	var inserted []Record
	for _, m := range mods {
		if _, ok := r.records[m.Handle]; ok {
			continue
		}
		name := m.Metadata.Name
		if name == "" {
			name = BaseName(m.Metadata.Path)
		}
		rec := Record{
			Handle:      m.Handle,
			Name:        name,
			Path:        m.Metadata.Path,
			Base:        m.Metadata.Base,
			Size:        m.Metadata.Size,
			EntryPoint:  m.Metadata.EntryPoint,
			LoadedAt:    now,
			PreExisting: preExisting,
			Source:      source,
		}
		r.seq++
		r.records[m.Handle] = &entry{rec: rec, seq: r.seq}
		inserted = append(inserted, rec)
	}
	return inserted
}

// Lookup returns the record for h.
func (r *Registry) Lookup(h Handle) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[h]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Snapshot returns a point-in-time copy of all records in registration order.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.records))
	for _, e := range r.records {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// IsLoaded reports whether any tracked module has the given file name.
// The comparison is case-insensitive and ignores any directory in name.
func (r *Registry) IsLoaded(name string) bool {
	want := CanonicalName(name)
	if want == "" {
		return false
	}
	for _, rec := range r.Snapshot() {
		if rec.CanonicalName() == want {
			return true
		}
	}
	return false
}

// Len returns the number of tracked modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Reset drops every record. Used by the cold enumeration pass.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.records = make(map[Handle]*entry)
	r.mu.Unlock()
}

// CanBlock reports whether blocking rec could ever have an effect.
// Modules loaded before interception are already in the process, and the
// engine's own module must never be blocked out of existence.
func (r *Registry) CanBlock(rec Record) bool {
	if rec.PreExisting {
		return false
	}
	if r.self != "" && rec.CanonicalName() == r.self {
		return false
	}
	return true
}

// SelfName returns the canonical name of the engine's own module.
func (r *Registry) SelfName() string {
	return r.self
}
