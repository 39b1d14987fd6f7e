// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package loader

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/mbeema/loadguard/pkg/module"
	"github.com/shirou/gopsutil/v3/process"
)

// Modules lists the file-backed mappings of the process. There is no module
// handle off Windows, so each path gets a stable synthetic one.
func (e *Enumerator) Modules() ([]module.Observed, error) {
	p, err := process.NewProcess(e.pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", e.pid, err)
	}
	maps, err := p.MemoryMaps(false)
	if err != nil {
		return nil, fmt.Errorf("memory maps of %d: %w", e.pid, err)
	}
	if maps == nil {
		return nil, nil
	}

	seen := make(map[string]bool)
	var mods []module.Observed
	for _, m := range *maps {
		path := m.Path
		if !isModulePath(path) || seen[path] {
			continue
		}
		seen[path] = true
		mods = append(mods, module.Observed{
			Handle:   SyntheticHandle(path),
			Metadata: module.Metadata{Name: module.BaseName(path), Path: path},
		})
	}
	return mods, nil
}

// SyntheticHandle derives a non-zero handle from a module path.
func SyntheticHandle(path string) module.Handle {
	h := module.Handle(xxhash.Sum64String(path))
	if h == 0 {
		h = 1
	}
	return h
}

// isModulePath drops anonymous and pseudo mappings such as [heap] or
// [vdso], keeping only file-backed ones.
func isModulePath(path string) bool {
	if path == "" || strings.HasPrefix(path, "[") {
		return false
	}
	return strings.HasPrefix(path, "/")
}
