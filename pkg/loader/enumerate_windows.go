// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package loader

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/mbeema/loadguard/pkg/module"
	"golang.org/x/sys/windows"
)

// Modules walks a toolhelp module snapshot of the process. Both 64-bit and
// WOW64 modules are included.
func (e *Enumerator) Modules() ([]module.Observed, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, uint32(e.pid))
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot(%d): %w", e.pid, err)
	}
	defer windows.CloseHandle(snap)

	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	if err := windows.Module32First(snap, &me); err != nil {
		return nil, fmt.Errorf("Module32First: %w", err)
	}

	var mods []module.Observed
	for {
		mods = append(mods, module.Observed{
			Handle: module.Handle(me.ModuleHandle),
			Metadata: module.Metadata{
				Name: windows.UTF16ToString(me.Module[:]),
				Path: windows.UTF16ToString(me.ExePath[:]),
				Base: me.ModBaseAddr,
				Size: me.ModBaseSize,
			},
		})

		me.Size = uint32(unsafe.Sizeof(me))
		if err := windows.Module32Next(snap, &me); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				break
			}
			return mods, fmt.Errorf("Module32Next: %w", err)
		}
	}
	return mods, nil
}
