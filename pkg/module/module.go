// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package module

import (
	"fmt"
	"strings"
	"time"
)

// Handle is the opaque identity the OS assigns to a loaded module.
// On Windows it is the HMODULE (the image base). The registry never
// dereferences or releases it.
type Handle uintptr

func (h Handle) String() string {
	return fmt.Sprintf("0x%X", uintptr(h))
}

// SourceEnumeration marks records discovered by an enumeration pass
// rather than by an entry-point interceptor.
const SourceEnumeration = "enumeration"

// Metadata is what an observer knows about a module at the moment it is seen.
type Metadata struct {
	Name       string // file name, original case
	Path       string
	Base       uintptr
	Size       uint32
	EntryPoint uintptr
}

// Record is one loaded module as tracked by the Registry.
type Record struct {
	Handle      Handle
	Name        string
	Path        string
	Base        uintptr
	Size        uint32
	EntryPoint  uintptr
	LoadedAt    time.Time
	PreExisting bool   // loaded before interception was installed
	Source      string // entry point or "enumeration"
}

// CanonicalName returns the comparison key for the record.
func (r Record) CanonicalName() string {
	return CanonicalName(r.Name)
}

// BaseName strips any directory component. Both '\' and '/' are treated as
// separators regardless of the host OS, since requested names come from
// Windows callers.
func BaseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// CanonicalName is the lower-cased, path-stripped file name used as the key
// across the blocklist, redirect table and router.
func CanonicalName(path string) string {
	return strings.ToLower(strings.TrimSpace(BaseName(path)))
}

// LoaderName applies the loader's default-extension rule to a requested
// module name and strips any directory. A file name without an extension
// gets ".dll"; a trailing '.' marks a name that has no extension and is
// dropped.
func LoaderName(path string) string {
	base := strings.TrimSpace(BaseName(path))
	switch {
	case base == "":
		return ""
	case strings.HasSuffix(base, "."):
		return strings.TrimRight(base, ".")
	case !strings.Contains(base, "."):
		return base + ".dll"
	}
	return base
}
