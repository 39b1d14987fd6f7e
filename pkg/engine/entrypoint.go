// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mbeema/loadguard/pkg/module"
)

// EntryPoint identifies one intercepted OS function.
type EntryPoint int

const (
	LoadLibraryA EntryPoint = iota
	LoadLibraryW
	LoadLibraryExA
	LoadLibraryExW
	LdrLoadDll
	LoadPackagedLibrary
	GetModuleHandleA
	GetModuleHandleW
	GetModuleHandleExA
	GetModuleHandleExW
	FreeLibrary
)

// EntryPoints lists every entry point the engine knows, in install order.
var EntryPoints = []EntryPoint{
	LoadLibraryA, LoadLibraryW, LoadLibraryExA, LoadLibraryExW,
	LdrLoadDll, LoadPackagedLibrary,
	GetModuleHandleA, GetModuleHandleW, GetModuleHandleExA, GetModuleHandleExW,
	FreeLibrary,
}

// Kind groups entry points by the interceptor that serves them.
type Kind int

const (
	KindLoad Kind = iota
	KindLookup
	KindUnload
)

var entryNames = map[EntryPoint]string{
	LoadLibraryA:        "LoadLibraryA",
	LoadLibraryW:        "LoadLibraryW",
	LoadLibraryExA:      "LoadLibraryExA",
	LoadLibraryExW:      "LoadLibraryExW",
	LdrLoadDll:          "LdrLoadDll",
	LoadPackagedLibrary: "LoadPackagedLibrary",
	GetModuleHandleA:    "GetModuleHandleA",
	GetModuleHandleW:    "GetModuleHandleW",
	GetModuleHandleExA:  "GetModuleHandleExA",
	GetModuleHandleExW:  "GetModuleHandleExW",
	FreeLibrary:         "FreeLibrary",
}

func (ep EntryPoint) String() string {
	if n, ok := entryNames[ep]; ok {
		return n
	}
	return fmt.Sprintf("EntryPoint(%d)", int(ep))
}

// ParseEntryPoint is the inverse of String, case-insensitive.
func ParseEntryPoint(s string) (EntryPoint, error) {
	for ep, n := range entryNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return ep, nil
		}
	}
	return 0, fmt.Errorf("unknown entry point %q", s)
}

// Kind reports which interceptor serves ep.
func (ep EntryPoint) Kind() Kind {
	switch ep {
	case GetModuleHandleA, GetModuleHandleW, GetModuleHandleExA, GetModuleHandleExW:
		return KindLookup
	case FreeLibrary:
		return KindUnload
	default:
		return KindLoad
	}
}

// Module is the system module exporting ep.
func (ep EntryPoint) Module() string {
	if ep == LdrLoadDll {
		return "ntdll.dll"
	}
	return "kernel32.dll"
}

// Optional entry points do not exist on every OS version. Failing to resolve
// one is not a coverage gap.
func (ep EntryPoint) Optional() bool {
	return ep == LoadPackagedLibrary
}

// IsEx reports whether ep is a GetModuleHandleEx variant, which takes a
// reference on the module unless told otherwise.
func (ep EntryPoint) IsEx() bool {
	return ep == GetModuleHandleExA || ep == GetModuleHandleExW
}

// Native failure codes returned for denied loads.
const (
	ErrorModNotFound  uint32 = 126        // ERROR_MOD_NOT_FOUND
	StatusDllNotFound uint32 = 0xC0000135 // STATUS_DLL_NOT_FOUND
)

// FailureCode is the code ep's callers expect when a module cannot be found.
func (ep EntryPoint) FailureCode() uint32 {
	if ep == LdrLoadDll {
		return StatusDllNotFound
	}
	return ErrorModNotFound
}

// GetModuleHandleEx flags.
const (
	FlagPin               uint32 = 0x1
	FlagUnchangedRefcount uint32 = 0x2
	FlagFromAddress       uint32 = 0x4
)

// LoadLibraryEx flags that map a file as data or resources instead of as an
// executable image. The returned handle has its low bits set.
const (
	LoadAsDatafile          uint32 = 0x2
	LoadAsImageResource     uint32 = 0x20
	LoadAsDatafileExclusive uint32 = 0x40

	resourceLoadFlags = LoadAsDatafile | LoadAsImageResource | LoadAsDatafileExclusive
)

// LoadRequest is one call to a load entry point, normalised across shapes.
type LoadRequest struct {
	Entry      EntryPoint
	Path       string
	Flags      uint32 // LoadLibraryEx / LdrLoadDll flags
	SearchPath string // LdrLoadDll search path, when the raw argument is a string

	// SearchPathArg is LdrLoadDll's raw first argument. Callers such as
	// LoadLibraryExW pass search flags tagged with bit 0 there instead of a
	// string pointer; bindings forward it to the original unchanged.
	SearchPathArg uintptr
}

// ResourceOnly reports whether the request maps the file as data or
// resources rather than as a module whose code can run.
func (r LoadRequest) ResourceOnly() bool {
	if r.Entry != LoadLibraryExA && r.Entry != LoadLibraryExW {
		return false
	}
	return r.Flags&resourceLoadFlags != 0
}

// resourceHandle reports whether h is a data or resource mapping. The loader
// tags those handles in their low two bits.
func resourceHandle(h module.Handle) bool {
	return uintptr(h)&3 != 0
}

// LookupRequest is one call to a handle-lookup entry point.
type LookupRequest struct {
	Entry   EntryPoint
	Name    string
	Flags   uint32
	Address uintptr // with FlagFromAddress
}

// Real callables behind the intercepted entry points.
type (
	LoadFunc   func(req LoadRequest) (module.Handle, error)
	LookupFunc func(req LookupRequest) (module.Handle, error)
	FreeFunc   func(h module.Handle) error
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("module load denied")

// ErrNotIntercepted means no real implementation is attached for an entry
// point, usually because it could not be resolved at install time.
var ErrNotIntercepted = errors.New("entry point not intercepted")

// DeniedError is returned for loads stopped by the blocklist. Code is the
// entry point's native failure code, which bindings hand back to the caller.
type DeniedError struct {
	Entry EntryPoint
	Name  string
	Code  uint32
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s %s: denied (code 0x%X)", e.Entry, e.Name, e.Code)
}

// Is makes errors.Is(err, ErrDenied) true.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}
