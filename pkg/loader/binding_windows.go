// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package loader

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/mbeema/loadguard/pkg/engine"
	"github.com/mbeema/loadguard/pkg/module"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

var (
	modKernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modNtdll    = windows.NewLazySystemDLL("ntdll.dll")

	procSetLastError = modKernel32.NewProc("SetLastError")
)

// Binding connects the engine to kernel32 and ntdll. Replacements are Go
// callbacks that decode native arguments, run the engine and encode its
// result back into the entry point's native return shape.
type Binding struct {
	logger *zap.Logger

	mu        sync.Mutex
	callbacks map[engine.EntryPoint]uintptr
}

// NewBinding creates the binding for the current process.
func NewBinding(logger *zap.Logger) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binding{logger: logger, callbacks: make(map[engine.EntryPoint]uintptr)}
}

func procFor(ep engine.EntryPoint) *windows.LazyProc {
	if ep.Module() == "ntdll.dll" {
		return modNtdll.NewProc(ep.String())
	}
	return modKernel32.NewProc(ep.String())
}

// Resolve returns the export address of ep.
func (b *Binding) Resolve(ep engine.EntryPoint) (uintptr, error) {
	p := procFor(ep)
	if err := p.Find(); err != nil {
		return 0, fmt.Errorf("%s!%s: %w", ep.Module(), ep, err)
	}
	return p.Addr(), nil
}

// Replacement returns a callback forwarding ep to e. Callbacks are created
// once per entry point; the runtime never frees them.
func (b *Binding) Replacement(ep engine.EntryPoint, e *engine.Engine) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.callbacks[ep]; ok {
		return cb, nil
	}

	var fn interface{}
	switch ep {
	case engine.LoadLibraryA:
		fn = func(name uintptr) uintptr {
			return loadResult(e.LoadLibrary(engine.LoadRequest{Entry: ep, Path: ansi(name)}))
		}
	case engine.LoadLibraryW:
		fn = func(name uintptr) uintptr {
			return loadResult(e.LoadLibrary(engine.LoadRequest{Entry: ep, Path: wide(name)}))
		}
	case engine.LoadLibraryExA:
		fn = func(name, file, flags uintptr) uintptr {
			return loadResult(e.LoadLibrary(engine.LoadRequest{Entry: ep, Path: ansi(name), Flags: uint32(flags)}))
		}
	case engine.LoadLibraryExW:
		fn = func(name, file, flags uintptr) uintptr {
			return loadResult(e.LoadLibrary(engine.LoadRequest{Entry: ep, Path: wide(name), Flags: uint32(flags)}))
		}
	case engine.LoadPackagedLibrary:
		fn = func(name, reserved uintptr) uintptr {
			return loadResult(e.LoadLibrary(engine.LoadRequest{Entry: ep, Path: wide(name)}))
		}
	case engine.LdrLoadDll:
		fn = func(searchPath, characteristics, name, out uintptr) uintptr {
			req := engine.LoadRequest{Entry: ep, SearchPathArg: searchPath}
			if searchPath != 0 && !searchPathIsFlags(searchPath) {
				req.SearchPath = wide(searchPath)
			}
			if characteristics != 0 {
				req.Flags = *(*uint32)(unsafe.Pointer(characteristics))
			}
			if name != 0 {
				req.Path = (*windows.NTUnicodeString)(unsafe.Pointer(name)).String()
			}
			h, err := e.LoadLibrary(req)
			if err != nil {
				return uintptr(ntStatus(err))
			}
			if out != 0 {
				*(*uintptr)(unsafe.Pointer(out)) = uintptr(h)
			}
			return 0
		}
	case engine.GetModuleHandleA:
		fn = func(name uintptr) uintptr {
			return lookupResult(e.GetModuleHandle(engine.LookupRequest{Entry: ep, Name: ansi(name)}))
		}
	case engine.GetModuleHandleW:
		fn = func(name uintptr) uintptr {
			return lookupResult(e.GetModuleHandle(engine.LookupRequest{Entry: ep, Name: wide(name)}))
		}
	case engine.GetModuleHandleExA, engine.GetModuleHandleExW:
		fn = func(flags, name, out uintptr) uintptr {
			req := engine.LookupRequest{Entry: ep, Flags: uint32(flags)}
			if req.Flags&engine.FlagFromAddress != 0 {
				req.Address = name
			} else if ep == engine.GetModuleHandleExA {
				req.Name = ansi(name)
			} else {
				req.Name = wide(name)
			}
			h, err := e.GetModuleHandle(req)
			if out != 0 {
				*(*uintptr)(unsafe.Pointer(out)) = uintptr(h)
			}
			if err != nil {
				setLastError(err)
				return 0
			}
			return 1
		}
	case engine.FreeLibrary:
		fn = func(h uintptr) uintptr {
			if err := e.FreeLibrary(module.Handle(h)); err != nil {
				setLastError(err)
				return 0
			}
			return 1
		}
	default:
		return 0, fmt.Errorf("no replacement for %s", ep)
	}

	cb := windows.NewCallback(fn)
	b.callbacks[ep] = cb
	return cb, nil
}

// Attach wraps the original function so the engine can delegate to it.
func (b *Binding) Attach(ep engine.EntryPoint, original uintptr) (engine.Real, error) {
	if original == 0 {
		return engine.Real{}, errors.New("nil original")
	}
	switch ep {
	case engine.LoadLibraryA, engine.LoadLibraryW, engine.LoadLibraryExA, engine.LoadLibraryExW, engine.LoadPackagedLibrary:
		return engine.Real{Load: func(req engine.LoadRequest) (module.Handle, error) {
			return callLoad(original, req)
		}}, nil
	case engine.LdrLoadDll:
		return engine.Real{Load: func(req engine.LoadRequest) (module.Handle, error) {
			return callLdrLoadDll(original, req)
		}}, nil
	case engine.GetModuleHandleA, engine.GetModuleHandleW, engine.GetModuleHandleExA, engine.GetModuleHandleExW:
		return engine.Real{Lookup: func(req engine.LookupRequest) (module.Handle, error) {
			return callLookup(original, req)
		}}, nil
	case engine.FreeLibrary:
		return engine.Real{Free: func(h module.Handle) error {
			r, _, err := syscall.SyscallN(original, uintptr(h))
			if r == 0 {
				return err
			}
			return nil
		}}, nil
	}
	return engine.Real{}, fmt.Errorf("no original shape for %s", ep)
}

// Describe reads the module's path and image layout.
func (b *Binding) Describe(h module.Handle) (module.Metadata, error) {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetModuleFileName(windows.Handle(h), &buf[0], uint32(len(buf)))
	if err != nil {
		return module.Metadata{}, fmt.Errorf("GetModuleFileName(%s): %w", h, err)
	}
	path := windows.UTF16ToString(buf[:n])
	md := module.Metadata{Name: module.BaseName(path), Path: path}

	var info windows.ModuleInfo
	if err := windows.GetModuleInformation(windows.CurrentProcess(), windows.Handle(h), &info, uint32(unsafe.Sizeof(info))); err == nil {
		md.Base = info.BaseOfDll
		md.Size = info.SizeOfImage
		md.EntryPoint = info.EntryPoint
	}
	return md, nil
}

// Loaded asks the loader whether h is still mapped, without touching its
// reference count.
func (b *Binding) Loaded(h module.Handle) bool {
	var out windows.Handle
	err := windows.GetModuleHandleEx(
		windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS|windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT,
		(*uint16)(unsafe.Pointer(uintptr(h))),
		&out,
	)
	return err == nil && module.Handle(out) == h
}

func callLoad(fn uintptr, req engine.LoadRequest) (module.Handle, error) {
	name, err := nativeString(req.Entry, req.Path)
	if err != nil {
		return 0, err
	}
	var r uintptr
	var errno syscall.Errno
	switch req.Entry {
	case engine.LoadLibraryExA, engine.LoadLibraryExW:
		r, _, errno = syscall.SyscallN(fn, name, 0, uintptr(req.Flags))
	case engine.LoadPackagedLibrary:
		r, _, errno = syscall.SyscallN(fn, name, 0)
	default:
		r, _, errno = syscall.SyscallN(fn, name)
	}
	if r == 0 {
		return 0, errno
	}
	return module.Handle(r), nil
}

func callLdrLoadDll(fn uintptr, req engine.LoadRequest) (module.Handle, error) {
	us, err := windows.NewNTUnicodeString(req.Path)
	if err != nil {
		return 0, err
	}
	search := req.SearchPathArg
	if search == 0 && req.SearchPath != "" {
		p, err := windows.UTF16PtrFromString(req.SearchPath)
		if err != nil {
			return 0, err
		}
		search = uintptr(unsafe.Pointer(p))
	}
	flags := req.Flags
	var h uintptr
	status, _, _ := syscall.SyscallN(fn, search, uintptr(unsafe.Pointer(&flags)), uintptr(unsafe.Pointer(us)), uintptr(unsafe.Pointer(&h)))
	if status != 0 {
		return 0, windows.NTStatus(status)
	}
	return module.Handle(h), nil
}

func callLookup(fn uintptr, req engine.LookupRequest) (module.Handle, error) {
	if !req.Entry.IsEx() {
		var name uintptr
		if req.Name != "" {
			p, err := nativeString(req.Entry, req.Name)
			if err != nil {
				return 0, err
			}
			name = p
		}
		r, _, errno := syscall.SyscallN(fn, name)
		if r == 0 {
			return 0, errno
		}
		return module.Handle(r), nil
	}

	var arg uintptr
	switch {
	case req.Flags&engine.FlagFromAddress != 0:
		arg = req.Address
	case req.Name != "":
		p, err := nativeString(req.Entry, req.Name)
		if err != nil {
			return 0, err
		}
		arg = p
	}
	var out uintptr
	r, _, errno := syscall.SyscallN(fn, uintptr(req.Flags), arg, uintptr(unsafe.Pointer(&out)))
	if r == 0 {
		return 0, errno
	}
	return module.Handle(out), nil
}

// nativeString encodes s for the A or W flavour of ep.
func nativeString(ep engine.EntryPoint, s string) (uintptr, error) {
	switch ep {
	case engine.LoadLibraryA, engine.LoadLibraryExA, engine.GetModuleHandleA, engine.GetModuleHandleExA:
		p, err := windows.BytePtrFromString(s)
		if err != nil {
			return 0, err
		}
		return uintptr(unsafe.Pointer(p)), nil
	default:
		p, err := windows.UTF16PtrFromString(s)
		if err != nil {
			return 0, err
		}
		return uintptr(unsafe.Pointer(p)), nil
	}
}

func ansi(p uintptr) string {
	if p == 0 {
		return ""
	}
	return windows.BytePtrToString((*byte)(unsafe.Pointer(p)))
}

func wide(p uintptr) string {
	if p == 0 {
		return ""
	}
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(p)))
}

func loadResult(h module.Handle, err error) uintptr {
	if err != nil {
		setLastError(err)
		return 0
	}
	return uintptr(h)
}

func lookupResult(h module.Handle, err error) uintptr {
	return loadResult(h, err)
}

// setLastError hands err back to a kernel32 caller through the thread's
// last-error slot.
func setLastError(err error) {
	code := uint32(windows.ERROR_MOD_NOT_FOUND)
	var denied *engine.DeniedError
	var errno syscall.Errno
	switch {
	case errors.As(err, &denied):
		code = denied.Code
	case errors.As(err, &errno):
		code = uint32(errno)
	}
	procSetLastError.Call(uintptr(code))
}

func ntStatus(err error) windows.NTStatus {
	var denied *engine.DeniedError
	var status windows.NTStatus
	switch {
	case errors.As(err, &denied):
		return windows.NTStatus(denied.Code)
	case errors.As(err, &status):
		return status
	}
	return windows.STATUS_DLL_NOT_FOUND
}
