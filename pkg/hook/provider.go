// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "errors"

// Capability redirects calls aimed at a target function to a replacement.
// Implementations wrap a detour library (MinHook, Detours, an IAT patcher)
// or, for the portable build and tests, the software Manager in this package.
// Every method is idempotent per target address.
type Capability interface {
	// Install prepares a hook from target to replacement and returns an
	// address through which the original behaviour stays callable. The hook
	// is not active until Enable.
	Install(target, replacement uintptr) (original uintptr, err error)

	// Enable activates a previously installed hook.
	Enable(target uintptr) error

	// Disable deactivates a hook. Calls reach target's original code again.
	Disable(target uintptr) error

	// Remove disables and forgets the hook.
	Remove(target uintptr) error
}

// CodePatcher is implemented by capabilities that can report whether their
// hooks rewrite target code. Native callers only reach a replacement when
// they do.
type CodePatcher interface {
	PatchesCode() bool
}

// PatchesCode reports whether hooks installed through c reach native
// callers. Capabilities that do not implement CodePatcher are assumed to.
func PatchesCode(c Capability) bool {
	if p, ok := c.(CodePatcher); ok {
		return p.PatchesCode()
	}
	return true
}

var (
	// ErrDoubleHook means target is already hooked to a different replacement.
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means no hook is installed at target.
	ErrHookNotFound = errors.New("hook not found")
	// ErrNullAddress means target or replacement is zero.
	ErrNullAddress = errors.New("null address")
)
