package engine

import (
	"time"

	"github.com/mbeema/loadguard/pkg/module"
)

// Binding connects abstract entry points to a concrete loader. The Windows
// binding resolves kernel32/ntdll exports and marshals native arguments;
// tests supply fakes.
type Binding interface {
	// Resolve returns the address of ep's target function.
	Resolve(ep EntryPoint) (uintptr, error)

	// Replacement returns the address that should receive ep's calls. The
	// code behind it must forward to e's interceptors.
	Replacement(ep EntryPoint, e *Engine) (uintptr, error)

	// Attach wraps original, as returned by the hook capability, into the
	// real callable for ep.
	Attach(ep EntryPoint, original uintptr) (Real, error)

	// Describe returns metadata for a loaded handle.
	Describe(h module.Handle) (module.Metadata, error)

	// Loaded reports whether h still refers to a mapped module.
	Loaded(h module.Handle) bool
}

// Real holds the original implementation of one entry point. Only the field
// matching the entry point's Kind is set.
type Real struct {
	Load   LoadFunc
	Lookup LookupFunc
	Free   FreeFunc
}

// Enumerator lists the modules currently mapped in a process, independently
// of the registry.
type Enumerator interface {
	Modules() ([]module.Observed, error)
}

// EventKind classifies engine events.
type EventKind string

const (
	EventLoaded       EventKind = "loaded"
	EventDenied       EventKind = "denied"
	EventRedirected   EventKind = "redirected"
	EventRedirectMiss EventKind = "redirect_miss"
	EventReleased     EventKind = "released"
	EventMissed       EventKind = "missed"
	EventHookFailed   EventKind = "hook_failed"
)

// Event is one observable engine decision.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Entry  string
	Module string
	Path   string
	Handle module.Handle
	Detail string
}

// Observer receives engine events. OnEvent runs on the thread that triggered
// the event and must not block.
type Observer interface {
	OnEvent(ev Event)
}
