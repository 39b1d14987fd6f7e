package hook

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager is a software Capability. It does not patch code: callers that
// dispatch through Resolve reach the replacement while a hook is enabled and
// the target otherwise. The portable binding and the tests route loader
// calls through it; native bindings can use it to keep the bookkeeping of a
// detour library in one place.
type Manager struct {
	logger *zap.Logger

	mu    sync.RWMutex
	hooks map[uintptr]*entry
}

type entry struct {
	replacement uintptr
	enabled     bool
}

// NewManager creates an empty hook manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger,
		hooks:  make(map[uintptr]*entry),
	}
}

// PatchesCode is false: only calls dispatched through Resolve are redirected.
func (m *Manager) PatchesCode() bool { return false }

// Install registers a disabled hook. Installing the same pair again returns
// the same original; a different replacement for a hooked target fails with
// ErrDoubleHook.
func (m *Manager) Install(target, replacement uintptr) (uintptr, error) {
	if target == 0 || replacement == 0 {
		return 0, ErrNullAddress
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.hooks[target]; ok {
		if e.replacement != replacement {
			return 0, fmt.Errorf("target 0x%X: %w", target, ErrDoubleHook)
		}
		return target, nil
	}
	m.hooks[target] = &entry{replacement: replacement}
	m.logger.Debug("hook installed",
		zap.Uintptr("target", target),
		zap.Uintptr("replacement", replacement),
	)
	// Nothing is patched, so the target itself stays the original.
	return target, nil
}

// Enable activates the hook at target.
func (m *Manager) Enable(target uintptr) error {
	return m.setEnabled(target, true)
}

// Disable deactivates the hook at target.
func (m *Manager) Disable(target uintptr) error {
	return m.setEnabled(target, false)
}

func (m *Manager) setEnabled(target uintptr, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.hooks[target]
	if !ok {
		return fmt.Errorf("target 0x%X: %w", target, ErrHookNotFound)
	}
	e.enabled = enabled
	return nil
}

// Remove forgets the hook at target. Removing an unknown target is a no-op.
func (m *Manager) Remove(target uintptr) error {
	m.mu.Lock()
	delete(m.hooks, target)
	m.mu.Unlock()
	return nil
}

// Resolve returns the address a call aimed at target should reach.
func (m *Manager) Resolve(target uintptr) uintptr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.hooks[target]; ok && e.enabled {
		return e.replacement
	}
	return target
}

// IsEnabled reports whether a hook at target is installed and active.
func (m *Manager) IsEnabled(target uintptr) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.hooks[target]
	return ok && e.enabled
}

// Targets returns every hooked target address, ascending.
func (m *Manager) Targets() []uintptr {
	m.mu.RLock()
	out := make([]uintptr, 0, len(m.hooks))
	for t := range m.hooks {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
