//go:build !windows

package loader

import (
	"github.com/mbeema/loadguard/pkg/engine"
	"github.com/mbeema/loadguard/pkg/module"
	"go.uber.org/zap"
)

// Binding reports every entry point as unresolvable. An engine installed
// with it still tracks modules through enumeration and audit.
type Binding struct {
	logger *zap.Logger
	enum   *Enumerator
}

// NewBinding creates the binding for the current process.
func NewBinding(logger *zap.Logger) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binding{logger: logger, enum: NewEnumerator(0)}
}

func (b *Binding) Resolve(ep engine.EntryPoint) (uintptr, error) {
	return 0, ErrUnsupported
}

func (b *Binding) Replacement(ep engine.EntryPoint, _ *engine.Engine) (uintptr, error) {
	return 0, ErrUnsupported
}

func (b *Binding) Attach(ep engine.EntryPoint, _ uintptr) (engine.Real, error) {
	return engine.Real{}, ErrUnsupported
}

// Describe finds h among the current mappings.
func (b *Binding) Describe(h module.Handle) (module.Metadata, error) {
	mods, err := b.enum.Modules()
	if err != nil {
		return module.Metadata{}, err
	}
	for _, m := range mods {
		if m.Handle == h {
			return m.Metadata, nil
		}
	}
	return module.Metadata{}, ErrUnsupported
}

// Loaded reports whether a mapping still produces h.
func (b *Binding) Loaded(h module.Handle) bool {
	_, err := b.Describe(h)
	return err == nil
}
