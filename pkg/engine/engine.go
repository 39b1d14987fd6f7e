// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbeema/loadguard/pkg/blocklist"
	"github.com/mbeema/loadguard/pkg/health"
	"github.com/mbeema/loadguard/pkg/hook"
	"github.com/mbeema/loadguard/pkg/module"
	"github.com/mbeema/loadguard/pkg/redirect"
	"github.com/mbeema/loadguard/pkg/route"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options configures an Engine. Nil state objects are created fresh, so
// tests can build isolated engines.
type Options struct {
	Logger      *zap.Logger
	Registry    *module.Registry
	Blocklist   *blocklist.Blocklist
	Redirects   *redirect.Table
	Router      *route.Router
	Binding     Binding
	Enumerator  Enumerator
	Stats       *health.Stats
	Observer    Observer
	EntryPoints []EntryPoint // nil means all of EntryPoints
	Interesting []string     // audit patterns; nil means the router's patterns
	SelfModule  string       // used when Registry is nil
}

// Engine is the module-load interception engine. Every intercepted entry
// point funnels into the same state machine and the same registration path.
// The engine never starts goroutines of its own.
type Engine struct {
	logger     *zap.Logger
	registry   *module.Registry
	blocklist  *blocklist.Blocklist
	redirects  *redirect.Table
	router     *route.Router
	binding    Binding
	enumerator Enumerator
	stats      *health.Stats
	observer   Observer
	entries    []EntryPoint

	interestMu  sync.RWMutex
	interesting []string

	realMu sync.RWMutex
	real   map[EntryPoint]Real

	mu        sync.Mutex // install state
	capab     hook.Capability
	installed []installedHook
}

type installedHook struct {
	entry  EntryPoint
	target uintptr
}

// New creates an engine. It does not intercept anything until Install.
func New(opts Options) *Engine {
	e := &Engine{
		logger:     opts.Logger,
		registry:   opts.Registry,
		blocklist:  opts.Blocklist,
		redirects:  opts.Redirects,
		router:     opts.Router,
		binding:    opts.Binding,
		enumerator: opts.Enumerator,
		stats:      opts.Stats,
		observer:   opts.Observer,
		entries:    opts.EntryPoints,
		real:       make(map[EntryPoint]Real),
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.registry == nil {
		e.registry = module.NewRegistry(opts.SelfModule)
	}
	if e.blocklist == nil {
		e.blocklist = blocklist.New()
	}
	if e.redirects == nil {
		e.redirects = redirect.NewTable("", nil)
	}
	if e.router == nil {
		e.router = route.NewRouter(e.logger)
	}
	if e.stats == nil {
		e.stats = health.NewStats()
	}
	if e.entries == nil {
		e.entries = EntryPoints
	}
	e.SetInteresting(opts.Interesting)
	return e
}

// Install intercepts every configured entry point through capab. Entry
// points that cannot be resolved or hooked are skipped; the returned error
// aggregates those failures but the engine keeps running with whatever
// coverage it obtained.
func (e *Engine) Install(capab hook.Capability) error {
	if e.binding == nil {
		return fmt.Errorf("install: no loader binding")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.capab = capab

	var errs error
	for _, ep := range e.entries {
		if e.isInstalled(ep) {
			continue
		}
		if err := e.installOne(capab, ep); err != nil {
			if ep.Optional() {
				e.logger.Debug("optional entry point unavailable",
					zap.String("entry", ep.String()),
					zap.Error(err),
				)
				continue
			}
			e.stats.HooksFailed.Add(1)
			e.logger.Warn("entry point not intercepted",
				zap.String("entry", ep.String()),
				zap.String("module", ep.Module()),
				zap.Error(err),
			)
			e.emit(Event{Kind: EventHookFailed, Entry: ep.String(), Module: ep.Module(), Detail: err.Error()})
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		e.stats.HooksInstalled.Add(1)
	}

	e.logger.Info("interception installed",
		zap.Int("entry_points", len(e.installed)),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return errs
}

func (e *Engine) installOne(capab hook.Capability, ep EntryPoint) error {
	target, err := e.binding.Resolve(ep)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	replacement, err := e.binding.Replacement(ep, e)
	if err != nil {
		return fmt.Errorf("replacement: %w", err)
	}
	original, err := capab.Install(target, replacement)
	if err != nil {
		return fmt.Errorf("install hook: %w", err)
	}
	fns, err := e.binding.Attach(ep, original)
	if err != nil {
		capab.Remove(target)
		return fmt.Errorf("attach original: %w", err)
	}

	// The original must be callable before the first redirected call lands.
	e.setReal(ep, fns)

	if err := capab.Enable(target); err != nil {
		e.clearReal(ep)
		capab.Remove(target)
		return fmt.Errorf("enable hook: %w", err)
	}

	e.installed = append(e.installed, installedHook{entry: ep, target: target})
	e.logger.Debug("entry point intercepted",
		zap.String("entry", ep.String()),
		zap.Uintptr("target", target),
	)
	return nil
}

func (e *Engine) isInstalled(ep EntryPoint) bool {
	for _, ih := range e.installed {
		if ih.entry == ep {
			return true
		}
	}
	return false
}

// Uninstall disables and removes every hook Install placed, newest first.
func (e *Engine) Uninstall() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capab == nil {
		return nil
	}

	var errs error
	for i := len(e.installed) - 1; i >= 0; i-- {
		ih := e.installed[i]
		errs = multierr.Append(errs, e.capab.Disable(ih.target))
		errs = multierr.Append(errs, e.capab.Remove(ih.target))
		e.clearReal(ih.entry)
		e.stats.HooksInstalled.Add(-1)
	}
	e.installed = nil

	e.logger.Info("interception removed")
	return errs
}

// Installed returns the entry points currently intercepted, in install order.
func (e *Engine) Installed() []EntryPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EntryPoint, len(e.installed))
	for i, ih := range e.installed {
		out[i] = ih.entry
	}
	return out
}

func (e *Engine) setReal(ep EntryPoint, r Real) {
	e.realMu.Lock()
	e.real[ep] = r
	e.realMu.Unlock()
}

func (e *Engine) clearReal(ep EntryPoint) {
	e.realMu.Lock()
	delete(e.real, ep)
	e.realMu.Unlock()
}

func (e *Engine) realFor(ep EntryPoint) (Real, bool) {
	e.realMu.RLock()
	r, ok := e.real[ep]
	e.realMu.RUnlock()
	return r, ok
}

// emit delivers ev to the observer. A panicking observer is logged and
// otherwise ignored: the caller is third-party code that must not see it.
func (e *Engine) emit(ev Event) {
	if e.observer == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("event observer panicked", zap.Any("panic", p), zap.String("event", string(ev.Kind)))
		}
	}()
	e.observer.OnEvent(ev)
}

// Registry exposes the module registry.
func (e *Engine) Registry() *module.Registry { return e.registry }

// Blocklist exposes the blocklist.
func (e *Engine) Blocklist() *blocklist.Blocklist { return e.blocklist }

// Redirects exposes the redirect table.
func (e *Engine) Redirects() *redirect.Table { return e.redirects }

// Stats exposes the engine counters.
func (e *Engine) Stats() *health.Stats { return e.stats }
