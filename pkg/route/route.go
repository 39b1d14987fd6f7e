// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package route

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mbeema/loadguard/pkg/module"
	"go.uber.org/zap"
)

// Installer sets up a secondary subsystem's hooks once its module is
// available. The return value only affects logging.
type Installer interface {
	Install(h module.Handle) bool
}

// InstallerFunc adapts a plain function to Installer.
type InstallerFunc func(h module.Handle) bool

// Install calls f(h).
func (f InstallerFunc) Install(h module.Handle) bool { return f(h) }

// Route pairs a substring pattern with the installer it triggers.
type Route struct {
	Name      string // subsystem name, for logs
	Pattern   string // matched against the lower-cased module name
	Installer Installer
}

// Result describes one Route call.
type Result struct {
	Matched []string // names of routes whose pattern matched, in table order
	Failed  []string // subset of Matched whose installer failed or panicked
}

// Router dispatches newly observed modules to every matching route.
// Routes are evaluated in insertion order and all matches fire.
type Router struct {
	logger *zap.Logger

	mu     sync.RWMutex
	routes []Route
}

// NewRouter creates a router with the given routes.
func NewRouter(logger *zap.Logger, routes ...Route) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{logger: logger}
	for _, rt := range routes {
		r.Add(rt)
	}
	return r
}

// Add appends a route. Patterns are stored lower-cased.
func (r *Router) Add(rt Route) {
	rt.Pattern = strings.ToLower(rt.Pattern)
	if rt.Name == "" {
		rt.Name = rt.Pattern
	}
	r.mu.Lock()
	r.routes = append(r.routes, rt)
	r.mu.Unlock()
}

// Patterns returns the route patterns in table order, without duplicates.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.routes))
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		if !seen[rt.Pattern] {
			seen[rt.Pattern] = true
			out = append(out, rt.Pattern)
		}
	}
	return out
}

// Len returns the number of routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Route runs every installer whose pattern is contained in name. It must be
// called without holding any registry lock: installers may load further
// modules and re-enter the engine.
func (r *Router) Route(name string, h module.Handle) Result {
	lower := strings.ToLower(module.BaseName(name))

	r.mu.RLock()
	routes := make([]Route, len(r.routes))
	copy(routes, r.routes)
	r.mu.RUnlock()

	var res Result
	for _, rt := range routes {
		if rt.Pattern == "" || !strings.Contains(lower, rt.Pattern) {
			continue
		}
		res.Matched = append(res.Matched, rt.Name)

		ok, err := r.install(rt, h)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, rt.Name)
			r.logger.Warn("secondary installer panicked",
				zap.String("module", name),
				zap.String("route", rt.Name),
				zap.Error(err),
			)
		case !ok:
			res.Failed = append(res.Failed, rt.Name)
			r.logger.Warn("secondary installer failed",
				zap.String("module", name),
				zap.String("route", rt.Name),
				zap.Stringer("handle", h),
			)
		default:
			r.logger.Info("secondary installer ran",
				zap.String("module", name),
				zap.String("route", rt.Name),
				zap.Stringer("handle", h),
			)
		}
	}

	if len(res.Matched) == 0 {
		r.logger.Debug("module observed", zap.String("module", name), zap.Stringer("handle", h))
	}
	return res
}

func (r *Router) install(rt Route, h module.Handle) (ok bool, err error) {
	if rt.Installer == nil {
		return false, nil
	}
	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = fmt.Errorf("installer %s: %v", rt.Name, p)
		}
	}()
	return rt.Installer.Install(h), nil
}
