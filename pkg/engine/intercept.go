// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"fmt"
	"time"

	"github.com/mbeema/loadguard/pkg/module"
	"go.uber.org/zap"
)

// LoadLibrary runs the load state machine for every load-shaped entry point:
// deny check, redirect check, delegate, then register and dispatch.
func (e *Engine) LoadLibrary(req LoadRequest) (module.Handle, error) {
	orig, ok := e.realFor(req.Entry)
	if !ok || orig.Load == nil {
		return 0, fmt.Errorf("%s: %w", req.Entry, ErrNotIntercepted)
	}
	e.stats.LoadsIntercepted.Add(1)

	name := module.LoaderName(req.Path)
	if name == "" {
		h, err := orig.Load(req)
		if err != nil {
			e.stats.LoadsFailed.Add(1)
			return 0, err
		}
		e.observe(h, req.Path, req.Entry.String())
		return h, nil
	}

	if e.blocklist.ShouldBlock(name) {
		e.stats.LoadsDenied.Add(1)
		e.logger.Info("module load denied",
			zap.String("entry", req.Entry.String()),
			zap.String("module", name),
			zap.String("path", req.Path),
		)
		e.emit(Event{Kind: EventDenied, Entry: req.Entry.String(), Module: name, Path: req.Path})
		return 0, &DeniedError{Entry: req.Entry, Name: name, Code: req.Entry.FailureCode()}
	}

	if req.ResourceOnly() {
		h, err := orig.Load(req)
		if err != nil {
			e.stats.LoadsFailed.Add(1)
			return 0, err
		}
		e.logger.Debug("resource mapping not tracked",
			zap.String("module", name),
			zap.Uint32("flags", req.Flags),
			zap.Stringer("handle", h),
		)
		return h, nil
	}

	d := e.redirects.Resolve(name)
	target := req
	switch {
	case d.Redirect:
		target.Path = d.Path
	case d.Miss:
		e.stats.RedirectMisses.Add(1)
		e.logger.Warn("override file missing, loading original",
			zap.String("module", name),
			zap.String("override", d.Rule.Path()),
		)
		e.emit(Event{Kind: EventRedirectMiss, Entry: req.Entry.String(), Module: name, Path: d.Rule.Path()})
	}

	h, err := orig.Load(target)
	if err != nil {
		e.stats.LoadsFailed.Add(1)
		return 0, err
	}
	if resourceHandle(h) {
		return h, nil
	}

	if d.Redirect && e.redirects.Record(name, h) {
		e.stats.Redirected.Add(1)
		e.logger.Info("module redirected",
			zap.String("module", name),
			zap.String("path", d.Path),
			zap.Stringer("handle", h),
		)
		e.emit(Event{Kind: EventRedirected, Entry: req.Entry.String(), Module: name, Path: d.Path, Handle: h})
	}

	e.observe(h, target.Path, req.Entry.String())
	return h, nil
}

// GetModuleHandle answers handle lookups by name from the redirect map first,
// so every caller sees the override rather than the original file.
func (e *Engine) GetModuleHandle(req LookupRequest) (module.Handle, error) {
	orig, ok := e.realFor(req.Entry)
	if !ok || orig.Lookup == nil {
		return 0, fmt.Errorf("%s: %w", req.Entry, ErrNotIntercepted)
	}

	if req.Flags&FlagFromAddress == 0 && req.Name != "" {
		if h, ok := e.redirects.Lookup(module.LoaderName(req.Name)); ok {
			if req.Entry.IsEx() && req.Flags&FlagUnchangedRefcount == 0 {
				// The Ex variants hand the caller a reference; take it on the
				// redirected module through the address form of the lookup.
				ref := req
				ref.Flags = (req.Flags | FlagFromAddress) &^ FlagUnchangedRefcount
				ref.Name = ""
				ref.Address = uintptr(h)
				if _, err := orig.Lookup(ref); err != nil {
					e.logger.Debug("reference on redirected module failed",
						zap.String("module", req.Name),
						zap.Error(err),
					)
				}
			}
			e.stats.LookupsRedirected.Add(1)
			return h, nil
		}
	}
	return orig.Lookup(req)
}

// FreeLibrary wraps the real unload. When the release was the final one, any
// redirect map entry pointing at h is retired.
func (e *Engine) FreeLibrary(h module.Handle) error {
	orig, ok := e.realFor(FreeLibrary)
	if !ok || orig.Free == nil {
		return fmt.Errorf("%s: %w", FreeLibrary, ErrNotIntercepted)
	}
	if err := orig.Free(h); err != nil {
		return err
	}
	if e.binding != nil && e.binding.Loaded(h) {
		return nil
	}

	for _, name := range e.redirects.Release(h) {
		e.stats.RedirectsReleased.Add(1)
		e.logger.Info("redirected module unloaded",
			zap.String("module", name),
			zap.Stringer("handle", h),
		)
		e.emit(Event{Kind: EventReleased, Entry: FreeLibrary.String(), Module: name, Handle: h})
	}
	return nil
}

// observe is the single registration path. Every interceptor and the
// enumeration pass end up here.
func (e *Engine) observe(h module.Handle, path, source string) {
	if h == 0 {
		return
	}
	md := e.describe(h, path)
	rec, inserted := e.registry.TryRegister(h, md, false, source)
	if !inserted {
		return
	}
	e.stats.ModulesTracked.Add(1)
	e.registered(rec)
}

func (e *Engine) describe(h module.Handle, path string) module.Metadata {
	if e.binding != nil {
		if md, err := e.binding.Describe(h); err == nil && (md.Name != "" || md.Path != "") {
			return md
		}
	}
	return module.Metadata{Name: module.BaseName(path), Path: path}
}

// registered runs after a record was inserted and every lock released.
func (e *Engine) registered(rec module.Record) {
	e.emit(Event{
		Kind:   EventLoaded,
		Time:   rec.LoadedAt,
		Entry:  rec.Source,
		Module: rec.Name,
		Path:   rec.Path,
		Handle: rec.Handle,
	})
	e.dispatch(rec)
}

func (e *Engine) dispatch(rec module.Record) {
	start := time.Now()
	res := e.router.Route(rec.Name, rec.Handle)
	e.stats.Dispatches.Add(int64(len(res.Matched)))
	e.stats.InstallerFailures.Add(int64(len(res.Failed)))
	if len(res.Matched) > 0 {
		e.logger.Debug("dispatch complete",
			zap.String("module", rec.Name),
			zap.Strings("routes", res.Matched),
			zap.Duration("took", time.Since(start)),
		)
	}
}
