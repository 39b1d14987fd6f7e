// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/loadguard/pkg/config"
	"github.com/mbeema/loadguard/pkg/engine"
	"github.com/mbeema/loadguard/pkg/export"
	"github.com/mbeema/loadguard/pkg/health"
	"github.com/mbeema/loadguard/pkg/hook"
	"github.com/mbeema/loadguard/pkg/module"
	"github.com/mbeema/loadguard/pkg/redact"
	"github.com/mbeema/loadguard/pkg/redirect"
	"github.com/mbeema/loadguard/pkg/route"
	"go.uber.org/zap"
)

// Options supplies the platform pieces the agent cannot build from config.
type Options struct {
	Version    string
	Binding    engine.Binding
	Enumerator engine.Enumerator
	Capability hook.Capability // nil means a software hook.Manager

	// Installers returns the installer for a default route subsystem, or nil
	// to skip it. nil means every subsystem gets a logging installer.
	Installers func(subsystem string) route.Installer

	// Exporters replaces the exporters built from config when non-nil.
	Exporters []export.Exporter
}

// Agent wires the interception engine to its hook capability, the audit
// loop, the health server and the event exporters.
// Config is stored as an atomic pointer so diagnostics can read it while a
// reload is in flight.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	engine       *engine.Engine
	capability   hook.Capability
	healthServer *health.Server
	healthStats  *health.Stats
	redactor     *redact.Redactor
	exporter     *export.Manager

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	auditCancel context.CancelFunc
	auditWG     sync.WaitGroup
	started     bool
}

// New builds every subsystem from cfg without starting any of them.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{logger: logger}
	a.cfg.Store(cfg)

	a.healthStats = health.NewStats()

	var extraRules []redact.Rule
	for _, r := range cfg.Redaction.Rules {
		rule, err := redact.Compile(r.Name, r.Pattern, r.Replacement)
		if err != nil {
			logger.Warn("invalid redaction rule pattern", zap.String("name", r.Name), zap.Error(err))
			continue
		}
		extraRules = append(extraRules, rule)
	}
	a.redactor = redact.New(cfg.Redaction.Enabled, extraRules)

	if opts.Exporters != nil {
		a.exporter = export.NewManagerWithExporters(a.redactor, a.healthStats, logger, opts.Exporters...)
	} else {
		exp, err := export.NewManager(&export.ManagerConfig{
			Exporters:      &cfg.Exporters,
			ServiceName:    "loadguard",
			ServiceVersion: opts.Version,
			Redactor:       a.redactor,
			Stats:          a.healthStats,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create export manager: %w", err)
		}
		a.exporter = exp
	}

	installers := opts.Installers
	if installers == nil {
		installers = a.loggingInstaller
	}
	router := route.NewRouter(logger, route.Defaults(installers)...)

	entries, err := cfg.EntryPoints()
	if err != nil {
		return nil, err
	}

	a.engine = engine.New(engine.Options{
		Logger:      logger,
		Router:      router,
		Binding:     opts.Binding,
		Enumerator:  opts.Enumerator,
		Stats:       a.healthStats,
		Observer:    a.exporter,
		EntryPoints: entries,
		Interesting: cfg.Audit.Interesting,
		SelfModule:  cfg.SelfModule,
	})
	a.engine.Reload(Settings(cfg))

	a.capability = opts.Capability
	if a.capability == nil {
		a.capability = hook.NewManager(logger)
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, opts.Version, a.healthStats, a.engine, logger)
	}

	return a, nil
}

// Settings converts the reloadable part of cfg into engine settings.
func Settings(cfg *config.Config) engine.Settings {
	overrides := make([]redirect.RuleConfig, 0, len(cfg.Redirect.Overrides))
	for _, o := range cfg.Redirect.Overrides {
		overrides = append(overrides, redirect.RuleConfig{
			Name:      o.Name,
			Enabled:   o.Enabled,
			Subfolder: o.Subfolder,
		})
	}
	return engine.Settings{
		Blocklist:    cfg.Blocklist,
		RedirectBase: cfg.RedirectBaseDir(),
		Overrides:    overrides,
		Interesting:  cfg.Audit.Interesting,
	}
}

// loggingInstaller is the default subsystem installer: it records that the
// subsystem's module became available.
func (a *Agent) loggingInstaller(subsystem string) route.Installer {
	return route.InstallerFunc(func(h module.Handle) bool {
		a.logger.Info("subsystem module available",
			zap.String("subsystem", subsystem),
			zap.Stringer("handle", h),
		)
		return true
	})
}

// Engine returns the interception engine.
func (a *Agent) Engine() *engine.Engine { return a.engine }

// Stats returns the shared self-monitoring counters.
func (a *Agent) Stats() *health.Stats { return a.healthStats }

// Config returns the active configuration.
func (a *Agent) Config() *config.Config { return a.cfg.Load() }

// Start installs interception, seeds the registry from a cold enumeration
// and starts the background subsystems. Missing interception coverage is
// logged, not fatal: the audit loop reports what it lets through.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("agent already started")
	}
	cfg := a.cfg.Load()
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.exporter.Start(a.ctx); err != nil {
		return fmt.Errorf("start export manager: %w", err)
	}

	// Seed what was mapped before interception, then install. Loads that
	// land after install register through the interceptors; the late pass
	// only picks up what arrived between the two steps.
	n, err := a.engine.EnumerateLoadedModules(false)
	if err != nil {
		a.logger.Warn("initial module enumeration failed", zap.Error(err))
	} else {
		a.logger.Info("registry seeded", zap.Int("modules", n))
	}

	if cfg.Interception.Enabled {
		if !hook.PatchesCode(a.capability) {
			a.logger.Warn("hook capability does not patch code, native loads bypass the engine",
				zap.String("capability", fmt.Sprintf("%T", a.capability)),
			)
		}
		if err := a.engine.Install(a.capability); err != nil {
			a.logger.Warn("interception incomplete",
				zap.Int("installed", len(a.engine.Installed())),
				zap.Error(err),
			)
		}
		if len(a.engine.Installed()) > 0 {
			if n, err := a.engine.EnumerateLoadedModules(true); err == nil && n > 0 {
				a.logger.Info("modules mapped during install registered", zap.Int("modules", n))
			}
		}
	} else {
		a.logger.Info("interception disabled by configuration")
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(a.ctx); err != nil {
			a.uninstallLocked()
			a.cancel()
			a.exporter.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		a.healthServer.SetReady(true)
	}

	if cfg.Audit.Enabled {
		a.startAuditLocked(cfg.Audit.Interval)
	}

	a.started = true
	a.logger.Info("agent started",
		zap.Int("entry_points", len(a.engine.Installed())),
		zap.Int("blocked", len(a.engine.GetBlockedNames())),
		zap.Bool("audit", cfg.Audit.Enabled),
	)
	return nil
}

// Stop removes interception and shuts the background subsystems down.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}

	a.stopAuditLocked()
	a.uninstallLocked()

	if a.cancel != nil {
		a.cancel()
	}
	a.exporter.Stop()

	exported, dropped := a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Int64("modules_tracked", a.healthStats.ModulesTracked.Load()),
		zap.Int64("loads_denied", a.healthStats.LoadsDenied.Load()),
		zap.Int64("events_exported", exported),
		zap.Int64("events_dropped", dropped),
	)
	return nil
}

func (a *Agent) uninstallLocked() {
	if err := a.engine.Uninstall(); err != nil {
		a.logger.Error("interception removal incomplete", zap.Error(err))
	}
}

// Reload applies a new configuration. Blocklist, redirect rules and audit
// settings take effect immediately; exporter, health and entry point
// changes need a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	oldCfg := a.cfg.Load()
	a.cfg.Store(cfg)

	a.engine.Reload(Settings(cfg))

	if a.started && (oldCfg.Audit.Enabled != cfg.Audit.Enabled || oldCfg.Audit.Interval != cfg.Audit.Interval) {
		a.stopAuditLocked()
		if cfg.Audit.Enabled {
			a.startAuditLocked(cfg.Audit.Interval)
		}
	}

	if !reflect.DeepEqual(oldCfg.Exporters, cfg.Exporters) ||
		oldCfg.Health != cfg.Health ||
		!reflect.DeepEqual(oldCfg.Interception, cfg.Interception) {
		a.logger.Warn("exporter, health or interception changes take effect after restart")
	}

	a.logger.Info("configuration reloaded",
		zap.Int("blocked", len(a.engine.GetBlockedNames())),
		zap.Int("overrides", len(cfg.Redirect.Overrides)),
		zap.Bool("audit", cfg.Audit.Enabled),
	)
	return nil
}

func (a *Agent) startAuditLocked(interval time.Duration) {
	ctx, cancel := context.WithCancel(a.ctx)
	a.auditCancel = cancel
	a.auditWG.Add(1)
	go a.auditLoop(ctx, interval)
}

func (a *Agent) stopAuditLocked() {
	if a.auditCancel != nil {
		a.auditCancel()
		a.auditCancel = nil
	}
	a.auditWG.Wait()
}

// auditLoop periodically registers modules that reached the process
// without passing an intercepted entry point and reports interesting ones.
func (a *Agent) auditLoop(ctx context.Context, interval time.Duration) {
	defer a.auditWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Audit()
		}
	}
}

// Audit reports interesting modules the registry missed, then absorbs
// every unknown module with a late enumeration pass.
func (a *Agent) Audit() {
	if _, err := a.engine.ReportMissedModules(); err != nil {
		a.logger.Warn("missed-module report failed", zap.Error(err))
		return
	}
	if _, err := a.engine.EnumerateLoadedModules(true); err != nil {
		a.logger.Warn("audit enumeration failed", zap.Error(err))
	}
}
