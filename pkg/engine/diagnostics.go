package engine

import (
	"github.com/mbeema/loadguard/pkg/module"
	"github.com/mbeema/loadguard/pkg/redirect"
	"go.uber.org/zap"
)

// GetLoadedModules returns a snapshot of the registry.
func (e *Engine) GetLoadedModules() []module.Record {
	return e.registry.Snapshot()
}

// IsModuleLoaded reports whether a module with this file name is registered.
func (e *Engine) IsModuleLoaded(name string) bool {
	return e.registry.IsLoaded(name)
}

// GetBlockedNames returns the blocklist, sorted.
func (e *Engine) GetBlockedNames() []string {
	return e.blocklist.Names()
}

// CanBlock reports whether blocking name would have any effect. Unknown names
// can be blocked; a registered module can be blocked only if every record
// with that name was seen by an interceptor and is not the engine itself.
func (e *Engine) CanBlock(name string) bool {
	key := module.CanonicalName(name)
	if key == "" {
		return false
	}
	if key == e.registry.SelfName() {
		return false
	}
	for _, rec := range e.registry.Snapshot() {
		if rec.CanonicalName() == key && !e.registry.CanBlock(rec) {
			return false
		}
	}
	return true
}

// RedirectedHandles returns a copy of the live redirect map.
func (e *Engine) RedirectedHandles() map[string]module.Handle {
	return e.redirects.Handles()
}

// Settings is the runtime-reloadable part of the engine configuration.
type Settings struct {
	Blocklist    string
	RedirectBase string
	Overrides    []redirect.RuleConfig
	Interesting  []string
}

// Reload replaces the blocklist wholesale and reconfigures the redirect
// rules. Live redirect entries survive only for names that are still
// override targets.
func (e *Engine) Reload(s Settings) {
	e.blocklist.LoadFromConfiguration(s.Blocklist)
	e.redirects.Configure(s.RedirectBase, s.Overrides)
	e.SetInteresting(s.Interesting)

	e.logger.Info("engine settings reloaded",
		zap.Int("blocked", e.blocklist.Len()),
		zap.Int("overrides", len(s.Overrides)),
		zap.Int("live_redirects", len(e.redirects.Handles())),
	)
}
