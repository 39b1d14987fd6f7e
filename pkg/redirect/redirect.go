// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redirect

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mbeema/loadguard/pkg/module"
)

// RuleConfig is the operator-facing form of a rule: an override-eligible
// module name, whether the override is on, and the subfolder holding the
// replacement file.
type RuleConfig struct {
	Name      string
	Enabled   bool
	Subfolder string
}

// Rule is a resolved override for one canonical module name.
type Rule struct {
	Name    string
	Enabled bool
	Dir     string
}

// Path is the replacement file the rule points at.
func (r Rule) Path() string {
	return filepath.Join(r.Dir, r.Name)
}

// Decision is the outcome of consulting the table for a requested name.
type Decision struct {
	Rule     Rule
	Eligible bool   // a rule exists for the name
	Redirect bool   // load Path instead of the requested target
	Miss     bool   // rule enabled but the replacement file is absent
	Path     string // replacement path when Redirect is set
}

// Table holds the override rules and the live name→handle map of modules
// that were actually loaded through a redirect.
type Table struct {
	rulesMu sync.RWMutex
	rules   map[string]Rule

	handlesMu sync.RWMutex
	handles   map[string]module.Handle
}

// NewTable creates a table from configured rules. Relative subfolders are
// resolved against baseDir.
func NewTable(baseDir string, cfgs []RuleConfig) *Table {
	t := &Table{
		rules:   make(map[string]Rule),
		handles: make(map[string]module.Handle),
	}
	t.Configure(baseDir, cfgs)
	return t
}

// Configure replaces all rules. Live handle entries for names that are no
// longer override-eligible are dropped; entries for names that remain
// eligible survive, since those modules are still loaded.
func (t *Table) Configure(baseDir string, cfgs []RuleConfig) {
	rules := make(map[string]Rule, len(cfgs))
	for _, c := range cfgs {
		name := module.CanonicalName(c.Name)
		if name == "" {
			continue
		}
		dir := c.Subfolder
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		rules[name] = Rule{Name: name, Enabled: c.Enabled, Dir: dir}
	}

	t.rulesMu.Lock()
	t.rules = rules
	t.rulesMu.Unlock()

	t.handlesMu.Lock()
	for name := range t.handles {
		if _, ok := rules[name]; !ok {
			delete(t.handles, name)
		}
	}
	t.handlesMu.Unlock()
}

// Resolve decides whether a load of name should be redirected. The
// replacement file is checked on every call; a missing file is reported as a
// Miss and never as an error.
func (t *Table) Resolve(name string) Decision {
	key := module.CanonicalName(name)

	t.rulesMu.RLock()
	rule, ok := t.rules[key]
	t.rulesMu.RUnlock()

	if !ok {
		return Decision{}
	}
	d := Decision{Rule: rule, Eligible: true}
	if !rule.Enabled {
		return d
	}

	path := rule.Path()
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		d.Miss = true
		return d
	}
	d.Redirect = true
	d.Path = path
	return d
}

// IsEligible reports whether name has a rule, enabled or not.
func (t *Table) IsEligible(name string) bool {
	t.rulesMu.RLock()
	defer t.rulesMu.RUnlock()
	_, ok := t.rules[module.CanonicalName(name)]
	return ok
}

// Rules returns the configured rules sorted by name.
func (t *Table) Rules() []Rule {
	t.rulesMu.RLock()
	out := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	t.rulesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Record stores the handle a redirected load produced. Names without a rule
// are ignored and Record returns false.
func (t *Table) Record(name string, h module.Handle) bool {
	key := module.CanonicalName(name)
	if !t.IsEligible(key) {
		return false
	}
	t.handlesMu.Lock()
	t.handles[key] = h
	t.handlesMu.Unlock()
	return true
}

// Lookup returns the redirected handle recorded for name.
func (t *Table) Lookup(name string) (module.Handle, bool) {
	key := module.CanonicalName(name)
	if key == "" {
		return 0, false
	}
	t.handlesMu.RLock()
	h, ok := t.handles[key]
	t.handlesMu.RUnlock()
	return h, ok
}

// Release removes every entry whose value is h and returns the names that
// were removed. The map is bounded by the number of override-eligible names,
// so a linear scan is used instead of a reverse index.
func (t *Table) Release(h module.Handle) []string {
	t.handlesMu.Lock()
	defer t.handlesMu.Unlock()

	var removed []string
	for name, v := range t.handles {
		if v == h {
			delete(t.handles, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Handles returns a copy of the live map.
func (t *Table) Handles() map[string]module.Handle {
	t.handlesMu.RLock()
	defer t.handlesMu.RUnlock()
	out := make(map[string]module.Handle, len(t.handles))
	for k, v := range t.handles {
		out[k] = v
	}
	return out
}
