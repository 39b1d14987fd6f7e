package redact

import (
	"fmt"
	"regexp"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Compile builds a Rule from a user-supplied pattern.
func Compile(name, pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("redaction rule %q: %w", name, err)
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	return Rule{Name: name, Pattern: re, Replacement: replacement}, nil
}

// Redactor applies a set of redaction rules to module paths and event details
// before they leave the process.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if r == nil || !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// RedactMap applies redaction to selected map values.
func (r *Redactor) RedactMap(attrs map[string]string, keys ...string) {
	if r == nil || !r.enabled {
		return
	}
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			attrs[k] = r.Redact(v)
		}
	}
}

// Rules returns the names of the active rules in application order.
func (r *Redactor) Rules() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}

func builtinRules() []Rule {
	return []Rule{
		{
			// C:\Users\alice\... and \\?\C:\Users\alice\...
			Name:        "windows_profile",
			Pattern:     regexp.MustCompile(`(?i)([a-z]:\\users\\)[^\\]+`),
			Replacement: "${1}[USER]",
		},
		{
			Name:        "unix_home",
			Pattern:     regexp.MustCompile(`(/home/)[^/]+`),
			Replacement: "${1}[USER]",
		},
		{
			Name:        "darwin_home",
			Pattern:     regexp.MustCompile(`(/Users/)[^/]+`),
			Replacement: "${1}[USER]",
		},
		{
			Name:        "steam_userdata",
			Pattern:     regexp.MustCompile(`(?i)(userdata[\\/])\d+`),
			Replacement: "${1}[ACCOUNT]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
	}
}
