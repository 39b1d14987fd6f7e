// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the interception engine.
type Stats struct {
	startTime time.Time

	LoadsIntercepted  atomic.Int64
	LoadsDenied       atomic.Int64
	LoadsFailed       atomic.Int64
	Redirected        atomic.Int64
	RedirectMisses    atomic.Int64
	LookupsRedirected atomic.Int64
	RedirectsReleased atomic.Int64
	ModulesTracked    atomic.Int64
	Dispatches        atomic.Int64
	InstallerFailures atomic.Int64
	MissedModules     atomic.Int64
	HooksInstalled    atomic.Int64
	HooksFailed       atomic.Int64
	EventsExported    atomic.Int64
	EventsDropped     atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns time since the stats were created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds     float64
	Goroutines        int
	MemoryRSSBytes    uint64
	LoadsIntercepted  int64
	LoadsDenied       int64
	LoadsFailed       int64
	Redirected        int64
	RedirectMisses    int64
	LookupsRedirected int64
	RedirectsReleased int64
	ModulesTracked    int64
	Dispatches        int64
	InstallerFailures int64
	MissedModules     int64
	HooksInstalled    int64
	HooksFailed       int64
	EventsExported    int64
	EventsDropped     int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:     s.Uptime().Seconds(),
		Goroutines:        runtime.NumGoroutine(),
		MemoryRSSBytes:    memStats.Sys,
		LoadsIntercepted:  s.LoadsIntercepted.Load(),
		LoadsDenied:       s.LoadsDenied.Load(),
		LoadsFailed:       s.LoadsFailed.Load(),
		Redirected:        s.Redirected.Load(),
		RedirectMisses:    s.RedirectMisses.Load(),
		LookupsRedirected: s.LookupsRedirected.Load(),
		RedirectsReleased: s.RedirectsReleased.Load(),
		ModulesTracked:    s.ModulesTracked.Load(),
		Dispatches:        s.Dispatches.Load(),
		InstallerFailures: s.InstallerFailures.Load(),
		MissedModules:     s.MissedModules.Load(),
		HooksInstalled:    s.HooksInstalled.Load(),
		HooksFailed:       s.HooksFailed.Load(),
		EventsExported:    s.EventsExported.Load(),
		EventsDropped:     s.EventsDropped.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	return prometheusFormat(snap)
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "loadguard_uptime_seconds", "gauge", "Engine uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "loadguard_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "loadguard_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "loadguard_loads_intercepted_total", "counter", "Load calls seen by an interceptor", float64(snap.LoadsIntercepted))
	b = appendMetric(b, "loadguard_loads_denied_total", "counter", "Load calls denied by the blocklist", float64(snap.LoadsDenied))
	b = appendMetric(b, "loadguard_loads_failed_total", "counter", "Load calls the real loader failed", float64(snap.LoadsFailed))
	b = appendMetric(b, "loadguard_redirected_total", "counter", "Loads served from an override file", float64(snap.Redirected))
	b = appendMetric(b, "loadguard_redirect_misses_total", "counter", "Enabled overrides whose file was absent", float64(snap.RedirectMisses))
	b = appendMetric(b, "loadguard_lookups_redirected_total", "counter", "Handle lookups answered from the redirect map", float64(snap.LookupsRedirected))
	b = appendMetric(b, "loadguard_redirects_released_total", "counter", "Redirect map entries retired on unload", float64(snap.RedirectsReleased))
	b = appendMetric(b, "loadguard_modules_tracked", "gauge", "Modules currently in the registry", float64(snap.ModulesTracked))
	b = appendMetric(b, "loadguard_dispatches_total", "counter", "Secondary installers invoked", float64(snap.Dispatches))
	b = appendMetric(b, "loadguard_installer_failures_total", "counter", "Secondary installers that failed", float64(snap.InstallerFailures))
	b = appendMetric(b, "loadguard_missed_modules_total", "counter", "Interesting modules found outside the registry", float64(snap.MissedModules))
	b = appendMetric(b, "loadguard_hooks_installed", "gauge", "Entry points currently intercepted", float64(snap.HooksInstalled))
	b = appendMetric(b, "loadguard_hooks_failed_total", "counter", "Entry points that could not be intercepted", float64(snap.HooksFailed))
	b = appendMetric(b, "loadguard_events_exported_total", "counter", "Module events exported", float64(snap.EventsExported))
	b = appendMetric(b, "loadguard_events_dropped_total", "counter", "Module events dropped", float64(snap.EventsDropped))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, f float64) []byte {
	// Use simple formatting; avoid importing strconv for this
	if f == float64(int64(f)) {
		return append(b, []byte(intToStr(int64(f)))...)
	}
	return append(b, []byte(floatToStr(f))...)
}

func intToStr(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func floatToStr(f float64) string {
	// Simple 6 decimal place formatting
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1000000)
	if frac < 0 {
		frac = -frac
	}

	s := intToStr(whole) + "."
	fracStr := intToStr(frac)
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	s += fracStr

	// Trim trailing zeros after decimal
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}

	if neg {
		s = "-" + s
	}
	return s
}
