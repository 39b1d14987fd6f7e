// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbeema/loadguard/pkg/blocklist"
	"github.com/mbeema/loadguard/pkg/hook"
	"github.com/mbeema/loadguard/pkg/module"
	"github.com/mbeema/loadguard/pkg/redirect"
	"github.com/mbeema/loadguard/pkg/route"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	eng     *Engine
	loader  *fakeLoader
	binding *fakeBinding
	hooks   *hook.Manager
	events  *eventLog
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	l := newFakeLoader()
	b := newFakeBinding(l)
	ev := &eventLog{}
	if opts.Binding == nil {
		opts.Binding = b
	}
	if opts.Enumerator == nil {
		opts.Enumerator = l
	}
	if opts.Observer == nil {
		opts.Observer = ev
	}
	h := &harness{
		eng:     New(opts),
		loader:  l,
		binding: b,
		hooks:   hook.NewManager(zap.NewNop()),
		events:  ev,
	}
	if err := h.eng.Install(h.hooks); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return h
}

// countingRouter returns a router whose routes count their invocations.
func countingRouter(counts map[string]*atomic.Int64, patterns ...string) *route.Router {
	r := route.NewRouter(zap.NewNop())
	for _, p := range patterns {
		c := &atomic.Int64{}
		counts[p] = c
		r.Add(route.Route{Pattern: p, Installer: route.InstallerFunc(func(module.Handle) bool {
			c.Add(1)
			return true
		})})
	}
	return r
}

func writeOverride(t *testing.T, dir, name string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("MZ"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInstallAllEntryPoints(t *testing.T) {
	h := newHarness(t, Options{})

	if got := h.eng.Installed(); !reflect.DeepEqual(got, EntryPoints) {
		t.Errorf("Installed = %v, want %v", got, EntryPoints)
	}
	for _, ep := range EntryPoints {
		if !h.hooks.IsEnabled(targetOf(ep)) {
			t.Errorf("%s hook not enabled", ep)
		}
	}
	if got := h.eng.Stats().HooksInstalled.Load(); got != int64(len(EntryPoints)) {
		t.Errorf("HooksInstalled = %d", got)
	}

	// A second Install is a no-op.
	if err := h.eng.Install(h.hooks); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if got := h.eng.Stats().HooksInstalled.Load(); got != int64(len(EntryPoints)) {
		t.Errorf("HooksInstalled after reinstall = %d", got)
	}
}

func TestInstallPartialCoverage(t *testing.T) {
	l := newFakeLoader()
	b := newFakeBinding(l)
	b.unresolved[LdrLoadDll] = true
	b.unresolved[LoadPackagedLibrary] = true

	core, logs := observer.New(zapcore.DebugLevel)
	eng := New(Options{Logger: zap.New(core), Binding: b})

	err := eng.Install(hook.NewManager(nil))
	if err == nil {
		t.Fatal("expected an aggregate error for the missing required entry point")
	}
	errs := multierr.Errors(err)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "LdrLoadDll") {
		t.Errorf("errors = %v, want only LdrLoadDll", errs)
	}
	if n := logs.FilterMessage("entry point not intercepted").FilterLevelExact(zapcore.WarnLevel).Len(); n != 1 {
		t.Errorf("warnings = %d, want 1", n)
	}
	if n := logs.FilterMessage("optional entry point unavailable").Len(); n != 1 {
		t.Errorf("optional debug logs = %d, want 1", n)
	}
	if got := len(eng.Installed()); got != len(EntryPoints)-2 {
		t.Errorf("installed %d entry points, want %d", got, len(EntryPoints)-2)
	}
	if got := eng.Stats().HooksFailed.Load(); got != 1 {
		t.Errorf("HooksFailed = %d, want 1", got)
	}

	// The remaining entry points keep working.
	if _, err := eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "user32.dll"}); err != nil {
		t.Errorf("LoadLibraryW: %v", err)
	}
	if _, err := eng.LoadLibrary(LoadRequest{Entry: LdrLoadDll, Path: "user32.dll"}); !errors.Is(err, ErrNotIntercepted) {
		t.Errorf("LdrLoadDll err = %v, want ErrNotIntercepted", err)
	}
}

func TestInstallWithoutBinding(t *testing.T) {
	eng := New(Options{})
	if err := eng.Install(hook.NewManager(nil)); err == nil {
		t.Fatal("Install without binding should fail")
	}
}

func TestUninstall(t *testing.T) {
	h := newHarness(t, Options{})

	if err := h.eng.Uninstall(); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if n := len(h.hooks.Targets()); n != 0 {
		t.Errorf("%d hooks left after Uninstall", n)
	}
	if n := h.eng.Stats().HooksInstalled.Load(); n != 0 {
		t.Errorf("HooksInstalled = %d", n)
	}
	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryA, Path: "a.dll"}); !errors.Is(err, ErrNotIntercepted) {
		t.Errorf("err = %v, want ErrNotIntercepted", err)
	}
}

func TestDenyThenLoadScenario(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	counts := map[string]*atomic.Int64{}
	bl := blocklist.New()
	bl.LoadFromConfiguration("specialk64.dll")

	h := newHarness(t, Options{
		Logger:    zap.New(core),
		Blocklist: bl,
		Router:    countingRouter(counts, "dxgi.dll", "d3d11.dll"),
	})

	_, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: `C:\Games\Foo\SpecialK64.dll`})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *DeniedError", err)
	}
	if !errors.Is(err, ErrDenied) {
		t.Error("errors.Is(err, ErrDenied) = false")
	}
	if denied.Code != ErrorModNotFound {
		t.Errorf("Code = %d, want %d", denied.Code, ErrorModNotFound)
	}
	if h.eng.Registry().Len() != 0 {
		t.Error("denied load must not touch the registry")
	}
	if len(h.loader.loadCalls()) != 0 {
		t.Error("denied load must not reach the real loader")
	}
	if n := logs.FilterMessage("module load denied").FilterLevelExact(zapcore.InfoLevel).Len(); n != 1 {
		t.Errorf("info denial logs = %d, want 1", n)
	}

	dxgi, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "dxgi.dll"})
	if err != nil {
		t.Fatalf("dxgi load: %v", err)
	}
	mods := h.eng.GetLoadedModules()
	if len(mods) != 1 {
		t.Fatalf("registry has %d records, want 1", len(mods))
	}
	if mods[0].Handle != dxgi || mods[0].PreExisting || mods[0].Source != "LoadLibraryW" {
		t.Errorf("record = %+v", mods[0])
	}
	if got := counts["dxgi.dll"].Load(); got != 1 {
		t.Errorf("dxgi route fired %d times, want 1", got)
	}
	if got := counts["d3d11.dll"].Load(); got != 0 {
		t.Errorf("d3d11 route fired %d times, want 0", got)
	}
	if !reflect.DeepEqual(h.events.kinds(), []EventKind{EventDenied, EventLoaded}) {
		t.Errorf("events = %v", h.events.kinds())
	}
}

func TestDenyAppliesDefaultExtension(t *testing.T) {
	bl := blocklist.New()
	bl.LoadFromConfiguration("specialk64.dll,reshade")
	h := newHarness(t, Options{Blocklist: bl})

	for _, path := range []string{
		`C:\Games\Foo\SpecialK64`,
		`C:\Games\Foo\SpecialK64.dll.`,
		"SPECIALK64",
		`C:\Games\Foo\ReShade.`,
	} {
		_, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: path})
		if !errors.Is(err, ErrDenied) {
			t.Errorf("LoadLibraryW(%q) err = %v, want denied", path, err)
		}
	}
	if calls := h.loader.loadCalls(); len(calls) != 0 {
		t.Errorf("denied loads reached the real loader: %q", calls)
	}

	// A trailing dot means the file has no extension, so "SpecialK64." is a
	// different file from specialk64.dll.
	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "SpecialK64."}); err != nil {
		t.Errorf("extension-less file load: %v", err)
	}
}

func TestRedirectAppliesDefaultExtension(t *testing.T) {
	base := t.TempDir()
	override := writeOverride(t, filepath.Join(base, "ovr"), "dxgi.dll")
	h := newHarness(t, Options{
		Redirects: redirect.NewTable(base, []redirect.RuleConfig{{Name: "dxgi.dll", Enabled: true, Subfolder: "ovr"}}),
	})

	redirected, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryA, Path: `C:\Windows\System32\dxgi`})
	if err != nil {
		t.Fatal(err)
	}
	if calls := h.loader.loadCalls(); !reflect.DeepEqual(calls, []string{override}) {
		t.Errorf("real loader calls = %q, want %q", calls, override)
	}
	for _, name := range []string{"dxgi", "DXGI", "dxgi.dll."} {
		got, err := h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleW, Name: name})
		if err != nil || got != redirected {
			t.Errorf("GetModuleHandleW(%q) = %s, %v; want %s", name, got, err, redirected)
		}
	}
	if h.loader.lookups != 0 {
		t.Errorf("redirected lookups reached the real loader: %d", h.loader.lookups)
	}
}

func TestResourceLoadsNotTracked(t *testing.T) {
	base := t.TempDir()
	writeOverride(t, filepath.Join(base, "ovr"), "dxgi.dll")
	counts := map[string]*atomic.Int64{}
	h := newHarness(t, Options{
		Router:    countingRouter(counts, "dxgi.dll"),
		Redirects: redirect.NewTable(base, []redirect.RuleConfig{{Name: "dxgi.dll", Enabled: true, Subfolder: "ovr"}}),
	})

	for _, flags := range []uint32{LoadAsDatafile, LoadAsImageResource, LoadAsDatafileExclusive | LoadAsImageResource} {
		got, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryExW, Path: `C:\Windows\System32\dxgi.dll`, Flags: flags})
		if err != nil {
			t.Fatalf("flags 0x%X: %v", flags, err)
		}
		if uintptr(got)&3 == 0 {
			t.Errorf("flags 0x%X: handle %s is not a resource mapping", flags, got)
		}
	}
	if calls := h.loader.loadCalls(); calls[0] != `C:\Windows\System32\dxgi.dll` {
		t.Errorf("resource load was redirected: %q", calls)
	}
	if n := h.eng.Registry().Len(); n != 0 {
		t.Errorf("registry has %d records, want 0", n)
	}
	if m := h.eng.RedirectedHandles(); len(m) != 0 {
		t.Errorf("redirect map = %v, want empty", m)
	}
	if got := counts["dxgi.dll"].Load(); got != 0 {
		t.Errorf("dxgi route fired %d times for resource loads", got)
	}
	if h.events.count(EventLoaded) != 0 {
		t.Error("resource load emitted a loaded event")
	}

	// The loader still refuses to hand out a blocked module as data.
	h.eng.Blocklist().SetBlocked("dxgi.dll", true)
	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryExA, Path: "dxgi.dll", Flags: LoadAsDatafile}); !errors.Is(err, ErrDenied) {
		t.Errorf("blocked resource load err = %v", err)
	}
}

func TestDeniedCodePerEntryPoint(t *testing.T) {
	bl := blocklist.New()
	bl.SetBlocked("evil.dll", true)
	h := newHarness(t, Options{Blocklist: bl})

	tests := []struct {
		entry EntryPoint
		code  uint32
	}{
		{LoadLibraryA, ErrorModNotFound},
		{LoadLibraryExW, ErrorModNotFound},
		{LoadPackagedLibrary, ErrorModNotFound},
		{LdrLoadDll, StatusDllNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.entry.String(), func(t *testing.T) {
			_, err := h.eng.LoadLibrary(LoadRequest{Entry: tt.entry, Path: `D:\Other\EVIL.dll`})
			var denied *DeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("err = %v", err)
			}
			if denied.Code != tt.code {
				t.Errorf("Code = 0x%X, want 0x%X", denied.Code, tt.code)
			}
		})
	}
}

func TestRegistrationIdempotentAcrossEntryPoints(t *testing.T) {
	counts := map[string]*atomic.Int64{}
	h := newHarness(t, Options{Router: countingRouter(counts, "d3d11.dll")})

	a, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "d3d11.dll"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.eng.LoadLibrary(LoadRequest{Entry: LdrLoadDll, Path: "d3d11.dll"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("handles differ: %s vs %s", a, b)
	}
	if got := counts["d3d11.dll"].Load(); got != 1 {
		t.Errorf("dispatch fired %d times, want 1", got)
	}
	if h.eng.Registry().Len() != 1 {
		t.Errorf("registry len = %d", h.eng.Registry().Len())
	}
}

func TestConcurrentLoadsDispatchOnce(t *testing.T) {
	counts := map[string]*atomic.Int64{}
	h := newHarness(t, Options{Router: countingRouter(counts, "d3d11.dll")})

	entries := []EntryPoint{LoadLibraryA, LoadLibraryW, LoadLibraryExA, LoadLibraryExW, LdrLoadDll}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.eng.LoadLibrary(LoadRequest{Entry: entries[i%len(entries)], Path: "d3d11.dll"}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if got := counts["d3d11.dll"].Load(); got != 1 {
		t.Errorf("dispatch fired %d times, want 1", got)
	}
	if got := h.eng.Stats().LoadsIntercepted.Load(); got != 40 {
		t.Errorf("LoadsIntercepted = %d, want 40", got)
	}
}

func TestRedirectTransparency(t *testing.T) {
	base := t.TempDir()
	override := writeOverride(t, filepath.Join(base, "ovr"), "dxgi.dll")

	h := newHarness(t, Options{
		Redirects: redirect.NewTable(base, []redirect.RuleConfig{{Name: "dxgi.dll", Enabled: true, Subfolder: "ovr"}}),
	})
	orig := h.loader.preload(`C:\Windows\System32\dxgi.dll`)

	// Before any redirected load the lookup falls through.
	got, err := h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleW, Name: "dxgi.dll"})
	if err != nil || got != orig {
		t.Fatalf("lookup before load = %s, %v; want %s", got, err, orig)
	}
	if h.loader.lookups != 1 {
		t.Errorf("real lookups = %d, want 1", h.loader.lookups)
	}

	redirected, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryExW, Path: `C:\Windows\System32\dxgi.dll`})
	if err != nil {
		t.Fatal(err)
	}
	if redirected == orig {
		t.Fatal("load was not redirected")
	}
	calls := h.loader.loadCalls()
	if last := calls[len(calls)-1]; last != override {
		t.Errorf("real loader got %q, want %q", last, override)
	}

	for _, name := range []string{"dxgi.dll", "DXGI.DLL", `C:\Windows\System32\dxgi.dll`} {
		got, err := h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleA, Name: name})
		if err != nil || got != redirected {
			t.Errorf("GetModuleHandleA(%q) = %s, %v; want %s", name, got, err, redirected)
		}
	}
	if h.loader.lookups != 1 {
		t.Errorf("redirected lookups reached the real loader: %d", h.loader.lookups)
	}

	// The Ex variant takes a reference unless told not to.
	if _, err := h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleExW, Name: "dxgi.dll"}); err != nil {
		t.Fatal(err)
	}
	if rc := h.loader.refCount(redirected); rc != 2 {
		t.Errorf("refcount after GetModuleHandleExW = %d, want 2", rc)
	}
	if _, err := h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleExW, Name: "dxgi.dll", Flags: FlagUnchangedRefcount}); err != nil {
		t.Fatal(err)
	}
	if rc := h.loader.refCount(redirected); rc != 2 {
		t.Errorf("refcount with UNCHANGED_REFCOUNT = %d, want 2", rc)
	}

	// Address lookups are never redirected.
	got, err = h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleExA, Flags: FlagFromAddress | FlagUnchangedRefcount, Address: uintptr(orig)})
	if err != nil || got != orig {
		t.Errorf("address lookup = %s, %v; want %s", got, err, orig)
	}

	if n := h.events.count(EventRedirected); n != 1 {
		t.Errorf("redirected events = %d", n)
	}
	rec, ok := h.eng.Registry().Lookup(redirected)
	if !ok || rec.Path != override {
		t.Errorf("registry record = %+v, %v", rec, ok)
	}
}

func TestRedirectMissingOverrideFallsBack(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, Options{
		Logger:    zap.New(core),
		Redirects: redirect.NewTable(t.TempDir(), []redirect.RuleConfig{{Name: "target.dll", Enabled: true, Subfolder: "absent"}}),
	})

	got, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryA, Path: "target.dll"})
	if err != nil {
		t.Fatalf("load should fall back, got %v", err)
	}
	if calls := h.loader.loadCalls(); !reflect.DeepEqual(calls, []string{"target.dll"}) {
		t.Errorf("real loader calls = %v", calls)
	}
	if m := h.eng.RedirectedHandles(); len(m) != 0 {
		t.Errorf("redirect map = %v, want empty", m)
	}
	if !h.eng.IsModuleLoaded("TARGET.dll") {
		t.Error("fallback load should be registered")
	}
	if h.eng.Stats().RedirectMisses.Load() != 1 {
		t.Error("miss not counted")
	}
	if logs.FilterMessage("override file missing, loading original").Len() != 1 {
		t.Error("miss not logged")
	}
	if got == 0 {
		t.Error("zero handle")
	}
}

func TestUnloadRetiresRedirect(t *testing.T) {
	base := t.TempDir()
	writeOverride(t, filepath.Join(base, "ovr"), "target.dll")
	h := newHarness(t, Options{
		Redirects: redirect.NewTable(base, []redirect.RuleConfig{{Name: "target.dll", Enabled: true, Subfolder: "ovr"}}),
	})

	first, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "target.dll"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryA, Path: "target.dll"})
	if err != nil || second != first {
		t.Fatalf("second load = %s, %v", second, err)
	}

	if err := h.eng.FreeLibrary(first); err != nil {
		t.Fatal(err)
	}
	if got, err := h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleW, Name: "target.dll"}); err != nil || got != first {
		t.Errorf("lookup with one reference left = %s, %v", got, err)
	}

	if err := h.eng.FreeLibrary(first); err != nil {
		t.Fatal(err)
	}
	if m := h.eng.RedirectedHandles(); len(m) != 0 {
		t.Errorf("redirect map after final release = %v", m)
	}
	if _, err := h.eng.GetModuleHandle(LookupRequest{Entry: GetModuleHandleW, Name: "target.dll"}); !errors.Is(err, errFakeNotFound) {
		t.Errorf("lookup after unload err = %v, want the real loader's not-found", err)
	}
	if h.eng.Stats().RedirectsReleased.Load() != 1 {
		t.Error("release not counted")
	}
	if h.events.count(EventReleased) != 1 {
		t.Error("release event missing")
	}
}

func TestFreeLibraryErrorPropagates(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.eng.FreeLibrary(0xDEAD0000); err == nil {
		t.Error("freeing an unmapped handle should return the real error")
	}
}

func TestLoadFailurePropagatesUnchanged(t *testing.T) {
	counts := map[string]*atomic.Int64{}
	h := newHarness(t, Options{Router: countingRouter(counts, "broken")})
	h.loader.fail["broken.dll"] = true

	_, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryExA, Path: `C:\x\broken.dll`})
	if err != errFakeNotFound {
		t.Fatalf("err = %v, want the real loader's error unchanged", err)
	}
	if h.eng.Registry().Len() != 0 || counts["broken"].Load() != 0 {
		t.Error("failed load must not register or dispatch")
	}
	if h.eng.Stats().LoadsFailed.Load() != 1 {
		t.Error("failure not counted")
	}
}

func TestEmptySpecifierDelegates(t *testing.T) {
	bl := blocklist.New()
	bl.SetBlocked("host.exe", true)
	h := newHarness(t, Options{Blocklist: bl})

	got, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW})
	if err != nil {
		t.Fatalf("empty specifier: %v", err)
	}
	if calls := h.loader.loadCalls(); len(calls) != 1 || calls[0] != "" {
		t.Errorf("real loader calls = %q, want one unchanged call", calls)
	}
	rec, ok := h.eng.Registry().Lookup(got)
	if !ok || rec.Name != "host.exe" {
		t.Errorf("record = %+v, %v", rec, ok)
	}
}

func TestInstallerPanicDoesNotReachCaller(t *testing.T) {
	r := route.NewRouter(zap.NewNop(),
		route.Route{Name: "boom", Pattern: "nvapi", Installer: route.InstallerFunc(func(module.Handle) bool { panic("payload crashed") })},
		route.Route{Name: "ok", Pattern: "nvapi64", Installer: route.InstallerFunc(func(module.Handle) bool { return true })},
	)
	h := newHarness(t, Options{Router: r})

	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryA, Path: "nvapi64.dll"}); err != nil {
		t.Fatal(err)
	}
	st := h.eng.Stats()
	if st.Dispatches.Load() != 2 || st.InstallerFailures.Load() != 1 {
		t.Errorf("dispatches=%d failures=%d, want 2 and 1", st.Dispatches.Load(), st.InstallerFailures.Load())
	}
}

type panicObserver struct{}

func (panicObserver) OnEvent(Event) { panic("sink broke") }

func TestObserverPanicRecovered(t *testing.T) {
	h := newHarness(t, Options{Observer: panicObserver{}})
	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryA, Path: "a.dll"}); err != nil {
		t.Fatal(err)
	}
	if !h.eng.IsModuleLoaded("a.dll") {
		t.Error("registration lost after observer panic")
	}
}

func TestEnumerationAndAudit(t *testing.T) {
	counts := map[string]*atomic.Int64{}
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, Options{
		Logger:     zap.New(core),
		Router:     countingRouter(counts, "d3d11.dll", "dxgi.dll", "xinput"),
		SelfModule: "loadguard.dll",
	})
	h.loader.preload(`C:\Windows\System32\kernel32.dll`)
	h.loader.preload(`C:\Game\d3d11.dll`)
	h.loader.preload(`C:\Game\loadguard.dll`)

	n, err := h.eng.EnumerateLoadedModules(false)
	if err != nil || n != 3 {
		t.Fatalf("cold enumeration = %d, %v; want 3", n, err)
	}
	for _, rec := range h.eng.GetLoadedModules() {
		if !rec.PreExisting || rec.Source != module.SourceEnumeration {
			t.Errorf("enumerated record = %+v", rec)
		}
	}
	if counts["d3d11.dll"].Load() != 1 {
		t.Error("enumerated module should be dispatched")
	}
	if h.eng.CanBlock("d3d11.dll") {
		t.Error("pre-existing module reported blockable")
	}
	if h.eng.CanBlock("LoadGuard.DLL") {
		t.Error("engine's own module reported blockable")
	}

	dxgi, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "dxgi.dll"})
	if err != nil {
		t.Fatal(err)
	}
	if !h.eng.CanBlock("dxgi.dll") || !h.eng.CanBlock("never-seen.dll") {
		t.Error("intercepted and unknown modules should be blockable")
	}

	if n, _ := h.eng.EnumerateLoadedModules(true); n != 0 {
		t.Errorf("late pass inserted %d known modules", n)
	}

	// Enters the process without passing an interceptor.
	h.loader.preload(`C:\Game\xinput1_3.dll`)

	missed, err := h.eng.ReportMissedModules()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(missed, []string{"xinput1_3.dll"}) {
		t.Errorf("missed = %v", missed)
	}
	if n := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); n != 1 {
		t.Errorf("error-level audit logs = %d, want 1", n)
	}
	if h.eng.IsModuleLoaded("xinput1_3.dll") {
		t.Error("audit must not register anything")
	}

	n, err = h.eng.EnumerateLoadedModules(true)
	if err != nil || n != 1 {
		t.Fatalf("late pass = %d, %v; want 1", n, err)
	}
	if counts["xinput"].Load() != 1 {
		t.Error("late-discovered module should be dispatched")
	}
	rec, _ := h.eng.Registry().Lookup(dxgi)
	if rec.PreExisting {
		t.Error("late pass must not touch existing records")
	}
	if missed, _ := h.eng.ReportMissedModules(); len(missed) != 0 {
		t.Errorf("missed after late pass = %v", missed)
	}
}

func TestColdEnumerationResetsTrackedGauge(t *testing.T) {
	h := newHarness(t, Options{})
	h.loader.preload(`C:\Game\a.dll`)
	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "b.dll"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.EnumerateLoadedModules(false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.EnumerateLoadedModules(false); err != nil {
		t.Fatal(err)
	}
	if got, want := h.eng.Stats().ModulesTracked.Load(), int64(h.eng.Registry().Len()); got != want || want != 2 {
		t.Errorf("ModulesTracked = %d, registry Len = %d, want both 2", got, want)
	}
}

func TestAuditInterestingOverride(t *testing.T) {
	h := newHarness(t, Options{Interesting: []string{" Steam_API "}})
	h.loader.preload(`C:\Game\steam_api64.dll`)
	h.loader.preload(`C:\Game\d3d11.dll`)

	missed, err := h.eng.ReportMissedModules()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(missed, []string{"steam_api64.dll"}) {
		t.Errorf("missed = %v", missed)
	}
}

func TestEnumerationWithoutEnumerator(t *testing.T) {
	eng := New(Options{})
	if _, err := eng.EnumerateLoadedModules(false); !errors.Is(err, ErrNoEnumerator) {
		t.Errorf("err = %v", err)
	}
	if _, err := eng.ReportMissedModules(); !errors.Is(err, ErrNoEnumerator) {
		t.Errorf("err = %v", err)
	}
}

func TestReload(t *testing.T) {
	base := t.TempDir()
	writeOverride(t, filepath.Join(base, "ovr"), "dxgi.dll")
	h := newHarness(t, Options{
		Redirects: redirect.NewTable(base, []redirect.RuleConfig{{Name: "dxgi.dll", Enabled: true, Subfolder: "ovr"}}),
	})
	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "dxgi.dll"}); err != nil {
		t.Fatal(err)
	}

	h.eng.Reload(Settings{Blocklist: "dxgi.dll, evil.dll", RedirectBase: base})

	if m := h.eng.RedirectedHandles(); len(m) != 0 {
		t.Errorf("redirect map after reload = %v", m)
	}
	if got := h.eng.GetBlockedNames(); !reflect.DeepEqual(got, []string{"dxgi.dll", "evil.dll"}) {
		t.Errorf("blocked = %v", got)
	}
	if _, err := h.eng.LoadLibrary(LoadRequest{Entry: LoadLibraryW, Path: "evil.dll"}); !errors.Is(err, ErrDenied) {
		t.Errorf("err = %v, want denial after reload", err)
	}
}

func TestEntryPointParseRoundTrip(t *testing.T) {
	for _, ep := range EntryPoints {
		got, err := ParseEntryPoint(strings.ToLower(ep.String()))
		if err != nil || got != ep {
			t.Errorf("ParseEntryPoint(%q) = %v, %v", ep, got, err)
		}
	}
	if _, err := ParseEntryPoint("CreateFileW"); err == nil {
		t.Error("unknown entry point accepted")
	}
}
