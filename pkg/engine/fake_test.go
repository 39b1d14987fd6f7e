package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mbeema/loadguard/pkg/module"
)

var errFakeNotFound = errors.New("fake: module not found")

// fakeLoader is an in-memory module loader with reference counts. Paths are
// compared case-insensitively; a module is identified by its full path.
type fakeLoader struct {
	mu      sync.Mutex
	next    module.Handle
	byPath  map[string]module.Handle
	paths   map[module.Handle]string
	refs    map[module.Handle]int
	fail    map[string]bool // canonical names whose load fails
	loads   []string        // paths passed to the real loader
	lookups int             // real lookups by name
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		next:   0x10000,
		byPath: make(map[string]module.Handle),
		paths:  make(map[module.Handle]string),
		refs:   make(map[module.Handle]int),
		fail:   make(map[string]bool),
	}
}

func (f *fakeLoader) load(req LoadRequest) (module.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := req.Path
	if path == "" {
		path = `C:\Game\host.exe`
	}
	f.loads = append(f.loads, req.Path)
	if f.fail[module.CanonicalName(path)] {
		return 0, errFakeNotFound
	}
	if req.ResourceOnly() {
		// Data mappings are not modules; the handle carries the loader's tag.
		f.next += 0x10000
		return f.next | 2, nil
	}
	key := strings.ToLower(path)
	if h, ok := f.byPath[key]; ok {
		f.refs[h]++
		return h, nil
	}
	f.next += 0x10000
	h := f.next
	f.byPath[key] = h
	f.paths[h] = path
	f.refs[h] = 1
	return h, nil
}

// preload maps a module without going through the engine, as if it had been
// loaded before interception.
func (f *fakeLoader) preload(path string) module.Handle {
	h, _ := f.load(LoadRequest{Path: path})
	return h
}

func (f *fakeLoader) lookup(req LookupRequest) (module.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Flags&FlagFromAddress != 0 {
		h := module.Handle(req.Address)
		if f.refs[h] == 0 {
			return 0, errFakeNotFound
		}
		if req.Entry.IsEx() && req.Flags&FlagUnchangedRefcount == 0 {
			f.refs[h]++
		}
		return h, nil
	}

	f.lookups++
	want := module.CanonicalName(req.Name)
	for h, p := range f.paths {
		if module.CanonicalName(p) == want && f.refs[h] > 0 {
			if req.Entry.IsEx() && req.Flags&FlagUnchangedRefcount == 0 {
				f.refs[h]++
			}
			return h, nil
		}
	}
	return 0, errFakeNotFound
}

func (f *fakeLoader) free(h module.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[h] == 0 {
		return fmt.Errorf("fake: free of unmapped handle %s", h)
	}
	f.refs[h]--
	if f.refs[h] == 0 {
		delete(f.byPath, strings.ToLower(f.paths[h]))
		delete(f.paths, h)
		delete(f.refs, h)
	}
	return nil
}

func (f *fakeLoader) refCount(h module.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[h]
}

func (f *fakeLoader) loadCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loads...)
}

// Modules lists the mapped modules, which makes the loader its own
// enumerator.
func (f *fakeLoader) Modules() ([]module.Observed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]module.Observed, 0, len(f.paths))
	for h, p := range f.paths {
		out = append(out, module.Observed{Handle: h, Metadata: module.Metadata{Name: module.BaseName(p), Path: p, Base: uintptr(h)}})
	}
	return out, nil
}

// fakeBinding resolves every entry point to a synthetic address and routes
// originals to a fakeLoader.
type fakeBinding struct {
	loader     *fakeLoader
	unresolved map[EntryPoint]bool
}

func newFakeBinding(l *fakeLoader) *fakeBinding {
	return &fakeBinding{loader: l, unresolved: make(map[EntryPoint]bool)}
}

func targetOf(ep EntryPoint) uintptr { return 0x7FF0_0000 + uintptr(ep)*0x100 }

func (b *fakeBinding) Resolve(ep EntryPoint) (uintptr, error) {
	if b.unresolved[ep] {
		return 0, fmt.Errorf("%s!%s not exported", ep.Module(), ep)
	}
	return targetOf(ep), nil
}

func (b *fakeBinding) Replacement(ep EntryPoint, _ *Engine) (uintptr, error) {
	return 0x5000_0000 + uintptr(ep)*0x100, nil
}

func (b *fakeBinding) Attach(ep EntryPoint, original uintptr) (Real, error) {
	if original != targetOf(ep) {
		return Real{}, fmt.Errorf("unexpected original 0x%X for %s", original, ep)
	}
	switch ep.Kind() {
	case KindLookup:
		return Real{Lookup: b.loader.lookup}, nil
	case KindUnload:
		return Real{Free: b.loader.free}, nil
	default:
		return Real{Load: b.loader.load}, nil
	}
}

func (b *fakeBinding) Describe(h module.Handle) (module.Metadata, error) {
	b.loader.mu.Lock()
	defer b.loader.mu.Unlock()
	p, ok := b.loader.paths[h]
	if !ok {
		return module.Metadata{}, errFakeNotFound
	}
	return module.Metadata{Name: module.BaseName(p), Path: p, Base: uintptr(h), Size: 0x1000}, nil
}

func (b *fakeBinding) Loaded(h module.Handle) bool {
	return b.loader.refCount(h) > 0
}

// eventLog is an Observer that records event kinds.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) count(k EventKind) int {
	n := 0
	for _, got := range l.kinds() {
		if got == k {
			n++
		}
	}
	return n
}
