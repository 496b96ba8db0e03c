package surface

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/host/memdom"
)

const page = `<div id="anchor"><p id="first">first</p></div>`

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func sameJSON(t *testing.T, got []byte, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("decode %s: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("decode %s: %v", want, err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func setup(t *testing.T) (*Host, *memdom.Window) {
	t.Helper()
	h := memdom.New()
	w, err := h.Open(page)
	must(t, err)
	return NewHost(WithCallTimeout(time.Second)), w
}

func mount(t *testing.T, sh *Host, w *memdom.Window, opts MountOptions) *Surface {
	t.Helper()
	if opts.Anchor == nil && opts.Before == nil {
		opts.Anchor = w.Doc().Find("#anchor")
	}
	if opts.URL == "" {
		opts.URL = "https://x.test/surface"
	}
	if opts.Location == "" {
		opts.Location = "panel"
	}
	s, err := sh.Mount(context.Background(), w, opts)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return s
}

// peer returns the surface side of s as a bridge.
func peer(t *testing.T, w *memdom.Window, s *Surface, opts ...bridge.Option) *bridge.Bridge {
	t.Helper()
	p := w.Peer(s.Key())
	if p == nil {
		t.Fatalf("Peer(%s) = nil", s.Key())
	}
	b := bridge.New(p, opts...)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("panel", "", "https://x.test/a")
	if b := Key("panel", "", "https://x.test/a"); a != b {
		t.Errorf("Key() = %q then %q for the same triple", a, b)
	}
	for _, other := range []string{
		Key("panel", "ctx", "https://x.test/a"),
		Key("sidebar", "", "https://x.test/a"),
	} {
		if other == a {
			t.Errorf("distinct triples share key %q", a)
		}
	}
	if Key("ab", "c", "u") == Key("a", "bc", "u") {
		t.Error("field boundaries should be part of the key")
	}
	if !regexp.MustCompile(`^framebridge-[0-9a-f-]{36}$`).MatchString(a) {
		t.Errorf("Key() = %q, want framebridge-<uuid>", a)
	}
}

func TestMountCreatesFrameUnderAnchor(t *testing.T) {
	sh, w := setup(t)
	s := mount(t, sh, w, MountOptions{Attrs: map[string]string{"title": "Panel"}})

	el := s.Element()
	if el.Tag() != "iframe" {
		t.Errorf("Tag() = %q, want iframe", el.Tag())
	}
	if el.ID() != s.Key() {
		t.Errorf("ID() = %q, want %q", el.ID(), s.Key())
	}
	if el.Parent() != host.Element(w.Doc().Find("#anchor")) {
		t.Error("frame should be a child of #anchor")
	}
	for name, want := range map[string]string{
		host.SurfaceAttr:  s.Key(),
		host.LocationAttr: "panel",
		"sandbox":         Sandbox,
		"src":             "https://x.test/surface",
		"title":           "Panel",
	} {
		if got, ok := el.Attr(name); !ok || got != want {
			t.Errorf("Attr(%s) = %q, %v, want %q", name, got, ok, want)
		}
	}
	if b := el.Style("border"); b != "0" {
		t.Errorf("border = %q, want 0", b)
	}

	frames, err := w.Doc().QuerySelectorAll("#anchor > iframe")
	must(t, err)
	if len(frames) != 1 {
		t.Errorf("anchor holds %d frames, want 1", len(frames))
	}
	if n := len(sh.Surfaces()); n != 1 {
		t.Errorf("Surfaces() has %d entries, want 1", n)
	}
	if got := sh.Lookup(w, "panel", "", "https://x.test/surface"); got != s {
		t.Errorf("Lookup() = %v, want the mounted surface", got)
	}
}

func TestMountBeforeSibling(t *testing.T) {
	sh, w := setup(t)
	s := mount(t, sh, w, MountOptions{Before: w.Doc().Find("#first")})

	if s.Element().Parent() != host.Element(w.Doc().Find("#anchor")) {
		t.Error("frame should share the sibling's parent")
	}
	children, err := w.Doc().QuerySelectorAll("#anchor > *")
	must(t, err)
	if len(children) != 2 {
		t.Fatalf("anchor has %d children, want 2", len(children))
	}
	if children[0].ID() != s.Key() || children[1].ID() != "first" {
		t.Errorf("children = [%s %s], want the frame before #first", children[0].ID(), children[1].ID())
	}
}

func TestMountRequiresAnchorAndURL(t *testing.T) {
	sh, w := setup(t)
	if _, err := sh.Mount(context.Background(), w, MountOptions{URL: "https://x.test/"}); err == nil {
		t.Error("Mount() without an anchor should fail")
	}
	if _, err := sh.Mount(context.Background(), w, MountOptions{Anchor: w.Doc().Find("#anchor")}); err == nil {
		t.Error("Mount() without a URL should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sh.Mount(ctx, w, MountOptions{Anchor: w.Doc().Find("#anchor"), URL: "https://x.test/"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Mount() error = %v, want context.Canceled", err)
	}
	if n := len(sh.Surfaces()); n != 0 {
		t.Errorf("Surfaces() has %d entries, want 0", n)
	}
}

func TestRemountReplacesLiveSurface(t *testing.T) {
	sh, w := setup(t)
	first := mount(t, sh, w, MountOptions{Context: map[string]any{"v": 1}})
	second := mount(t, sh, w, MountOptions{Context: map[string]any{"v": 2}})

	if !first.Destroyed() || second.Destroyed() {
		t.Errorf("Destroyed() = %v, %v, want true, false", first.Destroyed(), second.Destroyed())
	}
	if first.Key() != second.Key() {
		t.Errorf("keys differ: %q and %q", first.Key(), second.Key())
	}
	frames, err := w.Doc().QuerySelectorAll("iframe")
	must(t, err)
	if len(frames) != 1 || frames[0] != second.Element() {
		t.Fatalf("frames = %v, want only the new surface's frame", frames)
	}
	if v := second.Context()["v"]; v != 2 {
		t.Errorf("context v = %v, want 2", v)
	}

	if _, err := first.Bridge().Call(context.Background(), "x", nil, time.Second); !errors.Is(err, bridge.ErrClosed) {
		t.Errorf("Call() on replaced surface error = %v, want ErrClosed", err)
	}
}

func TestUnmountReturnsParent(t *testing.T) {
	sh, w := setup(t)
	s := mount(t, sh, w, MountOptions{ContextID: "c1"})

	parent, err := sh.Unmount(w, "panel", "c1", "https://x.test/surface")
	must(t, err)
	if parent != host.Element(w.Doc().Find("#anchor")) {
		t.Errorf("Unmount() parent = %v, want #anchor", parent)
	}
	if s.Element().Parent() != nil {
		t.Error("frame should be detached")
	}
	if n := len(sh.Surfaces()); n != 0 {
		t.Errorf("Surfaces() has %d entries, want 0", n)
	}

	if _, err := sh.Unmount(w, "panel", "c1", "https://x.test/surface"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unmount() error = %v, want ErrNotFound", err)
	}
	s.Destroy()
}

func TestContextPush(t *testing.T) {
	sh, w := setup(t)
	s := mount(t, sh, w, MountOptions{Context: map[string]any{"theme": "dark"}})
	pushes := make(chan json.RawMessage, 4)
	surfaceSide := peer(t, w, s, bridge.WithHandler(bridge.TypeContext, func(_ context.Context, d json.RawMessage) (any, error) {
		pushes <- d
		return nil, nil
	}))

	// The first push is the initial context.
	sameJSON(t, <-pushes, `{"theme":"dark"}`)

	s.SetContextProperty("selection", "msg-1")
	sameJSON(t, <-pushes, `{"selection":"msg-1"}`)
	if got, want := s.Context(), (map[string]any{"theme": "dark", "selection": "msg-1"}); !reflect.DeepEqual(got, want) {
		t.Errorf("Context() = %v, want %v", got, want)
	}

	raw, err := surfaceSide.Call(context.Background(), bridge.TypeGetContext, nil, time.Second)
	must(t, err)
	sameJSON(t, raw, `{"theme":"dark","selection":"msg-1"}`)

	// ready is answered with the full context.
	surfaceSide.Notify(bridge.TypeReady, nil)
	sameJSON(t, <-pushes, `{"theme":"dark","selection":"msg-1"}`)
}

func TestLocalOptionsPush(t *testing.T) {
	sh, w := setup(t)
	s := mount(t, sh, w, MountOptions{LocalOptions: LocalOptions{"hidden": false, "height": 80}})
	surfaceSide := peer(t, w, s)

	var mu sync.Mutex
	var seen []LocalOptions
	s.OnLocalOptions(func(o LocalOptions) {
		mu.Lock()
		seen = append(seen, o)
		mu.Unlock()
	})
	mu.Lock()
	if want := []LocalOptions{{"hidden": false, "height": 80}}; !reflect.DeepEqual(seen, want) {
		t.Errorf("registration delivered %v, want %v", seen, want)
	}
	mu.Unlock()

	raw, err := surfaceSide.Call(context.Background(), bridge.TypeSetLocalOptions, map[string]any{"hidden": true, "height": nil}, time.Second)
	must(t, err)
	sameJSON(t, raw, `{"hidden":true}`)
	if got := s.LocalOptions(); !reflect.DeepEqual(got, LocalOptions{"hidden": true}) {
		t.Errorf("LocalOptions() = %v, want hidden only", got)
	}

	mu.Lock()
	if len(seen) != 2 || !reflect.DeepEqual(seen[1], LocalOptions{"hidden": true}) {
		t.Errorf("handler saw %v, want a second push with hidden only", seen)
	}
	mu.Unlock()

	var late []LocalOptions
	s.OnLocalOptions(func(o LocalOptions) { late = append(late, o) })
	if want := []LocalOptions{{"hidden": true}}; !reflect.DeepEqual(late, want) {
		t.Errorf("late subscriber saw %v, want %v", late, want)
	}

	raw, err = surfaceSide.Call(context.Background(), bridge.TypeGetLocalOptions, nil, time.Second)
	must(t, err)
	sameJSON(t, raw, `{"hidden":true}`)
}

func TestDestroyStopsDelivery(t *testing.T) {
	sh, w := setup(t)
	s := mount(t, sh, w, MountOptions{})
	surfaceSide := peer(t, w, s)

	calls := 0
	sub := s.OnLocalOptions(func(LocalOptions) { calls++ })
	var hooks []string
	s.OnDestroy(func() {
		if s.Element().Parent() == nil {
			t.Error("hooks should run while the frame is attached")
		}
		hooks = append(hooks, "first")
	})
	s.OnDestroy(func() { hooks = append(hooks, "second") })
	s.Destroy()
	s.Destroy()
	sub.Unsubscribe()
	s.OnDestroy(func() { hooks = append(hooks, "late") })

	if calls != 1 {
		t.Errorf("options handler ran %d times, want 1", calls)
	}
	if want := []string{"second", "first", "late"}; !reflect.DeepEqual(hooks, want) {
		t.Errorf("hooks ran %v, want %v", hooks, want)
	}
	if s.Element().Parent() != nil {
		t.Error("frame should be detached")
	}
	if n := len(sh.Surfaces()); n != 0 {
		t.Errorf("Surfaces() has %d entries, want 0", n)
	}

	if _, err := surfaceSide.Call(context.Background(), bridge.TypeGetContext, nil, 50*time.Millisecond); !errors.Is(err, bridge.ErrNoAnswer) {
		t.Errorf("Call() to destroyed surface error = %v, want ErrNoAnswer", err)
	}
	s.SetContextProperty("ignored", true)
	if ctx := s.Context(); len(ctx) != 0 {
		t.Errorf("Context() = %v after destroy, want empty", ctx)
	}
}

func TestLocalOptionsAccessors(t *testing.T) {
	o := LocalOptions{"hidden": true, "width": 320.0, "height": 80, "mode": "sidebar", "n": json.Number("12.5")}

	if hidden, ok := o.Bool("hidden"); !ok || !hidden {
		t.Errorf("Bool(hidden) = %v, %v, want true, true", hidden, ok)
	}
	if _, ok := o.Bool("mode"); ok {
		t.Error("Bool(mode) should not accept a string")
	}

	numbers := []struct {
		key  string
		want float64
	}{
		{"width", 320},
		{"height", 80},
		{"n", 12.5},
	}
	for _, tt := range numbers {
		if got, ok := o.Number(tt.key); !ok || got != tt.want {
			t.Errorf("Number(%s) = %v, %v, want %v", tt.key, got, ok, tt.want)
		}
	}
	if _, ok := o.Number("mode"); ok {
		t.Error("Number(mode) should not accept a string")
	}

	if mode, ok := o.String("mode"); !ok || mode != "sidebar" {
		t.Errorf("String(mode) = %q, %v, want sidebar", mode, ok)
	}

	merged := o.Merge(map[string]any{"mode": nil, "hidden": false})
	if _, ok := merged["mode"]; ok {
		t.Error("a nil patch value should delete the key")
	}
	if o["mode"] != "sidebar" {
		t.Error("Merge should not modify the receiver")
	}
}
