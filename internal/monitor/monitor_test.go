package monitor

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/host/memdom"
)

const shell = `<div id="main"><iframe id="content"></iframe></div>`

type recorder struct {
	ids []string
}

func (r *recorder) listen(_ context.Context, w host.Window) error {
	r.ids = append(r.ids, w.ID())
	return nil
}

func (r *recorder) want(t *testing.T, ids ...string) {
	t.Helper()
	if !slices.Equal(r.ids, ids) {
		t.Errorf("listener saw %v, want %v", r.ids, ids)
	}
}

func openWindow(t *testing.T, h *memdom.Host, opts ...memdom.WindowOption) *memdom.Window {
	t.Helper()
	w, err := h.Open(shell, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return w
}

func newWindow(t *testing.T, h *memdom.Host, markup string, opts ...memdom.WindowOption) *memdom.Window {
	t.Helper()
	w, err := h.NewWindow(markup, opts...)
	if err != nil {
		t.Fatalf("NewWindow() error = %v", err)
	}
	return w
}

func createFrame(t *testing.T, doc *memdom.Document, tag string) *memdom.Element {
	t.Helper()
	el, err := doc.CreateElement(tag)
	if err != nil {
		t.Fatalf("CreateElement(%s) error = %v", tag, err)
	}
	return el.(*memdom.Element)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func started(t *testing.T, h *memdom.Host) *Monitor {
	t.Helper()
	m := New(h)
	must(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestRetroactiveSubscriptionOrder(t *testing.T) {
	h := memdom.New()
	w1 := openWindow(t, h)
	w2 := openWindow(t, h)
	w3 := openWindow(t, h)

	m := started(t, h)
	rec := &recorder{}
	m.Subscribe(rec.listen)
	rec.want(t, w1.ID(), w2.ID(), w3.ID())

	w4 := openWindow(t, h)
	rec.want(t, w1.ID(), w2.ID(), w3.ID(), w4.ID())
}

func TestIdempotentDiscovery(t *testing.T) {
	h := memdom.New()
	m := started(t, h)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	parent := openWindow(t, h)
	// child is seen once as an opened window and again through the
	// parent's frame.
	child := openWindow(t, h)
	parent.AttachFrame(parent.Doc().Find("#content"), child)
	parent.AttachFrame(parent.Doc().Find("#content"), child)

	rec.want(t, parent.ID(), child.ID())
	if n := len(m.Windows()); n != 2 {
		t.Errorf("Windows() has %d entries, want 2", n)
	}
}

func TestMovedFrameIsNotReported(t *testing.T) {
	h := memdom.New()
	parent := openWindow(t, h)
	child := newWindow(t, h, `<p>child</p>`)
	parent.AttachFrame(parent.Doc().Find("#content"), child)
	m := started(t, h)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	row := createFrame(t, parent.Doc(), "div")
	must(t, parent.Doc().Find("#main").AppendChild(row))
	must(t, row.AppendChild(parent.Doc().Find("#content")))

	rec.want(t, child.ID(), parent.ID())
}

func TestLoadingWindowsWaitForLoad(t *testing.T) {
	h := memdom.New()
	m := started(t, h)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	w := openWindow(t, h, memdom.Loading())
	rec.want(t)
	if n := len(m.Windows()); n != 0 {
		t.Errorf("Windows() has %d entries before load, want 0", n)
	}

	w.FinishLoading()
	rec.want(t, w.ID())
}

func TestNestedFramesAreDiscovered(t *testing.T) {
	h := memdom.New()
	parent := openWindow(t, h)
	preexisting := newWindow(t, h, `<p>pre</p>`)
	parent.AttachFrame(parent.Doc().Find("#content"), preexisting)

	m := started(t, h)
	rec := &recorder{}
	m.Subscribe(rec.listen)
	// Frames are discovered before their parent is announced.
	rec.want(t, preexisting.ID(), parent.ID())

	late := newWindow(t, h, `<p>late</p>`, memdom.Loading())
	frame := createFrame(t, parent.Doc(), "frame")
	must(t, parent.Doc().Find("#main").AppendChild(frame))
	parent.AttachFrame(frame, late)
	rec.want(t, preexisting.ID(), parent.ID())

	late.FinishLoading()
	rec.want(t, preexisting.ID(), parent.ID(), late.ID())

	// Navigating a frame produces a new content window.
	next := newWindow(t, h, `<p>next</p>`)
	parent.AttachFrame(parent.Doc().Find("#content"), next)
	rec.want(t, preexisting.ID(), parent.ID(), late.ID(), next.ID())
}

func TestFramesAddedWithSubtreeAreDiscovered(t *testing.T) {
	h := memdom.New()
	parent := openWindow(t, h)
	m := started(t, h)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	doc := parent.Doc()
	wrapper := createFrame(t, doc, "div")
	frame := createFrame(t, doc, "iframe")
	must(t, wrapper.AppendChild(frame))
	inner := newWindow(t, h, `<p>inner</p>`)

	// The frame is not connected yet, so only the child-added path for
	// wrapper can find it.
	parent.AttachFrame(frame, inner)
	rec.want(t, parent.ID())

	must(t, doc.Find("#main").AppendChild(wrapper))
	rec.want(t, parent.ID(), inner.ID())
}

func TestSurfaceFramesAreIgnored(t *testing.T) {
	h := memdom.New()
	parent := openWindow(t, h)
	m := started(t, h)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	frame := createFrame(t, parent.Doc(), "iframe")
	must(t, frame.SetAttr(host.SurfaceAttr, ""))
	must(t, parent.Doc().Find("#main").AppendChild(frame))
	parent.AttachFrame(frame, newWindow(t, h, `<p>surface</p>`))

	rec.want(t, parent.ID())
}

func TestUnloadForgetsWindow(t *testing.T) {
	h := memdom.New()
	m := started(t, h)

	var unloaded []string
	m.SubscribeUnload(func(w host.Window) { unloaded = append(unloaded, w.ID()) })

	loaded := openWindow(t, h)
	loading := openWindow(t, h, memdom.Loading())
	if n := len(m.Windows()); n != 1 {
		t.Fatalf("Windows() has %d entries, want 1", n)
	}

	loading.Unload()
	loaded.Unload()
	if n := len(m.Windows()); n != 0 {
		t.Errorf("Windows() has %d entries after unload, want 0", n)
	}
	// Never-loaded windows are not reported.
	if !slices.Equal(unloaded, []string{loaded.ID()}) {
		t.Errorf("unloaded = %v, want [%s]", unloaded, loaded.ID())
	}

	rec := &recorder{}
	m.Subscribe(rec.listen)
	rec.want(t)
}

func TestListenerFailuresAreIsolated(t *testing.T) {
	h := memdom.New()
	m := started(t, h)

	m.Subscribe(func(context.Context, host.Window) error { panic("listener bug") })
	m.Subscribe(func(context.Context, host.Window) error { return errors.New("rejected") })
	rec := &recorder{}
	m.Subscribe(rec.listen)

	w1 := openWindow(t, h)
	w2 := openWindow(t, h)
	rec.want(t, w1.ID(), w2.ID())
}

func TestUnsubscribe(t *testing.T) {
	h := memdom.New()
	m := started(t, h)
	rec := &recorder{}
	sub := m.Subscribe(rec.listen)
	unloadSub := m.SubscribeUnload(func(host.Window) {})
	if n := m.Subscribers(); n != 2 {
		t.Errorf("Subscribers() = %d, want 2", n)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	unloadSub.Unsubscribe()
	if n := m.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after unsubscribe, want 0", n)
	}

	openWindow(t, h)
	rec.want(t)
}

func TestListenerMayReenter(t *testing.T) {
	h := memdom.New()
	m := started(t, h)
	var seen [][]host.Window
	var inner *recorder
	m.Subscribe(func(_ context.Context, w host.Window) error {
		seen = append(seen, m.Windows())
		if inner == nil {
			inner = &recorder{}
			m.Subscribe(inner.listen)
		}
		return nil
	})

	w := openWindow(t, h)
	if len(seen) != 1 || len(seen[0]) != 1 {
		t.Fatalf("listener saw windows %v, want one call with one window", seen)
	}
	inner.want(t, w.ID())
}

func TestStopRemovesEveryListener(t *testing.T) {
	h := memdom.New()
	parent := openWindow(t, h)
	parent.AttachFrame(parent.Doc().Find("#content"), newWindow(t, h, shell))
	openWindow(t, h, memdom.Loading())

	m := New(h)
	must(t, m.Start(context.Background()))
	if err := m.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start() error = %v, want ErrStarted", err)
	}
	m.Subscribe((&recorder{}).listen)
	if h.ListenerCount() == 0 {
		t.Fatal("started monitor registered no host listeners")
	}

	m.Stop()
	m.Stop()
	if n := h.ListenerCount(); n != 0 {
		t.Errorf("ListenerCount() = %d after Stop, want 0", n)
	}
	if len(m.Windows()) != 0 || m.Subscribers() != 0 {
		t.Errorf("Stop left %d windows and %d subscribers", len(m.Windows()), m.Subscribers())
	}

	// Unloading after Stop has nothing left to tear down.
	parent.Unload()
	openWindow(t, h)
	if n := h.ListenerCount(); n != 0 {
		t.Errorf("ListenerCount() = %d after a later open, want 0", n)
	}
}

func TestStopRacingUnload(t *testing.T) {
	h := memdom.New()
	w := openWindow(t, h)
	m := New(h)
	// Stop from inside the window's own unload handling.
	must(t, m.Start(context.Background()))
	m.SubscribeUnload(func(host.Window) { m.Stop() })

	w.Unload()
	if n := h.ListenerCount(); n != 0 {
		t.Errorf("ListenerCount() = %d, want 0", n)
	}
}
