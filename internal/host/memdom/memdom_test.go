package memdom

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/host"
)

const page = `<html><body>
<div id="main" class="pane wide">
  <section><p class="note">hi</p></section>
  <iframe id="content" src="a.html"></iframe>
</div>
<div id="side" data-role="tools"><span>x</span></div>
</body></html>`

func open(t *testing.T, h *Host, opts ...WindowOption) *Window {
	t.Helper()
	w, err := h.Open(page, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return w
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestSelectors(t *testing.T) {
	w := open(t, New())
	doc := w.Doc()

	cases := map[string][]string{
		"#main":                {"main"},
		"div#main.pane.wide":   {"main"},
		"div.pane.narrow":      nil,
		"[data-role]":          {"side"},
		"[data-role=tools]":    {"side"},
		"[data-role='other']":  nil,
		"div":                  {"main", "side"},
		"#side, #main":         {"main", "side"},
		"iframe,frame,browser": {"content"},
		"body > div > iframe":  {"content"},
		"body > iframe":        nil,
		"#main p.note":         {""},
		"*[id=content]":        {"content"},
	}
	for sel, want := range cases {
		got, err := doc.QuerySelectorAll(sel)
		if err != nil {
			t.Errorf("QuerySelectorAll(%q) error = %v", sel, err)
			continue
		}
		ids := make([]string, 0, len(got))
		for _, el := range got {
			ids = append(ids, el.ID())
		}
		if len(want) == 0 && len(ids) == 0 {
			continue
		}
		if !slices.Equal(ids, want) {
			t.Errorf("QuerySelectorAll(%q) = %v, want %v", sel, ids, want)
		}
	}

	for _, bad := range []string{"", "> div", "div >", "#", "[x", "a:frobnicate"} {
		if _, err := doc.QuerySelectorAll(bad); err == nil {
			t.Errorf("QuerySelectorAll(%q) should fail", bad)
		}
	}
}

func TestElementIdentityAndTree(t *testing.T) {
	w := open(t, New())
	doc := w.Doc()

	a := doc.Find("#main")
	if a == nil {
		t.Fatal("#main not found")
	}
	if b := doc.Find("div.pane"); b != a {
		t.Error("one node should have one Element")
	}

	frame := doc.Find("iframe")
	if frame.Parent() != host.Element(a) {
		t.Error("iframe parent should be #main")
	}
	if !frame.Matches("iframe") {
		t.Error("iframe should match iframe")
	}
	if frame.ContentWindow() != nil {
		t.Error("unattached frame should have no content window")
	}

	inner, err := a.QuerySelectorAll("p")
	if err != nil || len(inner) != 1 {
		t.Errorf("QuerySelectorAll(p) = %v, %v, want one element", inner, err)
	}
}

func TestNextSiblingSkipsText(t *testing.T) {
	w := open(t, New())
	doc := w.Doc()

	if got := doc.Find("#main").NextSibling(); got != host.Element(doc.Find("#side")) {
		t.Errorf("#main next sibling = %v, want #side", got)
	}
	if got := doc.Find("section").NextSibling(); got != host.Element(doc.Find("#content")) {
		t.Errorf("section next sibling = %v, want #content", got)
	}
	if got := doc.Find("#content").NextSibling(); got != nil {
		t.Errorf("last child next sibling = %v, want nil", got)
	}
}

func TestMutationsAreReported(t *testing.T) {
	w := open(t, New())
	doc := w.Doc()

	var got []host.Mutation
	cancel, err := doc.Observe(func(m host.Mutation) { got = append(got, m) })
	must(t, err)

	el, err := doc.CreateElement("iframe")
	must(t, err)
	must(t, el.SetAttr("src", "detached.html"))
	if len(got) != 0 {
		t.Errorf("detached element reported %v", got)
	}

	main := doc.Find("#main")
	must(t, main.InsertBefore(el, doc.Find("#content")))
	must(t, el.SetAttr("src", "b.html"))
	must(t, el.Remove())
	must(t, el.Remove())

	if len(got) != 3 {
		t.Fatalf("observer saw %d mutations, want 3", len(got))
	}
	kinds := []host.MutationKind{host.ChildAdded, host.AttributeChanged, host.ChildRemoved}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Errorf("mutation %d kind = %v, want %v", i, got[i].Kind, k)
		}
	}
	if got[1].Attr != "src" {
		t.Errorf("attribute mutation Attr = %q, want src", got[1].Attr)
	}
	if got[2].Target != el {
		t.Error("removal should target the removed element")
	}

	cancel()
	if n := doc.Observers(); n != 0 {
		t.Errorf("Observers() = %d after cancel, want 0", n)
	}
	must(t, main.AppendChild(el))
	if len(got) != 3 {
		t.Errorf("cancelled observer saw %d mutations", len(got)-3)
	}
}

func TestMovingAnElementReportsRemoveThenAdd(t *testing.T) {
	w := open(t, New())
	doc := w.Doc()
	var got []host.MutationKind
	cancel, err := doc.Observe(func(m host.Mutation) { got = append(got, m.Kind) })
	must(t, err)
	defer cancel()

	must(t, doc.Find("#side").AppendChild(doc.Find("#content")))
	if want := []host.MutationKind{host.ChildRemoved, host.ChildAdded}; !slices.Equal(got, want) {
		t.Errorf("move reported %v, want %v", got, want)
	}
	if doc.Find("#side > #content") == nil {
		t.Error("frame did not move")
	}
}

func TestInsertBeforeValidatesReference(t *testing.T) {
	w := open(t, New())
	doc := w.Doc()
	el, err := doc.CreateElement("div")
	must(t, err)

	if err := doc.Find("#side").InsertBefore(el, doc.Find("#content")); err == nil {
		t.Error("InsertBefore with a foreign reference should fail")
	}
	if err := el.AppendChild(el); err == nil {
		t.Error("appending an element to itself should fail")
	}

	other := open(t, New())
	if err := other.Doc().Find("#main").AppendChild(el); err == nil {
		t.Error("appending across documents should fail")
	}
}

func TestStyle(t *testing.T) {
	w := open(t, New())
	el := w.Doc().Find("#side")

	must(t, el.SetStyle("display", "flex"))
	must(t, el.SetStyle("Width", "320px"))
	if got := el.Style("display"); got != "flex" {
		t.Errorf("display = %q, want flex", got)
	}
	if got := el.Style("width"); got != "320px" {
		t.Errorf("width = %q, want 320px", got)
	}
	if v, _ := el.Attr("style"); v != "display: flex; width: 320px;" {
		t.Errorf("style attribute = %q", v)
	}

	must(t, el.SetStyle("display", ""))
	must(t, el.SetStyle("width", ""))
	if _, ok := el.Attr("style"); ok {
		t.Error("empty style attribute should be removed")
	}
}

func TestLoadAndUnload(t *testing.T) {
	h := New()
	var opened []string
	cancelOpened := h.OnWindowOpened(func(w host.Window) { opened = append(opened, w.ID()) })

	w := open(t, h, Loading(), WithURL("https://app.test/"))
	if !slices.Equal(opened, []string{w.ID()}) {
		t.Errorf("opened = %v, want [%s]", opened, w.ID())
	}
	if s := w.Doc().ReadyState(); s != host.StateLoading {
		t.Errorf("ReadyState() = %q, want %q", s, host.StateLoading)
	}
	if u := w.Doc().URL(); u != "https://app.test/" {
		t.Errorf("URL() = %q", u)
	}

	loads, unloads := 0, 0
	w.OnLoad(func() { loads++ })
	w.OnUnload(func() { unloads++ })
	w.FinishLoading()
	w.FinishLoading()
	if loads != 1 {
		t.Errorf("load handler ran %d times, want 1", loads)
	}
	if s := w.Doc().ReadyState(); s != host.StateComplete {
		t.Errorf("ReadyState() = %q, want %q", s, host.StateComplete)
	}

	child, err := h.NewWindow(`<p>child</p>`)
	must(t, err)
	childUnloads := 0
	child.OnUnload(func() { childUnloads++ })
	w.AttachFrame(w.Doc().Find("#content"), child)
	if w.Doc().Find("#content").ContentWindow() != host.Window(child) {
		t.Error("attached frame should expose the child window")
	}

	w.Unload()
	w.Unload()
	if unloads != 1 || childUnloads != 1 {
		t.Errorf("unloads = %d, child unloads = %d, want 1 and 1", unloads, childUnloads)
	}
	if len(h.Windows()) != 0 {
		t.Errorf("Windows() = %v after unload", h.Windows())
	}

	if _, err := w.Doc().Observe(func(host.Mutation) {}); !errors.Is(err, host.ErrDetached) {
		t.Errorf("Observe() after unload error = %v, want ErrDetached", err)
	}

	cancelOpened()
	if n := h.ListenerCount(); n != 3 {
		t.Errorf("ListenerCount() = %d, want 3", n)
	}
}

func TestRemovingFrameUnloadsContent(t *testing.T) {
	h := New()
	w := open(t, h)
	child, err := h.NewWindow(`<p>child</p>`)
	must(t, err)
	w.AttachFrame(w.Doc().Find("#content"), child)

	unloaded := false
	child.OnUnload(func() { unloaded = true })
	must(t, w.Doc().Find("#main").Remove())
	if !unloaded {
		t.Error("removing the frame's ancestor should unload its content")
	}
}

func TestOpenPortPeer(t *testing.T) {
	w := open(t, New())
	frame := w.Doc().Find("#content")

	port, err := w.OpenPort(frame, "k")
	must(t, err)
	peer := w.Peer("k")
	if peer == nil {
		t.Fatal("Peer(k) = nil")
	}

	got := make(chan bridge.Envelope, 1)
	peer.OnMessage(func(env bridge.Envelope) { got <- env })
	must(t, port.Post(bridge.Envelope{Type: "context"}))
	select {
	case env := <-got:
		if env.Type != "context" {
			t.Errorf("peer got %q, want context", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("peer did not receive envelope")
	}

	other := open(t, New())
	if _, err := other.OpenPort(frame, "k"); err == nil {
		t.Error("OpenPort with a frame of another window should fail")
	}

	w.Unload()
	if _, err := w.OpenPort(frame, "k2"); !errors.Is(err, host.ErrDetached) {
		t.Errorf("OpenPort() after unload error = %v, want ErrDetached", err)
	}
	if err := port.Post(bridge.Envelope{Type: "x"}); !errors.Is(err, bridge.ErrClosed) {
		t.Errorf("Post() after unload error = %v, want ErrClosed", err)
	}
}

func TestHTML(t *testing.T) {
	h := New()
	w, err := h.Open(`<div id="anchor"></div>`)
	must(t, err)
	el, err := w.Doc().CreateElement("iframe")
	must(t, err)
	must(t, el.SetAttr("id", "s"))
	must(t, w.Doc().Find("#anchor").AppendChild(el))

	if got := w.Doc().HTML(); got != `<div id="anchor"><iframe id="s"></iframe></div>` {
		t.Errorf("HTML() = %q", got)
	}
	if got := el.(*Element).OuterHTML(); got != `<iframe id="s"></iframe>` {
		t.Errorf("OuterHTML() = %q", got)
	}
}
