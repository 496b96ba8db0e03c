package cdphost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/host"
)

// Window is a document-bearing window inside a tab. Its identity is the id
// the bootstrap script gave the window object, so a navigation yields a new
// Window.
type Window struct {
	h   *Host
	tab *tab
	wid string
	top bool
	doc *Document

	mu       sync.Mutex
	loaded   bool
	detached bool
	loads    map[int]func()
	unloads  map[int]func()
	nextID   int
}

func newWindow(h *Host, t *tab, wid string, top bool) *Window {
	w := &Window{
		h:       h,
		tab:     t,
		wid:     wid,
		top:     top,
		loads:   make(map[int]func()),
		unloads: make(map[int]func()),
	}
	w.doc = &Document{win: w, observers: make(map[int]func(host.Mutation))}
	return w
}

func (w *Window) ID() string { return string(w.tab.id) + "/" + w.wid }

func (w *Window) Document() host.Document { return w.doc }

func (w *Window) OnLoad(fn func()) func() {
	return w.register(w.loads, fn)
}

func (w *Window) OnUnload(fn func()) func() {
	return w.register(w.unloads, fn)
}

func (w *Window) register(set map[int]func(), fn func()) func() {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	set[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(set, id)
		w.mu.Unlock()
	}
}

// OpenPort opens a port through the host's PortOpener. frame must belong
// to this window.
func (w *Window) OpenPort(frame host.Element, key string) (bridge.Port, error) {
	el, ok := frame.(Element)
	if !ok || el.win != w {
		return nil, fmt.Errorf("cdphost: frame is not an element of window %s", w.ID())
	}
	if w.isDetached() {
		return nil, host.ErrDetached
	}
	return w.h.opts.Ports(key)
}

func (w *Window) isDetached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.detached
}

func (w *Window) fireLoad() {
	w.mu.Lock()
	if w.loaded || w.detached {
		w.mu.Unlock()
		return
	}
	w.loaded = true
	fns := ordered(w.loads)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (w *Window) unload() {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.detached = true
	fns := ordered(w.unloads)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	w.h.forget(w)
}

// call runs op in the window and decodes its JSON result into out, which
// may be nil.
func (w *Window) call(out any, op string, args ...any) error {
	if w.isDetached() {
		return host.ErrDetached
	}
	expr, err := callExpr(w.wid, op, args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(w.tab.ctx, w.h.opts.OpTimeout)
	defer cancel()
	var raw string
	if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &raw)); err != nil {
		if strings.Contains(err.Error(), detachedMessage) {
			return host.ErrDetached
		}
		return fmt.Errorf("cdphost: %s: %w", op, err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func (w *Window) element(id *string) host.Element {
	if id == nil {
		return nil
	}
	return Element{win: w, id: *id}
}

func (w *Window) elements(ids []string) []host.Element {
	out := make([]host.Element, 0, len(ids))
	for _, id := range ids {
		out = append(out, Element{win: w, id: id})
	}
	return out
}

// Document is the document of a Window.
type Document struct {
	win *Window

	mu        sync.Mutex
	observers map[int]func(host.Mutation)
	nextID    int
}

func (d *Document) URL() string {
	var u string
	if err := d.win.call(&u, "url"); err != nil {
		return ""
	}
	return u
}

func (d *Document) ReadyState() string {
	var s string
	if err := d.win.call(&s, "readyState"); err != nil {
		return ""
	}
	return s
}

func (d *Document) QuerySelector(sel string) (host.Element, error) {
	all, err := d.QuerySelectorAll(sel)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (d *Document) QuerySelectorAll(sel string) ([]host.Element, error) {
	var ids []string
	if err := d.win.call(&ids, "query", sel); err != nil {
		return nil, err
	}
	return d.win.elements(ids), nil
}

func (d *Document) CreateElement(tag string) (host.Element, error) {
	var id *string
	if err := d.win.call(&id, "create", tag); err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("cdphost: create %s returned no node", tag)
	}
	return Element{win: d.win, id: *id}, nil
}

// Observe starts the page MutationObserver with the first observer and
// stops it with the last.
func (d *Document) Observe(fn func(host.Mutation)) (func(), error) {
	d.mu.Lock()
	first := len(d.observers) == 0
	d.nextID++
	id := d.nextID
	d.observers[id] = fn
	d.mu.Unlock()

	if first {
		if err := d.win.call(nil, "observe"); err != nil {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
			return nil, err
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			last := len(d.observers) == 0
			d.mu.Unlock()
			if last && !d.win.isDetached() {
				_ = d.win.call(nil, "unobserve")
			}
		})
	}, nil
}

func (d *Document) fire(m host.Mutation) {
	d.mu.Lock()
	fns := ordered(d.observers)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// Element addresses a node of a window by the id the bootstrap script gave
// it. Equal values address the same node.
type Element struct {
	win *Window
	id  string
}

func (e Element) Tag() string {
	var tag string
	_ = e.win.call(&tag, "tag", e.id)
	return tag
}

func (e Element) ID() string {
	v, _ := e.Attr("id")
	return v
}

func (e Element) Attr(name string) (string, bool) {
	var v *string
	if err := e.win.call(&v, "attr", e.id, name); err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (e Element) SetAttr(name, value string) error {
	return e.win.call(nil, "setAttr", e.id, name, value)
}

func (e Element) RemoveAttr(name string) error {
	return e.win.call(nil, "removeAttr", e.id, name)
}

func (e Element) Style(property string) string {
	var v string
	_ = e.win.call(&v, "style", e.id, property)
	return v
}

func (e Element) SetStyle(property, value string) error {
	return e.win.call(nil, "setStyle", e.id, property, value)
}

func (e Element) Parent() host.Element {
	var id *string
	if err := e.win.call(&id, "parent", e.id); err != nil {
		return nil
	}
	return e.win.element(id)
}

func (e Element) NextSibling() host.Element {
	var id *string
	if err := e.win.call(&id, "next", e.id); err != nil {
		return nil
	}
	return e.win.element(id)
}

func (e Element) AppendChild(child host.Element) error {
	c, err := e.sibling(child)
	if err != nil {
		return err
	}
	return e.win.call(nil, "append", e.id, c.id)
}

func (e Element) InsertBefore(child, ref host.Element) error {
	if ref == nil {
		return e.AppendChild(child)
	}
	c, err := e.sibling(child)
	if err != nil {
		return err
	}
	r, err := e.sibling(ref)
	if err != nil {
		return err
	}
	return e.win.call(nil, "insertBefore", e.id, c.id, r.id)
}

func (e Element) sibling(other host.Element) (Element, error) {
	o, ok := other.(Element)
	if !ok || o.win != e.win {
		return Element{}, fmt.Errorf("cdphost: element from another document")
	}
	return o, nil
}

func (e Element) Remove() error {
	return e.win.call(nil, "remove", e.id)
}

func (e Element) Matches(selector string) bool {
	var ok bool
	_ = e.win.call(&ok, "matches", e.id, selector)
	return ok
}

func (e Element) QuerySelectorAll(selector string) ([]host.Element, error) {
	var ids []string
	if err := e.win.call(&ids, "queryIn", e.id, selector); err != nil {
		return nil, err
	}
	return e.win.elements(ids), nil
}

func (e Element) ContentWindow() host.Window {
	var wid *string
	if err := e.win.call(&wid, "contentWindow", e.id); err != nil || wid == nil {
		return nil
	}
	w, _ := e.win.h.window(e.win.tab, *wid, false)
	return w
}

func ordered[F any](set map[int]F) []F {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}
