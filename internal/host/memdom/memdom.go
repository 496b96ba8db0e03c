// Package memdom is an in-memory host built on golang.org/x/net/html.
// Windows are created from markup and every event (window opened, load,
// unload, mutation) is delivered synchronously on the goroutine that caused
// it. It backs the package tests and the demo command.
package memdom

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/host"
)

// Host is a set of in-memory windows.
type Host struct {
	mu      sync.Mutex
	top     []*Window
	all     []*Window
	opened  map[int]func(host.Window)
	nextID  int
	nextWin int
}

// New returns an empty host.
func New() *Host {
	return &Host{opened: make(map[int]func(host.Window))}
}

// WindowOption configures a window created by Open or NewWindow.
type WindowOption func(*Window)

// WithURL sets the document URL.
func WithURL(u string) WindowOption {
	return func(w *Window) { w.doc.url = u }
}

// Loading leaves the document in the loading state until FinishLoading.
func Loading() WindowOption {
	return func(w *Window) { w.doc.state = host.StateLoading }
}

// Windows returns the open top-level windows in open order.
func (h *Host) Windows() []host.Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.Window, len(h.top))
	for i, w := range h.top {
		out[i] = w
	}
	return out
}

// OnWindowOpened registers fn for top-level windows opened after the call.
func (h *Host) OnWindowOpened(fn func(host.Window)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.opened[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.opened, id)
		h.mu.Unlock()
	}
}

// Open creates a top-level window from markup and notifies opened
// listeners.
func (h *Host) Open(markup string, opts ...WindowOption) (*Window, error) {
	w, err := h.NewWindow(markup, opts...)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.top = append(h.top, w)
	fns := snapshot(h.opened)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(w)
	}
	return w, nil
}

// NewWindow creates a window that is not top-level, for use as the content
// of a frame (see Window.AttachFrame).
func (h *Host) NewWindow(markup string, opts ...WindowOption) (*Window, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("memdom: parse: %w", err)
	}

	h.mu.Lock()
	h.nextWin++
	id := fmt.Sprintf("w%d", h.nextWin)
	h.mu.Unlock()

	w := &Window{
		host:   h,
		id:     id,
		load:   make(map[int]func()),
		unload: make(map[int]func()),
		peers:  make(map[string]bridge.Port),
	}
	w.doc = &Document{
		win:       w,
		root:      root,
		url:       "about:blank",
		state:     host.StateComplete,
		elems:     make(map[*html.Node]*Element),
		frames:    make(map[*html.Node]*Window),
		observers: make(map[int]func(host.Mutation)),
	}
	for _, opt := range opts {
		opt(w)
	}

	h.mu.Lock()
	h.all = append(h.all, w)
	h.mu.Unlock()
	return w, nil
}

// ListenerCount is the number of listeners and observers currently
// registered anywhere in the host.
func (h *Host) ListenerCount() int {
	h.mu.Lock()
	n := len(h.opened)
	all := append([]*Window(nil), h.all...)
	h.mu.Unlock()

	for _, w := range all {
		n += w.LoadListeners() + w.UnloadListeners() + w.doc.Observers()
	}
	return n
}

func (h *Host) closed(w *Window) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, t := range h.top {
		if t == w {
			h.top = append(h.top[:i:i], h.top[i+1:]...)
			break
		}
	}
}

// Window is an in-memory browsing context.
type Window struct {
	host *Host
	id   string
	doc  *Document

	mu       sync.Mutex
	load     map[int]func()
	unload   map[int]func()
	nextID   int
	unloaded bool
	peers    map[string]bridge.Port
}

var _ host.Window = (*Window)(nil)

func (w *Window) ID() string { return w.id }

func (w *Window) Document() host.Document { return w.doc }

// Doc returns the concrete document.
func (w *Window) Doc() *Document { return w.doc }

func (w *Window) OnLoad(fn func()) func() {
	return w.register(w.load, fn)
}

func (w *Window) OnUnload(fn func()) func() {
	return w.register(w.unload, fn)
}

func (w *Window) register(set map[int]func(), fn func()) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	set[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(set, id)
		w.mu.Unlock()
	}
}

// LoadListeners returns the number of registered load listeners.
func (w *Window) LoadListeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.load)
}

// UnloadListeners returns the number of registered unload listeners.
func (w *Window) UnloadListeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unload)
}

// OpenPort returns the host end of an in-memory pipe; the surface end is
// available from Peer. Reopening a key closes the previous pipe.
func (w *Window) OpenPort(frame host.Element, key string) (bridge.Port, error) {
	el, ok := frame.(*Element)
	if !ok || el.doc != w.doc {
		return nil, fmt.Errorf("memdom: frame for %s is not in window %s", key, w.id)
	}

	w.mu.Lock()
	if w.unloaded {
		w.mu.Unlock()
		return nil, host.ErrDetached
	}
	old := w.peers[key]
	local, remote := bridge.Pipe()
	w.peers[key] = remote
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return local, nil
}

// Peer returns the surface end of the port opened for key.
func (w *Window) Peer(key string) bridge.Port {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peers[key]
}

// FinishLoading moves the document to the complete state and fires load
// listeners. It does nothing if the document is already complete.
func (w *Window) FinishLoading() {
	w.doc.mu.Lock()
	if w.doc.state == host.StateComplete {
		w.doc.mu.Unlock()
		return
	}
	w.doc.state = host.StateComplete
	w.doc.mu.Unlock()

	w.mu.Lock()
	if w.unloaded {
		w.mu.Unlock()
		return
	}
	fns := snapshot(w.load)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Unload fires unload listeners on every nested frame window and then on w,
// and closes the window. Repeated calls do nothing.
func (w *Window) Unload() {
	w.mu.Lock()
	if w.unloaded {
		w.mu.Unlock()
		return
	}
	w.unloaded = true
	peers := w.peers
	w.peers = make(map[string]bridge.Port)
	w.mu.Unlock()

	w.doc.mu.Lock()
	children := make([]*Window, 0, len(w.doc.frames))
	for _, c := range w.doc.frames {
		children = append(children, c)
	}
	w.doc.mu.Unlock()
	sort.Slice(children, func(i, j int) bool { return children[i].id < children[j].id })
	for _, c := range children {
		c.Unload()
	}

	w.mu.Lock()
	fns := snapshot(w.unload)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}

	for _, p := range peers {
		p.Close()
	}
	w.host.closed(w)
}

// AttachFrame makes child the content window of frame. For a frame that is
// in the document the change is reported as a src attribute mutation.
func (w *Window) AttachFrame(frame *Element, child *Window) {
	w.doc.mu.Lock()
	if child == nil {
		delete(w.doc.frames, frame.node)
	} else {
		w.doc.frames[frame.node] = child
	}
	attached := frame.attachedLocked()
	w.doc.mu.Unlock()
	if attached {
		w.doc.fire([]host.Mutation{{Kind: host.AttributeChanged, Target: frame, Attr: "src"}})
	}
}

// Document is a parsed HTML document.
type Document struct {
	win *Window

	mu        sync.Mutex
	root      *html.Node
	url       string
	state     string
	elems     map[*html.Node]*Element
	frames    map[*html.Node]*Window
	observers map[int]func(host.Mutation)
	nextObs   int
}

var _ host.Document = (*Document)(nil)

func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *Document) ReadyState() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Document) QuerySelector(sel string) (host.Element, error) {
	all, err := d.QuerySelectorAll(sel)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (d *Document) QuerySelectorAll(sel string) ([]host.Element, error) {
	s, err := parseSelector(sel)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.collectLocked(d.root, s), nil
}

// Find is QuerySelector returning the concrete element, or nil.
func (d *Document) Find(sel string) *Element {
	el, err := d.QuerySelector(sel)
	if err != nil || el == nil {
		return nil
	}
	return el.(*Element)
}

func (d *Document) CreateElement(tag string) (host.Element, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return nil, fmt.Errorf("memdom: empty tag")
	}
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrapLocked(n), nil
}

func (d *Document) Observe(fn func(host.Mutation)) (func(), error) {
	d.win.mu.Lock()
	unloaded := d.win.unloaded
	d.win.mu.Unlock()
	if unloaded {
		return nil, host.ErrDetached
	}

	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}, nil
}

// Observers returns the number of registered mutation observers.
func (d *Document) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// HTML renders the document body's children.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	body := findTag(d.root, "body")
	if body == nil {
		body = d.root
	}
	var buf bytes.Buffer
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&buf, c)
	}
	return buf.String()
}

func (d *Document) fire(muts []host.Mutation) {
	if len(muts) == 0 {
		return
	}
	d.mu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(host.Mutation), len(ids))
	for i, id := range ids {
		fns[i] = d.observers[id]
	}
	d.mu.Unlock()

	for _, m := range muts {
		for _, fn := range fns {
			fn(m)
		}
	}
}

func (d *Document) wrapLocked(n *html.Node) *Element {
	if el, ok := d.elems[n]; ok {
		return el
	}
	el := &Element{doc: d, node: n}
	d.elems[n] = el
	return el
}

func (d *Document) collectLocked(from *html.Node, s selector) []host.Element {
	var out []host.Element
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.match(c) {
				out = append(out, d.wrapLocked(c))
			}
			walk(c)
		}
	}
	walk(from)
	return out
}

// Element is a node of a memdom document. Each node has exactly one
// Element, so elements compare with ==.
type Element struct {
	doc  *Document
	node *html.Node
}

var _ host.Element = (*Element)(nil)

func (e *Element) Tag() string { return e.node.Data }

func (e *Element) ID() string {
	v, _ := e.Attr("id")
	return v
}

func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return attr(e.node, name)
}

func (e *Element) SetAttr(name, value string) error {
	name = strings.ToLower(name)
	e.doc.mu.Lock()
	found := false
	for i, a := range e.node.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			e.node.Attr[i].Val = value
			found = true
			break
		}
	}
	if !found {
		e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
	}
	attached := e.attachedLocked()
	e.doc.mu.Unlock()

	if name == "src" && attached {
		e.doc.fire([]host.Mutation{{Kind: host.AttributeChanged, Target: e, Attr: "src"}})
	}
	return nil
}

func (e *Element) RemoveAttr(name string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for i, a := range e.node.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			e.node.Attr = append(e.node.Attr[:i:i], e.node.Attr[i+1:]...)
			break
		}
	}
	return nil
}

func (e *Element) Style(property string) string {
	raw, _ := e.Attr("style")
	for _, d := range parseStyle(raw) {
		if d.prop == strings.ToLower(property) {
			return d.value
		}
	}
	return ""
}

func (e *Element) SetStyle(property, value string) error {
	property = strings.ToLower(strings.TrimSpace(property))
	if property == "" {
		return fmt.Errorf("memdom: empty style property")
	}
	raw, _ := e.Attr("style")
	decls := parseStyle(raw)
	value = strings.TrimSpace(value)

	out := decls[:0]
	replaced := false
	for _, d := range decls {
		if d.prop == property {
			replaced = true
			if value == "" {
				continue
			}
			d.value = value
		}
		out = append(out, d)
	}
	if !replaced && value != "" {
		out = append(out, declaration{prop: property, value: value})
	}

	if len(out) == 0 {
		return e.RemoveAttr("style")
	}
	return e.SetAttr("style", formatStyle(out))
}

func (e *Element) Parent() host.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	p := e.node.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return e.doc.wrapLocked(p)
}

func (e *Element) NextSibling() host.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for n := e.node.NextSibling; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode {
			return e.doc.wrapLocked(n)
		}
	}
	return nil
}

func (e *Element) AppendChild(child host.Element) error {
	return e.InsertBefore(child, nil)
}

func (e *Element) InsertBefore(child, ref host.Element) error {
	c, ok := child.(*Element)
	if !ok || c.doc != e.doc {
		return fmt.Errorf("memdom: child belongs to another document")
	}
	var refNode *html.Node
	if ref != nil {
		r, ok := ref.(*Element)
		if !ok || r.doc != e.doc {
			return fmt.Errorf("memdom: reference node belongs to another document")
		}
		refNode = r.node
	}

	var muts []host.Mutation
	e.doc.mu.Lock()
	for p := e.node; p != nil; p = p.Parent {
		if p == c.node {
			e.doc.mu.Unlock()
			return fmt.Errorf("memdom: cannot insert <%s> into its own subtree", c.node.Data)
		}
	}
	if refNode != nil && refNode.Parent != e.node {
		e.doc.mu.Unlock()
		return fmt.Errorf("memdom: reference node is not a child of <%s>", e.node.Data)
	}
	if c.node.Parent != nil {
		wasAttached := c.attachedLocked()
		c.node.Parent.RemoveChild(c.node)
		if wasAttached {
			muts = append(muts, host.Mutation{Kind: host.ChildRemoved, Target: c})
		}
	}
	e.node.InsertBefore(c.node, refNode)
	if c.attachedLocked() {
		muts = append(muts, host.Mutation{Kind: host.ChildAdded, Target: c})
	}
	e.doc.mu.Unlock()

	e.doc.fire(muts)
	return nil
}

func (e *Element) Remove() error {
	e.doc.mu.Lock()
	if e.node.Parent == nil {
		e.doc.mu.Unlock()
		return nil
	}
	wasAttached := e.attachedLocked()
	e.node.Parent.RemoveChild(e.node)
	var gone []*Window
	for n, w := range e.doc.frames {
		if n == e.node || isAncestor(e.node, n) {
			gone = append(gone, w)
			delete(e.doc.frames, n)
		}
	}
	e.doc.mu.Unlock()

	if wasAttached {
		e.doc.fire([]host.Mutation{{Kind: host.ChildRemoved, Target: e}})
	}
	// A removed frame takes its content window with it.
	for _, w := range gone {
		w.Unload()
	}
	return nil
}

func isAncestor(a, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}

func (e *Element) Matches(sel string) bool {
	s, err := parseSelector(sel)
	if err != nil {
		return false
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return s.match(e.node)
}

func (e *Element) QuerySelectorAll(sel string) ([]host.Element, error) {
	s, err := parseSelector(sel)
	if err != nil {
		return nil, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.collectLocked(e.node, s), nil
}

func (e *Element) ContentWindow() host.Window {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if w, ok := e.doc.frames[e.node]; ok {
		return w
	}
	return nil
}

// OuterHTML renders the element.
func (e *Element) OuterHTML() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var buf bytes.Buffer
	html.Render(&buf, e.node)
	return buf.String()
}

// attachedLocked reports whether the node is connected to the document.
func (e *Element) attachedLocked() bool {
	for p := e.node; p != nil; p = p.Parent {
		if p == e.doc.root {
			return true
		}
	}
	return false
}

type declaration struct {
	prop  string
	value string
}

func parseStyle(raw string) []declaration {
	var out []declaration
	for _, part := range strings.Split(raw, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		value = strings.TrimSpace(value)
		if prop == "" {
			continue
		}
		out = append(out, declaration{prop: prop, value: value})
	}
	return out
}

func formatStyle(decls []declaration) string {
	parts := make([]string, len(decls))
	for i, d := range decls {
		parts[i] = d.prop + ": " + d.value
	}
	return strings.Join(parts, "; ") + ";"
}

func findTag(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findTag(c, tag); f != nil {
			return f
		}
	}
	return nil
}

func snapshot[F any](set map[int]F) []F {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = set[id]
	}
	return out
}
