// Package monitor tracks the loaded windows of a host, including windows
// nested in content frames, and tells subscribers about each one exactly
// once, as soon as it has loaded.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/neboloop/framebridge/internal/guard"
	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/logging"
)

// ErrStarted is returned by a second call to Start.
var ErrStarted = errors.New("monitor: already started")

// Listener is called once for every window that is or becomes loaded.
// A returned error is logged and goes no further.
type Listener func(ctx context.Context, w host.Window) error

// UnloadListener is called when a loaded window unloads.
type UnloadListener func(w host.Window)

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logging.OrDiscard(l) }
}

// WithFrameFilter replaces the embeddable content frame predicate.
func WithFrameFilter(f host.FrameFilter) Option {
	return func(m *Monitor) { m.filter = f }
}

type tracked struct {
	win      host.Window
	loaded   bool
	torn     bool
	cleanups []func()
}

type listenerEntry struct {
	id     int
	fn     Listener
	active bool
}

type unloadEntry struct {
	id int
	fn UnloadListener
}

// Monitor owns the tracked-window set and the listener lists.
type Monitor struct {
	host   host.Host
	logger *slog.Logger
	filter host.FrameFilter

	mu           sync.Mutex
	ctx          context.Context
	started      bool
	stopped      bool
	cancelOpened func()
	tracked      map[string]*tracked
	loaded       []host.Window
	listeners    []*listenerEntry
	unloads      []*unloadEntry
	nextID       int
}

// New returns a monitor for h. Nothing is observed until Start.
func New(h host.Host, opts ...Option) *Monitor {
	m := &Monitor{
		host:    h,
		logger:  logging.Discard(),
		filter:  host.DefaultFrameFilter(),
		ctx:     context.Background(),
		tracked: make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start arms the window-opened observer and discovers every window that
// already exists. ctx is handed to listeners.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrStarted
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	// Arm the observer first so a window opened during enumeration is
	// seen by at least one path; discovery is idempotent.
	cancel := m.host.OnWindowOpened(m.discover)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.cancelOpened = cancel
	m.mu.Unlock()

	windows := m.host.Windows()
	m.logger.Debug("monitor started", "windows", len(windows))
	for _, w := range windows {
		m.discover(w)
	}
	return nil
}

// Stop detaches every observer and listener the monitor installed on the
// host and forgets all windows. Subscribers are dropped. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancelOpened
	m.cancelOpened = nil
	all := make([]*tracked, 0, len(m.tracked))
	for _, t := range m.tracked {
		all = append(all, t)
	}
	m.tracked = make(map[string]*tracked)
	m.loaded = nil
	for _, l := range m.listeners {
		l.active = false
	}
	m.listeners = nil
	m.unloads = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, t := range all {
		m.teardown(t)
	}
	m.logger.Debug("monitor stopped", "windows", len(all))
}

// Subscription removes a listener.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers l and, before returning, calls it with every window
// that is already loaded, in load order. Every window reaches l exactly
// once.
func (m *Monitor) Subscribe(l Listener) *Subscription {
	m.mu.Lock()
	m.nextID++
	entry := &listenerEntry{id: m.nextID, fn: l, active: !m.stopped}
	if entry.active {
		m.listeners = append(m.listeners, entry)
	}
	retro := append([]host.Window(nil), m.loaded...)
	ctx := m.ctx
	m.mu.Unlock()

	sub := &Subscription{cancel: func() { m.unsubscribe(entry.id) }}
	for _, w := range retro {
		m.deliver(ctx, entry, w)
	}
	return sub
}

// SubscribeUnload registers l for loaded windows that unload.
func (m *Monitor) SubscribeUnload(l UnloadListener) *Subscription {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if !m.stopped {
		m.unloads = append(m.unloads, &unloadEntry{id: id, fn: l})
	}
	m.mu.Unlock()
	return &Subscription{cancel: func() { m.unsubscribe(id) }}
}

// Subscribers returns the number of load and unload listeners.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners) + len(m.unloads)
}

// Windows returns the loaded windows in load order.
func (m *Monitor) Windows() []host.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]host.Window(nil), m.loaded...)
}

func (m *Monitor) unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			l.active = false
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
	for i, u := range m.unloads {
		if u.id == id {
			m.unloads = append(m.unloads[:i:i], m.unloads[i+1:]...)
			return
		}
	}
}

// discover starts tracking w. Windows already tracked are ignored.
func (m *Monitor) discover(w host.Window) {
	if w == nil {
		return
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, ok := m.tracked[w.ID()]; ok {
		m.mu.Unlock()
		return
	}
	t := &tracked{win: w}
	m.tracked[w.ID()] = t
	m.mu.Unlock()

	if !m.addCleanup(t, w.OnUnload(func() { m.unloaded(t) })) {
		return
	}

	doc := w.Document()
	if doc == nil {
		m.drop(t, "no document")
		return
	}
	if doc.ReadyState() == host.StateComplete {
		m.markLoaded(t)
		return
	}

	var once sync.Once
	onLoad := func() { once.Do(func() { m.markLoaded(t) }) }
	if !m.addCleanup(t, w.OnLoad(onLoad)) {
		return
	}
	// The document may have completed between the check and the listener.
	if doc.ReadyState() == host.StateComplete {
		onLoad()
	}
}

// markLoaded observes the window for new frames, discovers the frames it
// already has and then notifies listeners.
func (m *Monitor) markLoaded(t *tracked) {
	m.mu.Lock()
	if t.torn || t.loaded {
		m.mu.Unlock()
		return
	}
	t.loaded = true
	m.mu.Unlock()

	doc := t.win.Document()
	cancel, err := doc.Observe(m.mutated)
	if err != nil {
		m.drop(t, err.Error())
		return
	}
	if !m.addCleanup(t, cancel) {
		return
	}

	frames, err := doc.QuerySelectorAll(m.filter.Selector)
	if err != nil {
		m.drop(t, err.Error())
		return
	}
	for _, f := range frames {
		if m.filter.Match(f) {
			m.discover(f.ContentWindow())
		}
	}

	m.notify(t)
}

func (m *Monitor) mutated(mu host.Mutation) {
	if mu.Target == nil {
		return
	}
	switch mu.Kind {
	case host.ChildAdded:
		if m.filter.Match(mu.Target) {
			m.discover(mu.Target.ContentWindow())
		}
		nested, err := mu.Target.QuerySelectorAll(m.filter.Selector)
		if err != nil {
			return
		}
		for _, f := range nested {
			if m.filter.Match(f) {
				m.discover(f.ContentWindow())
			}
		}
	case host.AttributeChanged:
		if mu.Attr == "src" && m.filter.Match(mu.Target) {
			m.discover(mu.Target.ContentWindow())
		}
	}
}

func (m *Monitor) notify(t *tracked) {
	m.mu.Lock()
	if t.torn {
		m.mu.Unlock()
		return
	}
	m.loaded = append(m.loaded, t.win)
	listeners := append([]*listenerEntry(nil), m.listeners...)
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Debug("window loaded", "window", t.win.ID(), "url", t.win.Document().URL())
	for _, l := range listeners {
		m.deliver(ctx, l, t.win)
	}
}

func (m *Monitor) deliver(ctx context.Context, l *listenerEntry, w host.Window) {
	m.mu.Lock()
	active := l.active
	m.mu.Unlock()
	if !active {
		return
	}
	guard.Run(m.logger, "window listener", func() error {
		return l.fn(ctx, w)
	}, "window", w.ID())
}

func (m *Monitor) unloaded(t *tracked) {
	m.mu.Lock()
	wasLoaded := t.loaded && !t.torn
	if m.tracked[t.win.ID()] == t {
		delete(m.tracked, t.win.ID())
	}
	for i, w := range m.loaded {
		if w == t.win {
			m.loaded = append(m.loaded[:i:i], m.loaded[i+1:]...)
			break
		}
	}
	unloads := append([]*unloadEntry(nil), m.unloads...)
	m.mu.Unlock()

	m.teardown(t)
	m.logger.Debug("window unloaded", "window", t.win.ID())
	if !wasLoaded {
		return
	}
	for _, u := range unloads {
		guard.Run(m.logger, "unload listener", func() error {
			u.fn(t.win)
			return nil
		}, "window", t.win.ID())
	}
}

// drop forgets a window that went away mid-discovery.
func (m *Monitor) drop(t *tracked, reason string) {
	m.logger.Debug("window dropped", "window", t.win.ID(), "reason", reason)
	m.mu.Lock()
	if m.tracked[t.win.ID()] == t {
		delete(m.tracked, t.win.ID())
	}
	m.mu.Unlock()
	m.teardown(t)
}

// addCleanup records fn for teardown. If the window is already torn down
// fn runs at once and false is returned.
func (m *Monitor) addCleanup(t *tracked, fn func()) bool {
	if fn == nil {
		return true
	}
	m.mu.Lock()
	if t.torn {
		m.mu.Unlock()
		fn()
		return false
	}
	t.cleanups = append(t.cleanups, fn)
	m.mu.Unlock()
	return true
}

// teardown runs the window's cleanups exactly once, whichever of Stop,
// unload or drop gets there first.
func (m *Monitor) teardown(t *tracked) {
	m.mu.Lock()
	if t.torn {
		m.mu.Unlock()
		return
	}
	t.torn = true
	cleanups := t.cleanups
	t.cleanups = nil
	m.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
}
