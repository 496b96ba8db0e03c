// Package cdphost drives a Chrome browser through the DevTools protocol and
// presents its tabs and same-origin frames as host windows.
package cdphost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/logging"
)

// DefaultOpTimeout bounds one DOM operation round trip.
const DefaultOpTimeout = 5 * time.Second

// PortOpener opens the host end of the port a surface with key connects
// back to.
type PortOpener func(key string) (bridge.Port, error)

// Options configures a Host.
type Options struct {
	// ExecPath overrides Chrome auto-detection.
	ExecPath string
	// CDPURL attaches to a running browser instead of launching one.
	CDPURL    string
	Headless  bool
	NoSandbox bool
	// StartURLs are opened in new tabs once the browser is up.
	StartURLs []string
	// Ports opens surface ports. Required.
	Ports     PortOpener
	OpTimeout time.Duration
	Logger    *slog.Logger
}

var (
	_ host.Host     = (*Host)(nil)
	_ host.Window   = (*Window)(nil)
	_ host.Document = (*Document)(nil)
	_ host.Element  = Element{}
)

// Host is a host.Host backed by Chrome.
type Host struct {
	opts     Options
	logger   *slog.Logger
	dispatch *dispatcher

	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc

	mu      sync.Mutex
	tabs    map[target.ID]*tab
	windows map[string]*Window
	top     []*Window
	opened  map[int]func(host.Window)
	nextID  int
	closed  bool
}

type tab struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a host. Nothing runs until Start.
func New(opts Options) *Host {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	return &Host{
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
		dispatch: newDispatcher(),
		tabs:     make(map[target.ID]*tab),
		windows:  make(map[string]*Window),
		opened:   make(map[int]func(host.Window)),
	}
}

func (h *Host) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", h.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-popup-blocking", true),
	)
	if h.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if h.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(h.opts.ExecPath))
	}
	return opts
}

// Start launches or attaches to the browser, attaches every page target and
// opens the start URLs. Windows are reported as their documents say hello.
func (h *Host) Start(ctx context.Context) error {
	if h.opts.Ports == nil {
		return errors.New("cdphost: no port opener")
	}
	var allocCtx context.Context
	if h.opts.CDPURL != "" {
		h.logger.Info("connecting to chrome", "url", h.opts.CDPURL)
		allocCtx, h.cancelAlloc = chromedp.NewRemoteAllocator(ctx, h.opts.CDPURL)
	} else {
		h.logger.Info("launching chrome", "headless", h.opts.Headless)
		allocCtx, h.cancelAlloc = chromedp.NewExecAllocator(ctx, h.allocatorOptions()...)
	}
	h.browserCtx, h.cancelBrowser = chromedp.NewContext(allocCtx)
	if err := chromedp.Run(h.browserCtx); err != nil {
		h.Close()
		return fmt.Errorf("cdphost: start browser: %w", err)
	}

	chromedp.ListenBrowser(h.browserCtx, func(ev any) {
		switch ev := ev.(type) {
		case *target.EventTargetCreated:
			if ev.TargetInfo.Type == "page" {
				id := ev.TargetInfo.TargetID
				h.dispatch.push(func() { h.attachLogged(id) })
			}
		case *target.EventTargetDestroyed:
			id := ev.TargetID
			h.dispatch.push(func() { h.detach(id) })
		}
	})

	infos, err := chromedp.Targets(h.browserCtx)
	if err != nil {
		h.Close()
		return fmt.Errorf("cdphost: list targets: %w", err)
	}
	for _, info := range infos {
		if info.Type == "page" {
			h.attachLogged(info.TargetID)
		}
	}
	for _, u := range h.opts.StartURLs {
		if err := h.Open(ctx, u); err != nil {
			h.logger.Warn("open start url failed", "url", u, "error", err)
		}
	}
	return nil
}

// Open loads url in a new tab.
func (h *Host) Open(ctx context.Context, url string) error {
	if h.browserCtx == nil {
		return errors.New("cdphost: not started")
	}
	c := chromedp.FromContext(h.browserCtx)
	id, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(h.browserCtx, c.Browser))
	if err != nil {
		return fmt.Errorf("create tab: %w", err)
	}
	t, err := h.attach(id)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, chromedp.Navigate(url))
}

func (h *Host) attachLogged(id target.ID) {
	if _, err := h.attach(id); err != nil {
		h.logger.Debug("attach target failed", "target", id, "error", err)
	}
}

// attach connects to a page target and installs the bootstrap script and
// binding. Attaching a known target is a no-op.
func (h *Host) attach(id target.ID) (*tab, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("cdphost: closed")
	}
	if t, ok := h.tabs[id]; ok {
		h.mu.Unlock()
		return t, nil
	}
	ctx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(id))
	t := &tab{id: id, ctx: ctx, cancel: cancel}
	h.tabs[id] = t
	h.mu.Unlock()

	chromedp.ListenTarget(ctx, func(ev any) {
		if ev, ok := ev.(*runtime.EventBindingCalled); ok && ev.Name == BindingName {
			payload := ev.Payload
			h.dispatch.push(func() { h.handleEmit(t, payload) })
		}
	})

	var ok bool
	err := chromedp.Run(ctx,
		runtime.Enable(),
		runtime.AddBinding(BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(Bootstrap).Do(ctx)
			return err
		}),
		chromedp.Evaluate(Bootstrap+";true", &ok),
	)
	if err != nil {
		h.detach(id)
		return nil, fmt.Errorf("install bootstrap in %s: %w", id, err)
	}
	h.logger.Debug("target attached", "target", id)
	return t, nil
}

// detach forgets a tab and unloads its windows.
func (h *Host) detach(id target.ID) {
	h.mu.Lock()
	t, ok := h.tabs[id]
	delete(h.tabs, id)
	var gone []*Window
	for _, w := range h.windows {
		if w.tab == t {
			gone = append(gone, w)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	// Nested windows first, as a document unloads its frames before itself.
	sort.SliceStable(gone, func(i, j int) bool { return !gone[i].top && gone[j].top })
	for _, w := range gone {
		w.unload()
	}
	t.cancel()
}

// handleEmit applies one binding event. It runs on the dispatcher.
func (h *Host) handleEmit(t *tab, payload string) {
	ev, err := parseEmit(payload)
	if err != nil {
		h.logger.Debug("bad binding payload", "error", err)
		return
	}
	switch ev.Kind {
	case "hello":
		w, created := h.window(t, ev.Window, ev.Top)
		if !created {
			return
		}
		if ev.Top {
			h.announce(w)
			return
		}
		h.reframe(ev.Parent, ev.Frame)
	case "load":
		if w := h.lookup(ev.Window); w != nil {
			w.fireLoad()
		}
	case "unload":
		if w := h.lookup(ev.Window); w != nil {
			w.unload()
		}
	case "mutation":
		w := h.lookup(ev.Window)
		if w == nil || ev.Target == "" {
			return
		}
		kind, ok := mutationKinds[ev.Mutation]
		if !ok {
			return
		}
		w.doc.fire(host.Mutation{Kind: kind, Target: Element{win: w, id: ev.Target}, Attr: ev.Attr})
	}
}

// reframe reports a src change on the frame element that owns a nested
// document nobody has asked for yet, so observers of the parent pick up the
// document that replaced about:blank or an earlier src.
func (h *Host) reframe(parent, frame string) {
	w := h.lookup(parent)
	if w == nil || frame == "" {
		return
	}
	w.doc.fire(host.Mutation{Kind: host.AttributeChanged, Target: Element{win: w, id: frame}, Attr: "src"})
}

var mutationKinds = map[string]host.MutationKind{
	"childAdded":       host.ChildAdded,
	"childRemoved":     host.ChildRemoved,
	"attributeChanged": host.AttributeChanged,
}

// window returns the window for wid, creating it on first sight.
func (h *Host) window(t *tab, wid string, top bool) (*Window, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.windows[wid]; ok {
		return w, false
	}
	w := newWindow(h, t, wid, top)
	h.windows[wid] = w
	if top {
		h.top = append(h.top, w)
	}
	return w, true
}

func (h *Host) lookup(wid string) *Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.windows[wid]
}

func (h *Host) announce(w *Window) {
	h.mu.Lock()
	handlers := make([]func(host.Window), 0, len(h.opened))
	ids := make([]int, 0, len(h.opened))
	for id := range h.opened {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, h.opened[id])
	}
	h.mu.Unlock()
	h.logger.Debug("window opened", "window", w.ID())
	for _, fn := range handlers {
		fn(w)
	}
}

// forget drops an unloaded window.
func (h *Host) forget(w *Window) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.windows, w.wid)
	for i, t := range h.top {
		if t == w {
			h.top = append(h.top[:i:i], h.top[i+1:]...)
			break
		}
	}
}

// Windows returns the live top-level windows in the order they said hello.
func (h *Host) Windows() []host.Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.Window, len(h.top))
	for i, w := range h.top {
		out[i] = w
	}
	return out
}

// OnWindowOpened registers fn for top-level windows that say hello later.
func (h *Host) OnWindowOpened(fn func(host.Window)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.opened[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.opened, id)
		h.mu.Unlock()
	}
}

// Close detaches from every tab and stops the browser when it was launched
// by the host.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ids := make([]target.ID, 0, len(h.tabs))
	for id := range h.tabs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	h.dispatch.push(func() {
		for _, id := range ids {
			h.detach(id)
		}
	})
	h.dispatch.close()
	if h.cancelBrowser != nil {
		h.cancelBrowser()
	}
	if h.cancelAlloc != nil {
		h.cancelAlloc()
	}
}
