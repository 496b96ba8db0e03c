// Package surface mounts sandboxed surface frames into host windows and
// connects each one to the host through its own bridge.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/events"
	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/logging"
)

// ErrNotFound is returned by Unmount when nothing is mounted under the
// given identity.
var ErrNotFound = errors.New("surface: not found")

// Sandbox is the sandbox attribute given to every surface frame.
const Sandbox = "allow-scripts allow-same-origin allow-forms allow-popups"

var keySpace = uuid.MustParse("3f1c6b52-8f4e-4c1a-9d55-2b7e0c9a41d7")

// Key derives the identity of a surface from its location, context id and
// url. Equal inputs give equal keys.
func Key(location, contextID, url string) string {
	return "framebridge-" + uuid.NewSHA1(keySpace, []byte(location+"\x00"+contextID+"\x00"+url)).String()
}

// MountOptions describes one surface to mount.
type MountOptions struct {
	Location  string
	ContextID string
	URL       string
	// Anchor receives the surface as its last child unless Before is set,
	// in which case the surface is inserted before that sibling.
	Anchor host.Element
	Before host.Element
	// Attrs are extra attributes for the frame element.
	Attrs map[string]string
	// Context is the initial context. It is pushed on mount and again
	// whenever the surface reports ready.
	Context map[string]any
	// LocalOptions seeds the cached local options.
	LocalOptions LocalOptions
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used by the host and its surfaces.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = logging.OrDiscard(l) }
}

// WithCallTimeout sets the default timeout of surface bridge calls.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Host creates and destroys surfaces. A surface is identified by its key
// within a window.
type Host struct {
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	surfaces map[string]map[string]*Surface
}

// NewHost returns an empty surface host.
func NewHost(opts ...Option) *Host {
	h := &Host{
		logger:   logging.Discard(),
		timeout:  bridge.DefaultCallTimeout,
		surfaces: make(map[string]map[string]*Surface),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount creates the surface frame in w and attaches its bridge. A surface
// already live under the same identity in w is unmounted first.
func (h *Host) Mount(ctx context.Context, w host.Window, opts MountOptions) (*Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errors.New("surface: nil window")
	}
	if opts.URL == "" {
		return nil, errors.New("surface: empty url")
	}
	parent := opts.Anchor
	if parent == nil && opts.Before != nil {
		parent = opts.Before.Parent()
	}
	if parent == nil {
		return nil, fmt.Errorf("surface: no anchor for %s in window %s", opts.URL, w.ID())
	}

	key := Key(opts.Location, opts.ContextID, opts.URL)
	if _, err := h.Unmount(w, opts.Location, opts.ContextID, opts.URL); err == nil {
		h.logger.Debug("surface remounted", "key", key, "window", w.ID())
	}

	el, err := w.Document().CreateElement("iframe")
	if err != nil {
		return nil, fmt.Errorf("surface: create frame: %w", err)
	}
	attrs := map[string]string{
		"id":              key,
		host.SurfaceAttr:  key,
		host.LocationAttr: opts.Location,
		"sandbox":         Sandbox,
	}
	maps.Copy(attrs, opts.Attrs)
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := el.SetAttr(name, attrs[name]); err != nil {
			return nil, fmt.Errorf("surface: set %s: %w", name, err)
		}
	}
	if err := el.SetStyle("border", "0"); err != nil {
		return nil, fmt.Errorf("surface: style frame: %w", err)
	}

	port, err := w.OpenPort(el, key)
	if err != nil {
		return nil, fmt.Errorf("surface: open port: %w", err)
	}
	if err := el.SetAttr("src", host.SurfaceURL(opts.URL, port)); err != nil {
		port.Close()
		return nil, fmt.Errorf("surface: set src: %w", err)
	}

	s := &Surface{
		host:      h,
		key:       key,
		location:  opts.Location,
		contextID: opts.ContextID,
		url:       opts.URL,
		win:       w,
		el:        el,
		logger:    h.logger.With("key", key, "location", opts.Location, "window", w.ID()),
		context:   maps.Clone(opts.Context),
		options:   opts.LocalOptions.Clone(),
		subject:   events.NewSubject(events.WithReplay(1), events.WithLogger(h.logger)),
	}
	if s.context == nil {
		s.context = make(map[string]any)
	}
	s.bridge = bridge.New(port,
		bridge.WithLogger(h.logger),
		bridge.WithCallTimeout(h.timeout),
		bridge.WithName(key),
	)
	s.install()
	events.Emit(s.subject, events.LocalOptionsTopic(key), s.options.Clone())
	if len(s.context) > 0 {
		s.bridge.Notify(bridge.TypeContext, maps.Clone(s.context))
	}

	if opts.Before != nil {
		err = parent.InsertBefore(el, opts.Before)
	} else {
		err = parent.AppendChild(el)
	}
	if err != nil {
		s.bridge.Close()
		events.Complete(s.subject)
		return nil, fmt.Errorf("surface: insert %s: %w", key, err)
	}

	h.mu.Lock()
	if h.surfaces[w.ID()] == nil {
		h.surfaces[w.ID()] = make(map[string]*Surface)
	}
	h.surfaces[w.ID()][key] = s
	h.mu.Unlock()

	s.logger.Debug("surface mounted", "url", opts.URL)
	return s, nil
}

// Unmount destroys the surface mounted in w under the given identity and
// returns the element that was its parent.
func (h *Host) Unmount(w host.Window, location, contextID, url string) (host.Element, error) {
	s := h.Lookup(w, location, contextID, url)
	if s == nil {
		return nil, ErrNotFound
	}
	return s.destroy(), nil
}

// Lookup returns the live surface for the identity in w, or nil.
func (h *Host) Lookup(w host.Window, location, contextID, url string) *Surface {
	if w == nil {
		return nil
	}
	key := Key(location, contextID, url)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.surfaces[w.ID()][key]
}

// Info describes a live surface.
type Info struct {
	Key       string `json:"key"`
	Location  string `json:"location"`
	ContextID string `json:"context_id,omitempty"`
	URL       string `json:"url"`
	Window    string `json:"window"`
	Pending   int    `json:"pending_calls"`
}

// Surfaces lists the live surfaces sorted by window and key.
func (h *Host) Surfaces() []Info {
	h.mu.Lock()
	var all []*Surface
	for _, byKey := range h.surfaces {
		for _, s := range byKey {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, Info{
			Key:       s.key,
			Location:  s.location,
			ContextID: s.contextID,
			URL:       s.url,
			Window:    s.win.ID(),
			Pending:   s.bridge.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Window != out[j].Window {
			return out[i].Window < out[j].Window
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (h *Host) forget(s *Surface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byKey := h.surfaces[s.win.ID()]
	if byKey[s.key] != s {
		return
	}
	delete(byKey, s.key)
	if len(byKey) == 0 {
		delete(h.surfaces, s.win.ID())
	}
}

// Surface is one mounted surface frame.
type Surface struct {
	host      *Host
	key       string
	location  string
	contextID string
	url       string
	win       host.Window
	el        host.Element
	bridge    *bridge.Bridge
	logger    *slog.Logger
	subject   *events.Subject

	mu        sync.Mutex
	context   map[string]any
	options   LocalOptions
	onDestroy []func()
	destroyed bool
}

// Key returns the surface identity.
func (s *Surface) Key() string { return s.key }

// Location returns the name of the location the surface was mounted for.
func (s *Surface) Location() string { return s.location }

// ContextID returns the context id the surface identity was derived from.
func (s *Surface) ContextID() string { return s.contextID }

// URL returns the surface page URL as registered, without the endpoint
// fragment.
func (s *Surface) URL() string { return s.url }

// Element returns the surface frame.
func (s *Surface) Element() host.Element { return s.el }

// Window returns the window the surface is mounted in.
func (s *Surface) Window() host.Window { return s.win }

// Bridge returns the surface's bridge. It is closed once the surface is
// destroyed.
func (s *Surface) Bridge() *bridge.Bridge { return s.bridge }

// Logger returns a logger carrying the surface's identity.
func (s *Surface) Logger() *slog.Logger { return s.logger }

// SetContextProperty merges one property into the context and pushes it to
// the surface.
func (s *Surface) SetContextProperty(key string, value any) {
	s.SetContext(map[string]any{key: value})
}

// SetContext merges several properties and pushes them as one partial
// snapshot.
func (s *Surface) SetContext(values map[string]any) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	maps.Copy(s.context, values)
	s.mu.Unlock()
	s.bridge.Notify(bridge.TypeContext, values)
}

// Context returns a copy of the context.
func (s *Surface) Context() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.context)
}

// LocalOptions returns the last local options the surface pushed.
func (s *Surface) LocalOptions() LocalOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options.Clone()
}

// OnLocalOptions calls fn with the cached local options before returning,
// then with the full options after every push from the surface.
func (s *Surface) OnLocalOptions(fn func(LocalOptions)) events.Subscription {
	return events.Subscribe(s.subject, events.LocalOptionsTopic(s.key), func(_ context.Context, o LocalOptions) error {
		fn(o.Clone())
		return nil
	}, true)
}

// Destroy removes the frame, closes the bridge and drops local-option
// listeners. Idempotent.
func (s *Surface) Destroy() {
	s.destroy()
}

// OnDestroy registers fn to run when the surface is destroyed, before its
// frame leaves the document. On a destroyed surface fn runs at once.
func (s *Surface) OnDestroy(fn func()) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onDestroy = append(s.onDestroy, fn)
	s.mu.Unlock()
}

// Destroyed reports whether the surface has been destroyed.
func (s *Surface) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Surface) destroy() host.Element {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	hooks := s.onDestroy
	s.onDestroy = nil
	s.mu.Unlock()

	s.host.forget(s)
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	parent := s.el.Parent()
	if err := s.el.Remove(); err != nil {
		s.logger.Debug("surface frame already gone", "error", err)
	}
	s.bridge.Close()
	events.Complete(s.subject)
	s.logger.Debug("surface destroyed")
	return parent
}

func (s *Surface) install() {
	s.bridge.Handle(bridge.TypeGetContext, func(context.Context, json.RawMessage) (any, error) {
		return s.Context(), nil
	})
	s.bridge.Handle(bridge.TypeGetLocalOptions, func(context.Context, json.RawMessage) (any, error) {
		return s.LocalOptions(), nil
	})
	s.bridge.Handle(bridge.TypeSetLocalOptions, func(_ context.Context, details json.RawMessage) (any, error) {
		patch, err := decodePatch(details)
		if err != nil {
			return nil, fmt.Errorf("decode local options: %w", err)
		}
		return s.applyLocalOptions(patch), nil
	})
	s.bridge.Handle(bridge.TypeReady, func(context.Context, json.RawMessage) (any, error) {
		s.bridge.Notify(bridge.TypeContext, s.Context())
		return nil, nil
	})
}

// applyLocalOptions merges a pushed patch and fans the full options out to
// listeners.
func (s *Surface) applyLocalOptions(patch map[string]any) LocalOptions {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.options = s.options.Merge(patch)
	snapshot := s.options.Clone()
	s.mu.Unlock()

	if err := events.Emit(s.subject, events.LocalOptionsTopic(s.key), snapshot); err != nil {
		s.logger.Debug("local options after destroy", "error", err)
	}
	return snapshot
}
