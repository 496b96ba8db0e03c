// Package location keeps the table of named integration points and applies
// every registered surface to every window the monitor discovers.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/neboloop/framebridge/internal/events"
	"github.com/neboloop/framebridge/internal/guard"
	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/logging"
	"github.com/neboloop/framebridge/internal/monitor"
	"github.com/neboloop/framebridge/internal/surface"
)

// ErrClosed is returned once RemoveAll has run.
var ErrClosed = errors.New("location: registry closed")

// UnknownLocationError is returned by Add and Remove for a location that was
// never defined.
type UnknownLocationError struct {
	Name string
}

func (e *UnknownLocationError) Error() string {
	return fmt.Sprintf("location: unknown location %q", e.Name)
}

// Options is the injection configuration registered with a url.
type Options map[string]any

// Clone returns a shallow copy.
func (o Options) Clone() Options {
	if o == nil {
		return Options{}
	}
	return maps.Clone(o)
}

// Handler mounts and unmounts the surfaces of one location.
//
// Mount returning a nil surface and a nil error means the window is not one
// the location serves. Unmount returns the element that was the surface's
// parent, or nil when nothing was mounted.
type Handler interface {
	Mount(ctx context.Context, w host.Window, url string, opts Options) (*surface.Surface, error)
	Unmount(ctx context.Context, w host.Window, url string) (host.Element, error)
}

// HandlerFuncs adapts a pair of functions to Handler. A nil UnmountFunc
// unmounts nothing.
type HandlerFuncs struct {
	MountFunc   func(ctx context.Context, w host.Window, url string, opts Options) (*surface.Surface, error)
	UnmountFunc func(ctx context.Context, w host.Window, url string) (host.Element, error)
}

// Mount calls MountFunc.
func (f HandlerFuncs) Mount(ctx context.Context, w host.Window, url string, opts Options) (*surface.Surface, error) {
	return f.MountFunc(ctx, w, url, opts)
}

// Unmount calls UnmountFunc, if any.
func (f HandlerFuncs) Unmount(ctx context.Context, w host.Window, url string) (host.Element, error) {
	if f.UnmountFunc == nil {
		return nil, nil
	}
	return f.UnmountFunc(ctx, w, url)
}

// WindowSource is the part of the window monitor the registry uses.
type WindowSource interface {
	Windows() []host.Window
	Subscribe(l monitor.Listener) *monitor.Subscription
	SubscribeUnload(l monitor.UnloadListener) *monitor.Subscription
}

// SurfaceEvent is emitted on TopicSurfaceMounted and TopicSurfaceUnmounted.
type SurfaceEvent struct {
	Location string
	URL      string
	Window   host.Window
	Key      string
	// Parent is the parent element of the surface frame, the row for split
	// layouts. It is nil on unmount events when the frame had already left
	// the document.
	Parent host.Element
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrDiscard(l) }
}

// WithEvents publishes surface lifecycle events on subject.
func WithEvents(subject *events.Subject) Option {
	return func(r *Registry) { r.events = subject }
}

type entry struct {
	name    string
	handler Handler
	urls    map[string]Options
	order   []string
}

type surfaceID struct {
	location string
	window   string
	url      string
}

// Registry owns the location table and the surfaces it mounted.
type Registry struct {
	src    WindowSource
	logger *slog.Logger
	events *events.Subject

	mu        sync.Mutex
	closed    bool
	locations map[string]*entry
	names     []string
	surfaces  map[surfaceID]*surface.Surface
	subs      []*monitor.Subscription
}

// NewRegistry returns a registry that mounts registrations on every window
// src reports, now and later.
func NewRegistry(src WindowSource, opts ...Option) *Registry {
	r := &Registry{
		src:       src,
		logger:    logging.Discard(),
		locations: make(map[string]*entry),
		surfaces:  make(map[surfaceID]*surface.Surface),
	}
	for _, opt := range opts {
		opt(r)
	}
	load := src.Subscribe(r.windowLoaded)
	unload := src.SubscribeUnload(r.windowUnloaded)
	r.mu.Lock()
	r.subs = append(r.subs, load, unload)
	r.mu.Unlock()
	return r
}

// DefineLocation registers an integration point.
func (r *Registry) DefineLocation(name string, h Handler) error {
	if name == "" {
		return errors.New("location: empty name")
	}
	if h == nil {
		return fmt.Errorf("location %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.locations[name]; ok {
		return fmt.Errorf("location %s: already defined", name)
	}
	r.locations[name] = &entry{name: name, handler: h, urls: make(map[string]Options)}
	r.names = append(r.names, name)
	return nil
}

// Add registers url with location and mounts it on every known window. A
// url already registered is removed first, which reloads its surfaces.
func (r *Registry) Add(ctx context.Context, location, url string, opts Options) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, ok := r.locations[location]
	if !ok {
		r.mu.Unlock()
		return &UnknownLocationError{Name: location}
	}
	_, exists := e.urls[url]
	r.mu.Unlock()

	if exists {
		r.remove(ctx, e, url)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.urls[url]; !ok {
		e.order = append(e.order, url)
	}
	e.urls[url] = opts.Clone()
	r.mu.Unlock()

	r.logger.Debug("location registration added", "location", location, "url", url)
	for _, w := range r.src.Windows() {
		r.mountOne(ctx, e, w, url, opts)
	}
	return nil
}

// Remove unregisters url from location and unmounts it from every known
// window. An unregistered url is a no-op.
func (r *Registry) Remove(ctx context.Context, location, url string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	e, ok := r.locations[location]
	r.mu.Unlock()
	if !ok {
		return &UnknownLocationError{Name: location}
	}
	r.remove(ctx, e, url)
	return nil
}

func (r *Registry) remove(ctx context.Context, e *entry, url string) {
	r.mu.Lock()
	if _, ok := e.urls[url]; !ok {
		r.mu.Unlock()
		return
	}
	delete(e.urls, url)
	e.order = slices.DeleteFunc(e.order, func(u string) bool { return u == url })
	taken := make(map[string]*surface.Surface)
	for id, s := range r.surfaces {
		if id.location == e.name && id.url == url {
			taken[id.window] = s
			delete(r.surfaces, id)
		}
	}
	r.mu.Unlock()

	for _, w := range r.src.Windows() {
		r.unmountOne(ctx, e, w, url, taken[w.ID()])
		delete(taken, w.ID())
	}
	// Surfaces of windows the monitor no longer reports.
	for _, s := range taken {
		s.Destroy()
	}
	r.logger.Debug("location registration removed", "location", e.name, "url", url)
}

// RemoveAll removes every registration, detaches the registry from the
// monitor and closes it. Every surface the registry mounted is gone when
// it returns.
func (r *Registry) RemoveAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	type registration struct {
		e   *entry
		url string
	}
	var all []registration
	for _, name := range r.names {
		e := r.locations[name]
		for _, url := range e.order {
			all = append(all, registration{e, url})
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, reg := range all {
		r.remove(ctx, reg.e, reg.url)
	}

	r.mu.Lock()
	left := slices.Collect(maps.Values(r.surfaces))
	r.surfaces = make(map[surfaceID]*surface.Surface)
	r.mu.Unlock()
	for _, s := range left {
		s.Destroy()
	}
	r.logger.Debug("location registry closed", "registrations", len(all))
	return nil
}

// mountOne mounts url of e on w, replacing a surface the registry already
// holds for the same triple.
func (r *Registry) mountOne(ctx context.Context, e *entry, w host.Window, url string, opts Options) {
	id := surfaceID{location: e.name, window: w.ID(), url: url}
	r.mu.Lock()
	existing := r.surfaces[id]
	delete(r.surfaces, id)
	r.mu.Unlock()
	if existing != nil {
		r.unmountOne(ctx, e, w, url, existing)
	}

	var s *surface.Surface
	failure := guard.Run(r.logger, "location mount", func() error {
		var err error
		s, err = e.handler.Mount(ctx, w, url, opts.Clone())
		return err
	}, "location", e.name, "window", w.ID(), "url", url)
	if failure != nil || s == nil {
		return
	}

	r.mu.Lock()
	_, registered := e.urls[url]
	if r.closed || !registered || s.Destroyed() {
		r.mu.Unlock()
		s.Destroy()
		return
	}
	r.surfaces[id] = s
	r.mu.Unlock()

	parent := s.Element().Parent()
	s.OnDestroy(func() { r.surfaceGone(id, s) })
	r.emit(events.TopicSurfaceMounted, SurfaceEvent{
		Location: e.name,
		URL:      url,
		Window:   w,
		Key:      s.Key(),
		Parent:   parent,
	})
}

// unmountOne asks the handler to unmount url from w and destroys s if the
// handler left it alive.
func (r *Registry) unmountOne(ctx context.Context, e *entry, w host.Window, url string, s *surface.Surface) {
	guard.Run(r.logger, "location unmount", func() error {
		_, err := e.handler.Unmount(ctx, w, url)
		return err
	}, "location", e.name, "window", w.ID(), "url", url)
	if s != nil {
		s.Destroy()
	}
}

// surfaceGone runs while s is being destroyed, whatever destroyed it.
func (r *Registry) surfaceGone(id surfaceID, s *surface.Surface) {
	r.mu.Lock()
	if r.surfaces[id] == s {
		delete(r.surfaces, id)
	}
	r.mu.Unlock()
	r.emit(events.TopicSurfaceUnmounted, SurfaceEvent{
		Location: id.location,
		URL:      id.url,
		Window:   s.Window(),
		Key:      s.Key(),
		Parent:   s.Element().Parent(),
	})
}

func (r *Registry) windowLoaded(ctx context.Context, w host.Window) error {
	type registration struct {
		e    *entry
		url  string
		opts Options
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	var all []registration
	for _, name := range r.names {
		e := r.locations[name]
		for _, url := range e.order {
			all = append(all, registration{e, url, e.urls[url]})
		}
	}
	r.mu.Unlock()

	for _, reg := range all {
		r.mountOne(ctx, reg.e, w, reg.url, reg.opts)
	}
	return nil
}

func (r *Registry) windowUnloaded(w host.Window) {
	r.mu.Lock()
	var gone []*surface.Surface
	for id, s := range r.surfaces {
		if id.window == w.ID() {
			gone = append(gone, s)
			delete(r.surfaces, id)
		}
	}
	r.mu.Unlock()
	for _, s := range gone {
		s.Destroy()
	}
	if len(gone) > 0 {
		r.logger.Debug("window unloaded", "window", w.ID(), "surfaces", len(gone))
	}
}

func (r *Registry) emit(topic string, ev SurfaceEvent) {
	if err := events.Emit(r.events, topic, ev); err != nil {
		r.logger.Debug("surface event dropped", "topic", topic, "error", err)
	}
}

// Locations returns the defined location names in definition order.
func (r *Registry) Locations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.names)
}

// Registration is one registered url.
type Registration struct {
	Location string  `json:"location"`
	URL      string  `json:"url"`
	Options  Options `json:"options,omitempty"`
}

// MountedSurface is one surface the registry holds.
type MountedSurface struct {
	Location string `json:"location"`
	URL      string `json:"url"`
	Window   string `json:"window"`
	Key      string `json:"key"`
}

// Snapshot is the registry state for status output.
type Snapshot struct {
	Closed        bool             `json:"closed"`
	Locations     []string         `json:"locations"`
	Registrations []Registration   `json:"registrations"`
	Surfaces      []MountedSurface `json:"surfaces"`
}

// Snapshot returns the registrations and live surfaces.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Closed:        r.closed,
		Locations:     slices.Clone(r.names),
		Registrations: []Registration{},
		Surfaces:      []MountedSurface{},
	}
	for _, name := range r.names {
		e := r.locations[name]
		for _, url := range e.order {
			snap.Registrations = append(snap.Registrations, Registration{
				Location: name,
				URL:      url,
				Options:  e.urls[url].Clone(),
			})
		}
	}
	for id, s := range r.surfaces {
		snap.Surfaces = append(snap.Surfaces, MountedSurface{
			Location: id.location,
			URL:      id.url,
			Window:   id.window,
			Key:      s.Key(),
		})
	}
	sort.Slice(snap.Surfaces, func(i, j int) bool {
		a, b := snap.Surfaces[i], snap.Surfaces[j]
		if a.Window != b.Window {
			return a.Window < b.Window
		}
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		return a.URL < b.URL
	})
	return snap
}
