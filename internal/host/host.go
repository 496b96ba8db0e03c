// Package host describes the controlled application as the embedding core
// sees it: top-level windows, their documents and the elements inside them.
// Implementations deliver their events serially.
package host

import (
	"errors"
	"net/url"
	"strings"

	"github.com/neboloop/framebridge/internal/bridge"
)

// ErrDetached is returned by operations on a window or element that has
// gone away.
var ErrDetached = errors.New("host: detached")

// Ready states reported by Document.ReadyState.
const (
	StateLoading     = "loading"
	StateInteractive = "interactive"
	StateComplete    = "complete"
)

// Attributes written on surface frames.
const (
	SurfaceAttr  = "data-framebridge-surface"
	LocationAttr = "data-framebridge-location"
)

// Host is the windowing environment.
type Host interface {
	// Windows returns the top-level windows that already exist, in open
	// order.
	Windows() []Window
	// OnWindowOpened registers fn for top-level windows opened later.
	OnWindowOpened(fn func(Window)) (cancel func())
}

// Window is a top-level or nested browsing context.
type Window interface {
	// ID is stable for the lifetime of the window object.
	ID() string
	Document() Document
	OnLoad(fn func()) (cancel func())
	OnUnload(fn func()) (cancel func())
	// OpenPort opens the host end of a message port to the content of
	// frame, an element of this window's document.
	OpenPort(frame Element, key string) (bridge.Port, error)
}

// MutationKind classifies a structural change.
type MutationKind int

const (
	ChildAdded MutationKind = iota
	ChildRemoved
	AttributeChanged
)

func (k MutationKind) String() string {
	switch k {
	case ChildAdded:
		return "child-added"
	case ChildRemoved:
		return "child-removed"
	case AttributeChanged:
		return "attribute-changed"
	}
	return "unknown"
}

// Mutation is one structural change in an observed document.
type Mutation struct {
	Kind   MutationKind
	Target Element
	// Attr names the attribute for AttributeChanged.
	Attr string
}

// Document is the content of a window.
type Document interface {
	URL() string
	ReadyState() string
	QuerySelector(selector string) (Element, error)
	QuerySelectorAll(selector string) ([]Element, error)
	CreateElement(tag string) (Element, error)
	// Observe reports child additions and removals anywhere in the subtree
	// plus changes of the src attribute.
	Observe(fn func(Mutation)) (cancel func(), err error)
}

// Element is a node of a document.
type Element interface {
	Tag() string
	ID() string
	Attr(name string) (string, bool)
	SetAttr(name, value string) error
	RemoveAttr(name string) error
	// Style returns one inline style property, "" when unset.
	Style(property string) string
	// SetStyle sets an inline style property; an empty value removes it.
	SetStyle(property, value string) error
	Parent() Element
	// NextSibling returns the next element sibling, or nil.
	NextSibling() Element
	AppendChild(child Element) error
	// InsertBefore inserts child before ref, which must be a child of the
	// receiver.
	InsertBefore(child, ref Element) error
	Remove() error
	Matches(selector string) bool
	QuerySelectorAll(selector string) ([]Element, error)
	// ContentWindow returns the nested window of a frame element, or nil.
	ContentWindow() Window
}

// EndpointPort is a port the surface page reaches over the network.
type EndpointPort interface {
	bridge.Port
	Endpoint() string
}

// FrameFilter decides which elements are embeddable content frames.
type FrameFilter struct {
	Selector string
	Accept   func(Element) bool
}

// DefaultFrameFilter accepts iframe, frame and browser elements that are not
// framebridge surfaces themselves.
func DefaultFrameFilter() FrameFilter {
	return FrameFilter{
		Selector: "iframe,frame,browser",
		Accept:   NotSurface,
	}
}

// NewFrameFilter builds a filter for the given tags.
func NewFrameFilter(tags []string) FrameFilter {
	if len(tags) == 0 {
		return DefaultFrameFilter()
	}
	return FrameFilter{Selector: strings.Join(tags, ","), Accept: NotSurface}
}

// Match reports whether el passes the filter.
func (f FrameFilter) Match(el Element) bool {
	if el == nil || !el.Matches(f.Selector) {
		return false
	}
	return f.Accept == nil || f.Accept(el)
}

// NotSurface rejects elements carrying SurfaceAttr.
func NotSurface(el Element) bool {
	_, ok := el.Attr(SurfaceAttr)
	return !ok
}

// SurfaceURL appends the port endpoint to a surface URL as the
// "framebridge" fragment parameter. URLs without an endpoint port are
// returned unchanged.
func SurfaceURL(raw string, port bridge.Port) string {
	ep, ok := port.(EndpointPort)
	if !ok || ep.Endpoint() == "" {
		return raw
	}
	frag := "framebridge=" + url.QueryEscape(ep.Endpoint())
	base, existing, found := strings.Cut(raw, "#")
	if found && existing != "" {
		return base + "#" + existing + "&" + frag
	}
	return base + "#" + frag
}
