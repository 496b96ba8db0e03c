// Package sizing gives mounted surfaces default geometry and keeps it in
// step with the local options the surface pushes (hidden, width, height,
// mode).
package sizing

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/neboloop/framebridge/internal/events"
	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/surface"
)

// Split layout modes.
const (
	ModeSidebar  = "sidebar"
	ModeExpanded = "expanded"
)

// DefaultSplitWidth is the surface column width when none is pushed.
const DefaultSplitWidth = 320

// Local option keys read by the recipes.
const (
	OptHidden = "hidden"
	OptHeight = "height"
	OptWidth  = "width"
	OptMode   = "mode"
)

// ErrHostColumn is returned by Split when the host column is missing or
// cannot be moved into the row.
var ErrHostColumn = errors.New("sizing: unusable host column")

// RowAttr marks the flex row Split wraps around its two columns. Its value
// is the surface location.
const RowAttr = "data-framebridge-split"

type styleKey struct {
	el   host.Element
	prop string
}

// Layout is an applied recipe. It follows local-option pushes until
// Restore.
type Layout struct {
	s *surface.Surface

	mu       sync.Mutex
	original map[styleKey]string
	order    []styleKey
	applied  map[styleKey]string
	restored bool
	sub      events.Subscription
	apply    func(surface.LocalOptions)
	unwrap   func()
}

func newLayout(s *surface.Surface) *Layout {
	return &Layout{
		s:        s,
		original: make(map[styleKey]string),
		applied:  make(map[styleKey]string),
	}
}

// start subscribes to local options; the cached value is applied before
// start returns.
func (l *Layout) start(apply func(surface.LocalOptions)) {
	l.apply = apply
	sub := l.s.OnLocalOptions(func(o surface.LocalOptions) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.restored {
			return
		}
		l.apply(o)
	})
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
}

// set writes one inline style property unless it already holds value. The
// first write to a property records its original value. l.mu is held.
func (l *Layout) set(el host.Element, prop, value string) {
	k := styleKey{el, prop}
	if v, ok := l.applied[k]; ok && v == value {
		return
	}
	if _, ok := l.original[k]; !ok {
		l.original[k] = el.Style(prop)
		l.order = append(l.order, k)
	}
	if err := el.SetStyle(prop, value); err != nil {
		l.s.Logger().Debug("sizing style failed", "property", prop, "error", err)
		return
	}
	l.applied[k] = value
}

// Restore stops following local options, puts back every style the layout
// changed and undoes any wrapping. Idempotent.
func (l *Layout) Restore() {
	l.mu.Lock()
	if l.restored {
		l.mu.Unlock()
		return
	}
	l.restored = true
	sub := l.sub
	for i := len(l.order) - 1; i >= 0; i-- {
		k := l.order[i]
		if err := k.el.SetStyle(k.prop, l.original[k]); err != nil {
			l.s.Logger().Debug("sizing restore failed", "property", k.prop, "error", err)
		}
	}
	l.original = make(map[styleKey]string)
	l.applied = make(map[styleKey]string)
	l.order = nil
	unwrap := l.unwrap
	l.unwrap = nil
	l.mu.Unlock()

	if unwrap != nil {
		unwrap()
	}
	if sub.Unsubscribe != nil {
		sub.Unsubscribe()
	}
}

// PanelOptions configures Panel.
type PanelOptions struct {
	// Height in pixels used until the surface pushes one. Zero leaves the
	// height to the frame's default.
	Height float64
}

// Panel lays the surface out as a full-width panel. hidden toggles
// display:none without removing the frame; height sets the pixel height.
func Panel(s *surface.Surface, opts PanelOptions) *Layout {
	l := newLayout(s)
	el := s.Element()
	l.start(func(o surface.LocalOptions) {
		l.set(el, "width", "100%")
		if hidden, _ := o.Bool(OptHidden); hidden {
			l.set(el, "display", "none")
		} else {
			l.set(el, "display", "block")
		}
		height, ok := o.Number(OptHeight)
		if !ok || height <= 0 {
			height = opts.Height
		}
		if height > 0 {
			l.set(el, "height", px(height))
		}
	})
	return l
}

// SplitOptions configures Split.
type SplitOptions struct {
	// Width of the surface column in pixels; DefaultSplitWidth when zero.
	Width float64
	// Mode is ModeSidebar (default) or ModeExpanded.
	Mode string
}

// Split wraps the surface and an existing host column in a new flex row
// that takes the surface's place, surface first. In sidebar mode the
// surface column has the pushed width and the host column takes the rest;
// expanded mode swaps the two. hidden collapses the surface column.
// Restore moves both columns back where they were and drops the row.
func Split(s *surface.Surface, hostColumn host.Element, opts SplitOptions) (*Layout, error) {
	el := s.Element()
	if hostColumn == nil {
		return nil, fmt.Errorf("%w: none given", ErrHostColumn)
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		if p == hostColumn {
			return nil, fmt.Errorf("%w: it contains the surface", ErrHostColumn)
		}
	}
	surfaceAt, err := spotOf(el)
	if err != nil {
		return nil, err
	}
	hostAt, err := spotOf(hostColumn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostColumn, err)
	}
	if opts.Width <= 0 {
		opts.Width = DefaultSplitWidth
	}
	if opts.Mode == "" {
		opts.Mode = ModeSidebar
	}

	row, err := s.Window().Document().CreateElement("div")
	if err != nil {
		return nil, fmt.Errorf("sizing: create row: %w", err)
	}
	unwrap := func() { unwrapRow(s, row, surfaceAt, hostAt) }
	if err := wrapRow(s, row, surfaceAt.parent, el, hostColumn); err != nil {
		unwrap()
		return nil, err
	}

	l := newLayout(s)
	l.unwrap = unwrap
	l.start(func(o surface.LocalOptions) {
		width, ok := o.Number(OptWidth)
		if !ok || width <= 0 {
			width = opts.Width
		}
		mode, ok := o.String(OptMode)
		if !ok || (mode != ModeSidebar && mode != ModeExpanded) {
			mode = opts.Mode
		}

		if hidden, _ := o.Bool(OptHidden); hidden {
			l.set(el, "display", "none")
			l.set(hostColumn, "flex", "1 1 auto")
			l.set(hostColumn, "width", "")
			return
		}
		l.set(el, "display", "block")
		l.set(el, "height", "100%")
		switch mode {
		case ModeExpanded:
			l.set(el, "flex", "1 1 auto")
			l.set(el, "width", "")
			l.set(hostColumn, "flex", "0 0 "+px(width))
			l.set(hostColumn, "width", px(width))
		default:
			l.set(el, "flex", "0 0 "+px(width))
			l.set(el, "width", px(width))
			l.set(hostColumn, "flex", "1 1 auto")
			l.set(hostColumn, "width", "")
		}
	})
	return l, nil
}

func wrapRow(s *surface.Surface, row, parent, el, hostColumn host.Element) error {
	if err := row.SetAttr(RowAttr, s.Location()); err != nil {
		return fmt.Errorf("sizing: mark row: %w", err)
	}
	for _, d := range [][2]string{{"display", "flex"}, {"flex-direction", "row"}} {
		if err := row.SetStyle(d[0], d[1]); err != nil {
			return fmt.Errorf("sizing: style row: %w", err)
		}
	}
	if err := parent.InsertBefore(row, el); err != nil {
		return fmt.Errorf("sizing: insert row: %w", err)
	}
	if err := row.AppendChild(el); err != nil {
		return fmt.Errorf("sizing: move surface: %w", err)
	}
	if err := row.AppendChild(hostColumn); err != nil {
		return fmt.Errorf("%w: %v", ErrHostColumn, err)
	}
	return nil
}

// unwrapRow puts back whichever columns are still in row and removes it.
// A column whose old next sibling is the other column goes back second.
func unwrapRow(s *surface.Surface, row host.Element, surfaceAt, hostAt spot) {
	order := []spot{surfaceAt, hostAt}
	if surfaceAt.next == hostAt.el {
		order = []spot{hostAt, surfaceAt}
	}
	for _, at := range order {
		if at.el.Parent() != row {
			continue
		}
		if err := at.restore(); err != nil {
			s.Logger().Debug("sizing unwrap failed", "error", err)
		}
	}
	if err := row.Remove(); err != nil {
		s.Logger().Debug("sizing row removal failed", "error", err)
	}
}

// spot is where an element sat before Split moved it.
type spot struct {
	el, parent, next host.Element
}

func spotOf(el host.Element) (spot, error) {
	parent := el.Parent()
	if parent == nil {
		return spot{}, fmt.Errorf("sizing: <%s> is not in the document", el.Tag())
	}
	return spot{el: el, parent: parent, next: el.NextSibling()}, nil
}

func (at spot) restore() error {
	if at.next != nil && at.next.Parent() == at.parent {
		return at.parent.InsertBefore(at.el, at.next)
	}
	return at.parent.AppendChild(at.el)
}

func px(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}
