package location

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/gobwas/glob"

	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/sizing"
	"github.com/neboloop/framebridge/internal/surface"
)

// ContextOption is the registration option key whose map value seeds the
// surface context. Every other key seeds the surface's local options.
const ContextOption = "context"

// LayoutFunc applies a sizing recipe to a freshly mounted surface.
type LayoutFunc func(s *surface.Surface) (*sizing.Layout, error)

// AnchorSpec describes a location whose surfaces hang off an element found
// by selector.
type AnchorSpec struct {
	// Name is the location name the surfaces are keyed under.
	Name string
	// Match selects the windows the location serves. Nil matches all.
	Match func(w host.Window) bool
	// URLPattern is a glob over the window document url, e.g.
	// "https://mail.example.com/**". Empty matches all.
	URLPattern string
	// Anchor receives the surface as its last child. If Before is set and
	// found, the surface is inserted before that element instead.
	Anchor string
	Before string
	// ContextID separates surfaces of the same url within one location.
	ContextID string
	Attrs     map[string]string
	Layout    LayoutFunc
}

type anchored struct {
	surfaces *surface.Host
	spec     AnchorSpec
	pattern  glob.Glob
}

// Anchored builds a Handler that mounts through surfaces at the element
// spec selects. Windows without that element are skipped.
func Anchored(surfaces *surface.Host, spec AnchorSpec) (Handler, error) {
	if surfaces == nil {
		return nil, errors.New("location: nil surface host")
	}
	if spec.Name == "" {
		return nil, errors.New("location: anchored spec needs a name")
	}
	if spec.Anchor == "" && spec.Before == "" {
		return nil, fmt.Errorf("location %s: anchored spec needs an anchor or before selector", spec.Name)
	}
	a := &anchored{surfaces: surfaces, spec: spec}
	if spec.URLPattern != "" {
		g, err := glob.Compile(spec.URLPattern, '/')
		if err != nil {
			return nil, fmt.Errorf("location %s: url pattern: %w", spec.Name, err)
		}
		a.pattern = g
	}
	return a, nil
}

func (a *anchored) matches(w host.Window) bool {
	if a.spec.Match != nil && !a.spec.Match(w) {
		return false
	}
	return a.pattern == nil || a.pattern.Match(w.Document().URL())
}

func (a *anchored) Mount(ctx context.Context, w host.Window, url string, opts Options) (*surface.Surface, error) {
	if !a.matches(w) {
		return nil, nil
	}
	doc := w.Document()
	mo := surface.MountOptions{
		Location:  a.spec.Name,
		ContextID: a.spec.ContextID,
		URL:       url,
		Attrs:     a.spec.Attrs,
	}
	if a.spec.Before != "" {
		before, err := doc.QuerySelector(a.spec.Before)
		if err != nil {
			return nil, fmt.Errorf("before selector: %w", err)
		}
		mo.Before = before
	}
	if mo.Before == nil && a.spec.Anchor != "" {
		anchor, err := doc.QuerySelector(a.spec.Anchor)
		if err != nil {
			return nil, fmt.Errorf("anchor selector: %w", err)
		}
		mo.Anchor = anchor
	}
	if mo.Anchor == nil && mo.Before == nil {
		return nil, nil
	}
	mo.Context, mo.LocalOptions = splitOptions(opts)

	s, err := a.surfaces.Mount(ctx, w, mo)
	if err != nil {
		return nil, err
	}
	if a.spec.Layout == nil {
		return s, nil
	}
	l, err := a.spec.Layout(s)
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("layout: %w", err)
	}
	s.OnDestroy(l.Restore)
	return s, nil
}

func (a *anchored) Unmount(_ context.Context, w host.Window, url string) (host.Element, error) {
	parent, err := a.surfaces.Unmount(w, a.spec.Name, a.spec.ContextID, url)
	if errors.Is(err, surface.ErrNotFound) {
		return nil, nil
	}
	return parent, err
}

func splitOptions(opts Options) (map[string]any, surface.LocalOptions) {
	local := make(surface.LocalOptions, len(opts))
	var ctx map[string]any
	for k, v := range opts {
		if k == ContextOption {
			if m, ok := v.(map[string]any); ok {
				ctx = maps.Clone(m)
				continue
			}
		}
		local[k] = v
	}
	return ctx, local
}
