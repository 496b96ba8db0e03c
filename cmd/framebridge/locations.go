package main

import (
	"fmt"

	"github.com/neboloop/framebridge/internal/config"
	"github.com/neboloop/framebridge/internal/location"
	"github.com/neboloop/framebridge/internal/sizing"
	"github.com/neboloop/framebridge/internal/surface"
)

// defineLocations defines every configured location on reg.
func defineLocations(reg *location.Registry, surfaces *surface.Host, locs []config.Location) error {
	for _, loc := range locs {
		h, err := location.Anchored(surfaces, anchorSpec(loc))
		if err != nil {
			return err
		}
		if err := reg.DefineLocation(loc.Name, h); err != nil {
			return err
		}
	}
	return nil
}

func anchorSpec(loc config.Location) location.AnchorSpec {
	spec := location.AnchorSpec{
		Name:       loc.Name,
		URLPattern: loc.Match,
		Anchor:     loc.Anchor,
		Before:     loc.Before,
		ContextID:  loc.ContextID,
		Attrs:      loc.Attrs,
	}
	switch loc.Layout.Kind {
	case config.LayoutPanel:
		spec.Layout = location.PanelLayout(loc.Layout.Height)
	case config.LayoutSplit:
		spec.Layout = location.SplitLayout(loc.Layout.HostColumn, loc.Layout.Width, loc.Layout.Mode)
	}
	return spec
}

func describeLayout(l config.Layout) string {
	switch l.Kind {
	case config.LayoutPanel:
		return fmt.Sprintf("panel height=%gpx", l.Height)
	case config.LayoutSplit:
		mode := l.Mode
		if mode == "" {
			mode = sizing.ModeSidebar
		}
		return fmt.Sprintf("split column=%s width=%gpx mode=%s", l.HostColumn, l.Width, mode)
	}
	return l.Kind
}
