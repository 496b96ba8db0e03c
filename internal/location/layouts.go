package location

import (
	"fmt"

	"github.com/neboloop/framebridge/internal/sizing"
	"github.com/neboloop/framebridge/internal/surface"
)

// PanelLayout lays surfaces out as full-width panels of the given height.
func PanelLayout(height float64) LayoutFunc {
	return func(s *surface.Surface) (*sizing.Layout, error) {
		return sizing.Panel(s, sizing.PanelOptions{Height: height}), nil
	}
}

// SplitLayout puts surfaces beside the host column selected by
// hostColumn.
func SplitLayout(hostColumn string, width float64, mode string) LayoutFunc {
	return func(s *surface.Surface) (*sizing.Layout, error) {
		col, err := s.Window().Document().QuerySelector(hostColumn)
		if err != nil {
			return nil, fmt.Errorf("host column selector: %w", err)
		}
		if col == nil {
			return nil, fmt.Errorf("host column %q not found", hostColumn)
		}
		return sizing.Split(s, col, sizing.SplitOptions{Width: width, Mode: mode})
	}
}
