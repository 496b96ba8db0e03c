package events

import "fmt"

const (
	TopicSurfaceMounted   = "surface.mounted"
	TopicSurfaceUnmounted = "surface.unmounted"
)

// LocalOptionsTopic is the per-surface topic carrying local option pushes.
func LocalOptionsTopic(surfaceKey string) string {
	return fmt.Sprintf("surface.%s.localOptions", surfaceKey)
}
