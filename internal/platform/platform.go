// Package platform defines the destination contract implemented by the
// per-network adapters in the subpackages.
package platform

import (
	"context"

	"postpilot/internal/store"
)

// Post is one publishable unit handed to a destination. Local-upload
// destinations read MediaPath; Graph-style destinations fetch MediaURL.
type Post struct {
	Kind      store.Kind
	MediaPath string
	MediaURL  string
	Caption   string
}

// Platform is one publishing destination.
type Platform interface {
	Name() string
	// Supports reports whether the destination accepts this kind at all.
	Supports(kind store.Kind) bool
	// NeedsStaging reports whether the destination requires a public MediaURL.
	NeedsStaging() bool
	// Publish performs one attempt and returns the remote post id.
	Publish(ctx context.Context, p Post) (string, error)
}
