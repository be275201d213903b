// Package backend defines the contract between the render engine and the
// renderer that actually decodes document pages.
package backend

import (
	"context"

	"github.com/edgecomet/pagerender/pkg/types"
)

// Backend renders pages of one document into bitmaps.
// Implementations must observe ctx cancellation at their own yield points.
type Backend interface {
	PageCount() int
	PageSize(index int) (types.PageSize, error)
	RenderPage(ctx context.Context, index int, width int, profile types.RenderProfile) (*Bitmap, error)
	RenderTile(ctx context.Context, index int, region types.Rect, scale float64) (*Bitmap, error)
}

// Document is a Backend bound to an identifiable, closeable document session
type Document interface {
	Backend
	ID() string
	Close() error
}
