package raster

import (
	"math"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/edgecomet/pagerender/pkg/types"
)

// memoryProbe reports currently available host memory in bytes
type memoryProbe func() int64

func hostAvailableMemory() int64 {
	v, err := mem.VirtualMemory()
	if err != nil || v.Available > math.MaxInt64 {
		// Unknown; do not block renders on a failed probe
		return math.MaxInt64
	}
	return int64(v.Available)
}

// fitWidth reports whether a page rendered at width stays inside the limits.
// If not, it returns the largest width that does, or 0 if none does.
func fitWidth(size types.PageSize, width int, cfg *Config) (int, bool) {
	height := size.HeightForWidth(width)
	if width <= cfg.MaxDimension && height <= cfg.MaxDimension &&
		int64(width)*int64(height) <= cfg.MaxPixels {
		return width, true
	}

	aspect := float64(size.Height) / float64(size.Width)
	limit := float64(cfg.MaxDimension)
	if byHeight := float64(cfg.MaxDimension) / aspect; byHeight < limit {
		limit = byHeight
	}
	if byPixels := math.Sqrt(float64(cfg.MaxPixels) / aspect); byPixels < limit {
		limit = byPixels
	}

	suggested := int(math.Floor(limit))
	if suggested >= width {
		suggested = width - 1
	}
	// Rounding of the height can still overshoot by a pixel
	for suggested > 0 {
		h := size.HeightForWidth(suggested)
		if h <= cfg.MaxDimension && int64(suggested)*int64(h) <= cfg.MaxPixels {
			break
		}
		suggested--
	}
	return suggested, false
}

// fitScale reports whether a tile region (in scaled pixel space) stays inside
// the limits. If not, it returns a smaller scale at which the same page area
// fits, or 0 if none does.
func fitScale(region types.Rect, scale float64, cfg *Config) (float64, bool) {
	w, h := region.Dx(), region.Dy()
	if w <= cfg.MaxDimension && h <= cfg.MaxDimension && int64(w)*int64(h) <= cfg.MaxPixels {
		return scale, true
	}

	factor := float64(cfg.MaxDimension) / float64(max(w, h))
	if byPixels := math.Sqrt(float64(cfg.MaxPixels) / (float64(w) * float64(h))); byPixels < factor {
		factor = byPixels
	}
	// Stay strictly below the limit after the caller rounds the region
	factor *= 0.99
	if factor <= 0 {
		return 0, false
	}
	return scale * factor, false
}

// validScale accepts finite positive scales only
func validScale(scale float64) bool {
	return scale > 0 && !math.IsInf(scale, 0) && !math.IsNaN(scale)
}
