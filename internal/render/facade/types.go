package facade

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/internal/render/bitmapcache"
	"github.com/edgecomet/pagerender/internal/render/resilience"
	"github.com/edgecomet/pagerender/internal/render/scheduler"
	"github.com/edgecomet/pagerender/pkg/types"
)

var (
	// ErrNoDocument is returned when no document is open
	ErrNoDocument = errors.New("no document open")
	// ErrPageOutOfRange is returned for page indices outside the document
	ErrPageOutOfRange = errors.New("page index out of range")
	// ErrInvalidRequest is returned for non-positive sizes or empty regions
	ErrInvalidRequest = errors.New("invalid render request")
	// ErrPageUnavailable is returned for pages known to be malformed
	ErrPageUnavailable = errors.New("page unavailable")
	// ErrRenderFailed wraps the classified renderer fault
	ErrRenderFailed = errors.New("render failed")
	// ErrCircuitOpen is returned while the circuit breaker is active and no
	// legacy renderer is configured
	ErrCircuitOpen = errors.New("render circuit breaker open")
)

// Render outcome statuses reported to the Observer
const (
	StatusCacheHit    = "cache_hit"
	StatusRendered    = "rendered"
	StatusReduced     = "reduced"
	StatusLegacy      = "legacy"
	StatusUnavailable = "unavailable"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
	StatusCircuitOpen = "circuit_open"
	StatusRejected    = "rejected"
)

// Observer receives one call per finished render request
type Observer interface {
	ObserveRender(stage resilience.Stage, status string, duration time.Duration)
}

// PageCache and TileCache are the two bitmap cache instances
type (
	PageCache = bitmapcache.Cache[bitmapcache.PageKey, *backend.Bitmap]
	TileCache = bitmapcache.Cache[bitmapcache.TileKey, *backend.Bitmap]
)

// PageRequest asks for a full page scaled to Width
type PageRequest struct {
	Index    int
	Width    int
	Priority types.RenderPriority
	Profile  types.RenderProfile
	// BypassCacheCircuit keeps a memory fault of this request from tripping
	// the circuit breaker. Use it for one-off, non-critical renders.
	BypassCacheCircuit bool
}

// TileRequest asks for Region of a page at Scale, in scaled pixel space
type TileRequest struct {
	Index              int
	Region             types.Rect
	Scale              float64
	Priority           types.RenderPriority
	BypassCacheCircuit bool
}

// TrimLevel is the severity of a host memory trim request
type TrimLevel int

const (
	TrimModerate TrimLevel = iota
	TrimComplete
	TrimBackground
)

func (l TrimLevel) String() string {
	switch l {
	case TrimModerate:
		return "moderate"
	case TrimComplete:
		return "complete"
	case TrimBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Fraction is the share of each cache kept at this level
func (l TrimLevel) Fraction() float64 {
	switch l {
	case TrimComplete:
		return 0
	case TrimBackground:
		return 0.75
	default:
		return 0.5
	}
}

// ParseTrimLevel accepts the level names; empty means moderate
func ParseTrimLevel(s string) (TrimLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "moderate":
		return TrimModerate, nil
	case "complete":
		return TrimComplete, nil
	case "background":
		return TrimBackground, nil
	default:
		return 0, fmt.Errorf("unknown trim level %q", s)
	}
}

// Diagnostics is a read-only dump of engine state for telemetry
type Diagnostics struct {
	DocumentID           string               `json:"document_id"`
	PageCount            int                  `json:"page_count"`
	LegacyAvailable      bool                 `json:"legacy_available"`
	CircuitBreakerActive bool                 `json:"circuit_breaker_active"`
	FallbackMode         types.FallbackMode   `json:"fallback_mode"`
	PageCache            bitmapcache.Snapshot `json:"page_cache"`
	TileCache            bitmapcache.Snapshot `json:"tile_cache"`
	Scheduler            scheduler.Stats      `json:"scheduler"`
	Resilience           resilience.State     `json:"resilience"`
}
