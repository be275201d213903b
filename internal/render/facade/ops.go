package facade

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/internal/render/resilience"
	"github.com/edgecomet/pagerender/pkg/types"
)

// PageSize returns the intrinsic size of a page. Malformed pages are
// denylisted like a failed render, without tripping any circuit.
func (f *Facade) PageSize(index int) (types.PageSize, error) {
	sess, err := f.current()
	if err != nil {
		return types.PageSize{}, err
	}
	if err := f.checkPage(sess, index); err != nil {
		return types.PageSize{}, err
	}
	if f.controller.IsMalformed(index) {
		return types.PageSize{}, fmt.Errorf("%w: page %d is malformed", ErrPageUnavailable, index)
	}

	size, err := sess.doc.PageSize(index)
	if err != nil {
		if errors.Is(err, backend.ErrMalformedPage) {
			if f.isActive(sess) {
				f.controller.RecordRenderFault(err, resilience.StagePageSize, index, true)
			}
			return types.PageSize{}, fmt.Errorf("%w: %w", ErrPageUnavailable, err)
		}
		return types.PageSize{}, fmt.Errorf("page size of %d: %w", index, err)
	}
	return size, nil
}

// PageCount returns the page count of the active document
func (f *Facade) PageCount() (int, error) {
	sess, err := f.current()
	if err != nil {
		return 0, err
	}
	return sess.doc.PageCount(), nil
}

// DocumentID returns the active document ID, or "" when none is open
func (f *Facade) DocumentID() string {
	sess, err := f.current()
	if err != nil {
		return ""
	}
	return sess.doc.ID()
}

// OnLowMemory clears both caches
func (f *Facade) OnLowMemory() {
	pages := f.pageCache.EvictAll()
	tiles := f.tileCache.EvictAll()
	f.logger.Warn("Low memory signal, caches cleared",
		zap.Int("page_entries", pages),
		zap.Int("tile_entries", tiles))
}

// OnTrimMemory shrinks both caches according to level
func (f *Facade) OnTrimMemory(level TrimLevel) {
	fraction := level.Fraction()
	pages := f.pageCache.TrimToFraction(fraction)
	tiles := f.tileCache.TrimToFraction(fraction)
	f.logger.Info("Trim memory signal",
		zap.String("level", level.String()),
		zap.Float64("fraction", fraction),
		zap.Int("page_entries", pages),
		zap.Int("tile_entries", tiles))
}

// SetBackgroundEnabled toggles nearby-page and thumbnail rendering
func (f *Facade) SetBackgroundEnabled(enabled bool) {
	f.sched.SetBackgroundEnabled(enabled)
}

func (f *Facade) CircuitBreakerActive() bool {
	return f.controller.CircuitBreakerActive()
}

func (f *Facade) FallbackMode() types.FallbackMode {
	return f.controller.FallbackMode()
}

// Prefetch renders the pages within radius of center, nearest first, at
// nearby-page priority. Failures of individual pages are logged and skipped;
// memory faults of prefetches never trip the circuit breaker. Returns the
// number of pages now in the page cache.
func (f *Facade) Prefetch(ctx context.Context, center, radius, width int, profile types.RenderProfile) (int, error) {
	count, err := f.PageCount()
	if err != nil {
		return 0, err
	}
	if radius <= 0 || width <= 0 {
		return 0, nil
	}

	var pages []int
	for d := 1; d <= radius; d++ {
		if p := center + d; p >= 0 && p < count {
			pages = append(pages, p)
		}
		if p := center - d; p >= 0 && p < count {
			pages = append(pages, p)
		}
	}

	var rendered atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.sched.Parallelism())
	for _, page := range pages {
		g.Go(func() error {
			_, err := f.renderPage(gctx, PageRequest{
				Index:              page,
				Width:              width,
				Priority:           types.PriorityNearbyPage,
				Profile:            profile,
				BypassCacheCircuit: true,
			}, resilience.StagePrefetch)
			switch {
			case err == nil:
				rendered.Add(1)
				return nil
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				f.logger.Debug("Prefetch skipped page",
					zap.Int("page_index", page),
					zap.Error(err))
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		return int(rendered.Load()), err
	}
	return int(rendered.Load()), nil
}

// Diagnostics returns a snapshot of caches, scheduler and resilience state
func (f *Facade) Diagnostics() Diagnostics {
	d := Diagnostics{
		PageCache:  f.pageCache.Snapshot(),
		TileCache:  f.tileCache.Snapshot(),
		Scheduler:  f.sched.Stats(),
		Resilience: f.controller.State(),
	}
	d.CircuitBreakerActive = d.Resilience.CircuitBreakerActive
	d.FallbackMode = d.Resilience.FallbackMode

	if sess, err := f.current(); err == nil {
		d.DocumentID = sess.doc.ID()
		d.PageCount = sess.doc.PageCount()
		d.LegacyAvailable = sess.legacy != nil
	}
	return d
}
