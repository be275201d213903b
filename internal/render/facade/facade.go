// Package facade is the render entry point: cache lookup, scheduling,
// fault escalation and the single page-too-large retry.
package facade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/internal/render/bitmapcache"
	"github.com/edgecomet/pagerender/internal/render/resilience"
	"github.com/edgecomet/pagerender/internal/render/scheduler"
	"github.com/edgecomet/pagerender/pkg/types"
)

type session struct {
	doc    backend.Document
	legacy backend.Backend
}

type renderResult struct {
	bitmap *backend.Bitmap
	status string
}

// Facade renders pages and tiles of the active document
type Facade struct {
	sched      *scheduler.Scheduler
	pageCache  *PageCache
	tileCache  *TileCache
	controller *resilience.Controller
	observer   Observer
	logger     *zap.Logger

	mu      sync.RWMutex
	session *session
}

// New creates a facade. observer may be nil.
func New(sched *scheduler.Scheduler, pageCache *PageCache, tileCache *TileCache,
	controller *resilience.Controller, observer Observer, logger *zap.Logger,
) *Facade {
	return &Facade{
		sched:      sched,
		pageCache:  pageCache,
		tileCache:  tileCache,
		controller: controller,
		observer:   observer,
		logger:     logger,
	}
}

// OpenDocument makes doc the active document. Both caches are cleared and the
// resilience state is reset. legacy, when not nil, serves renders while the
// circuit breaker is active. The previously active document is closed.
func (f *Facade) OpenDocument(doc backend.Document, legacy backend.Backend) {
	f.mu.Lock()
	previous := f.session
	f.session = &session{doc: doc, legacy: legacy}
	f.mu.Unlock()

	f.pageCache.EvictAll()
	f.tileCache.EvictAll()
	f.controller.OnDocumentChanged(doc.ID())

	f.logger.Info("Document opened",
		zap.String("document_id", doc.ID()),
		zap.Int("page_count", doc.PageCount()),
		zap.Bool("legacy_available", legacy != nil))

	if previous != nil {
		f.closeSession(previous)
	}
}

// CloseDocument closes the active document, if any
func (f *Facade) CloseDocument() {
	f.mu.Lock()
	previous := f.session
	f.session = nil
	f.mu.Unlock()

	if previous == nil {
		return
	}
	f.pageCache.EvictAll()
	f.tileCache.EvictAll()
	f.controller.OnDocumentChanged("")
	f.closeSession(previous)
}

func (f *Facade) closeSession(s *session) {
	if err := s.doc.Close(); err != nil {
		f.logger.Warn("Failed to close document",
			zap.String("document_id", s.doc.ID()),
			zap.Error(err))
	}
}

func (f *Facade) current() (*session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.session == nil {
		return nil, ErrNoDocument
	}
	return f.session, nil
}

// isActive reports whether s is still the active session. Faults from jobs
// of a replaced document must not touch the new document's state.
func (f *Facade) isActive(s *session) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.session == s
}

// RenderPage returns the page bitmap scaled to req.Width. A nil bitmap comes
// with ErrPageUnavailable for malformed pages, ErrRenderFailed wrapping the
// renderer fault, ErrCircuitOpen, or the context error.
func (f *Facade) RenderPage(ctx context.Context, req PageRequest) (*backend.Bitmap, error) {
	return f.renderPage(ctx, req, resilience.StagePage)
}

func (f *Facade) renderPage(ctx context.Context, req PageRequest, stage resilience.Stage) (*backend.Bitmap, error) {
	start := time.Now()
	sess, err := f.current()
	if err != nil {
		return nil, err
	}
	if err := f.checkPage(sess, req.Index); err != nil {
		f.observe(stage, StatusRejected, start)
		return nil, err
	}
	if req.Width <= 0 {
		f.observe(stage, StatusRejected, start)
		return nil, fmt.Errorf("%w: width %d", ErrInvalidRequest, req.Width)
	}

	if f.controller.IsMalformed(req.Index) {
		f.observe(stage, StatusUnavailable, start)
		return nil, fmt.Errorf("%w: page %d is malformed", ErrPageUnavailable, req.Index)
	}

	key := bitmapcache.PageKey{
		DocumentID:  sess.doc.ID(),
		PageIndex:   req.Index,
		TargetWidth: req.Width,
		Profile:     req.Profile,
	}
	if bmp, ok := f.pageCache.Get(key); ok {
		f.observe(stage, StatusCacheHit, start)
		return bmp, nil
	}

	if _, _, err := f.rendererFor(sess); err != nil {
		f.observe(stage, StatusCircuitOpen, start)
		return nil, err
	}

	future := scheduler.Submit(f.sched, req.Priority, func(jobCtx context.Context) (renderResult, error) {
		return f.renderPageJob(jobCtx, sess, req, key, stage)
	})
	result, err := future.Await(ctx)
	if err != nil {
		f.observe(stage, statusForError(err), start)
		return nil, err
	}

	f.observe(stage, result.status, start)
	return result.bitmap, nil
}

func (f *Facade) renderPageJob(ctx context.Context, sess *session, req PageRequest, key bitmapcache.PageKey, stage resilience.Stage) (renderResult, error) {
	if err := ctx.Err(); err != nil {
		return renderResult{}, err
	}
	// Another job may have finished the same page while this one was queued
	if f.controller.IsMalformed(req.Index) {
		return renderResult{}, fmt.Errorf("%w: page %d is malformed", ErrPageUnavailable, req.Index)
	}
	if bmp, ok := f.pageCache.Peek(key); ok {
		return renderResult{bitmap: bmp, status: StatusCacheHit}, nil
	}

	renderer, legacy, err := f.rendererFor(sess)
	if err != nil {
		return renderResult{}, err
	}
	status := StatusRendered
	if legacy {
		status = StatusLegacy
	}

	bmp, err := f.attempt(ctx, sess, stage, req.Index, req.BypassCacheCircuit, func(ctx context.Context) (*backend.Bitmap, error) {
		return renderer.RenderPage(ctx, req.Index, req.Width, req.Profile)
	})
	if err == nil {
		f.pageCache.Put(key, bmp)
		return renderResult{bitmap: bmp, status: status}, nil
	}

	var fault *backend.Fault
	if errors.As(err, &fault) && fault.Kind == backend.FaultPageTooLarge &&
		fault.SuggestedWidth > 0 && fault.SuggestedWidth < req.Width {
		smaller := key
		smaller.TargetWidth = fault.SuggestedWidth

		f.logger.Debug("Page too large, retrying with suggested width",
			zap.String("document_id", key.DocumentID),
			zap.Int("page_index", req.Index),
			zap.Int("requested_width", req.Width),
			zap.Int("suggested_width", fault.SuggestedWidth))

		if bmp, ok := f.pageCache.Peek(smaller); ok {
			return renderResult{bitmap: bmp, status: StatusReduced}, nil
		}
		bmp, err = f.attempt(ctx, sess, stage, req.Index, req.BypassCacheCircuit, func(ctx context.Context) (*backend.Bitmap, error) {
			return renderer.RenderPage(ctx, req.Index, smaller.TargetWidth, req.Profile)
		})
		if err == nil {
			f.pageCache.Put(smaller, bmp)
			return renderResult{bitmap: bmp, status: StatusReduced}, nil
		}
	}

	return renderResult{}, f.fail(ctx, sess, stage, req.Index, req.BypassCacheCircuit, err)
}

// RenderTile returns region of the page at scale. Errors follow RenderPage.
func (f *Facade) RenderTile(ctx context.Context, req TileRequest) (*backend.Bitmap, error) {
	const stage = resilience.StageTile
	start := time.Now()

	sess, err := f.current()
	if err != nil {
		return nil, err
	}
	if err := f.checkPage(sess, req.Index); err != nil {
		f.observe(stage, StatusRejected, start)
		return nil, err
	}
	if !finiteScale(req.Scale) || req.Region.Empty() {
		f.observe(stage, StatusRejected, start)
		return nil, fmt.Errorf("%w: region %s scale %g", ErrInvalidRequest, req.Region, req.Scale)
	}

	if f.controller.IsMalformed(req.Index) {
		f.observe(stage, StatusUnavailable, start)
		return nil, fmt.Errorf("%w: page %d is malformed", ErrPageUnavailable, req.Index)
	}

	key := bitmapcache.NewTileKey(sess.doc.ID(), req.Index, req.Region, req.Scale)
	if bmp, ok := f.tileCache.Get(key); ok {
		f.observe(stage, StatusCacheHit, start)
		return bmp, nil
	}

	if size, err := sess.doc.PageSize(req.Index); err == nil && !overlapsPage(req.Region, size, req.Scale) {
		f.observe(stage, StatusRejected, start)
		return nil, fmt.Errorf("%w: region %s outside page %d at scale %g", ErrInvalidRequest, req.Region, req.Index, req.Scale)
	}

	if _, _, err := f.rendererFor(sess); err != nil {
		f.observe(stage, StatusCircuitOpen, start)
		return nil, err
	}

	future := scheduler.Submit(f.sched, req.Priority, func(jobCtx context.Context) (renderResult, error) {
		return f.renderTileJob(jobCtx, sess, req, key)
	})
	result, err := future.Await(ctx)
	if err != nil {
		f.observe(stage, statusForError(err), start)
		return nil, err
	}

	f.observe(stage, result.status, start)
	return result.bitmap, nil
}

func (f *Facade) renderTileJob(ctx context.Context, sess *session, req TileRequest, key bitmapcache.TileKey) (renderResult, error) {
	const stage = resilience.StageTile

	if err := ctx.Err(); err != nil {
		return renderResult{}, err
	}
	if f.controller.IsMalformed(req.Index) {
		return renderResult{}, fmt.Errorf("%w: page %d is malformed", ErrPageUnavailable, req.Index)
	}
	if bmp, ok := f.tileCache.Peek(key); ok {
		return renderResult{bitmap: bmp, status: StatusCacheHit}, nil
	}

	renderer, legacy, err := f.rendererFor(sess)
	if err != nil {
		return renderResult{}, err
	}
	status := StatusRendered
	if legacy {
		status = StatusLegacy
	}

	bmp, err := f.attempt(ctx, sess, stage, req.Index, req.BypassCacheCircuit, func(ctx context.Context) (*backend.Bitmap, error) {
		return renderer.RenderTile(ctx, req.Index, req.Region, req.Scale)
	})
	if err == nil {
		f.tileCache.Put(key, bmp)
		return renderResult{bitmap: bmp, status: status}, nil
	}

	var fault *backend.Fault
	if errors.As(err, &fault) && fault.Kind == backend.FaultPageTooLarge &&
		fault.SuggestedScale > 0 && fault.SuggestedScale < req.Scale {
		region := scaleRect(req.Region, fault.SuggestedScale/req.Scale)
		smaller := bitmapcache.NewTileKey(key.DocumentID, req.Index, region, fault.SuggestedScale)

		f.logger.Debug("Tile too large, retrying with suggested scale",
			zap.String("tile", key.Hash()),
			zap.Int("page_index", req.Index),
			zap.Float64("requested_scale", req.Scale),
			zap.Float64("suggested_scale", fault.SuggestedScale))

		if bmp, ok := f.tileCache.Peek(smaller); ok {
			return renderResult{bitmap: bmp, status: StatusReduced}, nil
		}
		if !region.Empty() {
			bmp, err = f.attempt(ctx, sess, stage, req.Index, req.BypassCacheCircuit, func(ctx context.Context) (*backend.Bitmap, error) {
				return renderer.RenderTile(ctx, req.Index, region, fault.SuggestedScale)
			})
			if err == nil {
				f.tileCache.Put(smaller, bmp)
				return renderResult{bitmap: bmp, status: StatusReduced}, nil
			}
		}
	}

	return renderResult{}, f.fail(ctx, sess, stage, req.Index, req.BypassCacheCircuit, err)
}

// attempt runs render and feeds memory faults through the cache stress
// ladder, re-running render after each trim that asks for a retry. Requests
// that bypass the cache circuit skip the ladder, which could escalate. Jobs of
// a replaced session leave the ladder alone.
func (f *Facade) attempt(ctx context.Context, sess *session, stage resilience.Stage, page int, bypass bool, render func(ctx context.Context) (*backend.Bitmap, error)) (*backend.Bitmap, error) {
	for {
		bmp, err := render(ctx)
		if err == nil {
			return bmp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if bypass || !errors.Is(err, backend.ErrOutOfMemory) || !f.isActive(sess) {
			return nil, err
		}
		if f.controller.HandleCacheStress(stage, err, page) != resilience.OutcomeRetry {
			return nil, err
		}
		f.logger.Debug("Retrying render after cache trim",
			zap.String("stage", stage.String()),
			zap.Int("page_index", page))
	}
}

// fail books err with the controller and maps it to the facade error
func (f *Facade) fail(ctx context.Context, sess *session, stage resilience.Stage, page int, bypass bool, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, backend.ErrInvalidArgument) {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if f.isActive(sess) {
		f.controller.RecordRenderFault(err, stage, page, bypass)
	}

	fault := backend.Classify(err)
	f.logger.Warn("Render failed",
		zap.String("document_id", sess.doc.ID()),
		zap.String("stage", stage.String()),
		zap.Int("page_index", page),
		zap.String("fault", fault.Kind.String()),
		zap.Error(err))

	if fault.Kind == backend.FaultMalformedPage {
		return fmt.Errorf("%w: %w", ErrPageUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrRenderFailed, err)
}

// rendererFor picks the primary backend, or the legacy one while the circuit
// breaker is active
func (f *Facade) rendererFor(sess *session) (renderer backend.Backend, legacy bool, err error) {
	if !f.controller.CircuitBreakerActive() {
		return sess.doc, false, nil
	}
	if sess.legacy == nil {
		return nil, false, ErrCircuitOpen
	}
	return sess.legacy, true, nil
}

func (f *Facade) checkPage(sess *session, index int) error {
	if count := sess.doc.PageCount(); index < 0 || index >= count {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrPageOutOfRange, index, count)
	}
	return nil
}

func (f *Facade) observe(stage resilience.Stage, status string, start time.Time) {
	if f.observer != nil {
		f.observer.ObserveRender(stage, status, time.Since(start))
	}
}

func statusForError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return StatusRejected
	case errors.Is(err, ErrPageUnavailable):
		return StatusUnavailable
	case errors.Is(err, ErrCircuitOpen):
		return StatusCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, scheduler.ErrCancelled), errors.Is(err, scheduler.ErrSchedulerClosed):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func finiteScale(scale float64) bool {
	return scale > 0 && !math.IsInf(scale, 0) && !math.IsNaN(scale)
}

// overlapsPage reports whether region intersects the page scaled by scale
func overlapsPage(region types.Rect, size types.PageSize, scale float64) bool {
	width := int(float64(size.Width) * scale)
	height := int(float64(size.Height) * scale)
	return region.MinX < width && region.MaxX > 0 && region.MinY < height && region.MaxY > 0
}

func scaleRect(r types.Rect, factor float64) types.Rect {
	return types.Rect{
		MinX: int(float64(r.MinX) * factor),
		MinY: int(float64(r.MinY) * factor),
		MaxX: int(float64(r.MaxX) * factor),
		MaxY: int(float64(r.MaxY) * factor),
	}
}
