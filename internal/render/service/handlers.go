package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/common/httputil"
	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/internal/render/facade"
	"github.com/edgecomet/pagerender/internal/render/scheduler"
	"github.com/edgecomet/pagerender/pkg/types"
)

// Error types reported in the JSON envelope
const (
	ErrorTypeValidation   = "validation"
	ErrorTypeNoDocument   = "no_document"
	ErrorTypeUnavailable  = "page_unavailable"
	ErrorTypeCircuitOpen  = "circuit_open"
	ErrorTypeRenderFailed = "render_failed"
	ErrorTypeTimeout      = "timeout"
	ErrorTypeShutdown     = "shutting_down"
	ErrorTypeForbidden    = "forbidden"
	ErrorTypeInternal     = "internal"
)

// Engine is the render facade as seen by the HTTP layer
type Engine interface {
	OpenDocument(doc backend.Document, legacy backend.Backend)
	RenderPage(ctx context.Context, req facade.PageRequest) (*backend.Bitmap, error)
	RenderTile(ctx context.Context, req facade.TileRequest) (*backend.Bitmap, error)
	PageSize(index int) (types.PageSize, error)
	Prefetch(ctx context.Context, center, radius, width int, profile types.RenderProfile) (int, error)
	SetBackgroundEnabled(enabled bool)
	OnLowMemory()
	OnTrimMemory(level facade.TrimLevel)
	FallbackMode() types.FallbackMode
	Diagnostics() facade.Diagnostics
}

// DocumentOpener opens the document at an absolute path, with an optional
// legacy renderer over the same pages
type DocumentOpener func(path string) (backend.Document, backend.Backend, error)

// HTTPRecorder records one finished HTTP request
type HTTPRecorder interface {
	RecordHTTPRequest(endpoint string, statusCode int)
}

// LevelSetter changes the log level at runtime
type LevelSetter interface {
	SetLevel(level string) error
}

// Config for the HTTP layer
type Config struct {
	// DocumentsRoot confines /documents/open; empty disables the endpoint
	DocumentsRoot string
	RenderTimeout time.Duration
}

// Service implements the render HTTP API
type Service struct {
	engine  Engine
	open    DocumentOpener
	config  Config
	metrics HTTPRecorder
	levels  LevelSetter
	logger  *zap.Logger
}

// New creates the service. levels may be nil, which disables /log/level.
func New(engine Engine, open DocumentOpener, config Config, metrics HTTPRecorder, levels LevelSetter, logger *zap.Logger) *Service {
	if config.RenderTimeout <= 0 {
		config.RenderTimeout = 30 * time.Second
	}
	return &Service{
		engine:  engine,
		open:    open,
		config:  config,
		metrics: metrics,
		levels:  levels,
		logger:  logger,
	}
}

// HandleOpenDocument processes POST /documents/open?path=
func (s *Service) HandleOpenDocument(ctx *fasthttp.RequestCtx, reqID string) {
	if s.config.DocumentsRoot == "" {
		s.writeError(ctx, reqID, fasthttp.StatusForbidden, ErrorTypeForbidden, "document opening is disabled")
		return
	}

	abs, err := resolveUnderRoot(s.config.DocumentsRoot, string(ctx.QueryArgs().Peek("path")))
	if err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, err.Error())
		return
	}

	doc, legacy, err := s.open(abs)
	if err != nil {
		s.logger.Warn("Failed to open document",
			zap.String("request_id", reqID),
			zap.String("path", abs),
			zap.Error(err))
		s.writeError(ctx, reqID, fasthttp.StatusUnprocessableEntity, ErrorTypeValidation, fmt.Sprintf("failed to open document: %v", err))
		return
	}

	s.engine.OpenDocument(doc, legacy)
	s.logger.Info("Document opened",
		zap.String("request_id", reqID),
		zap.String("document_id", doc.ID()),
		zap.Int("page_count", doc.PageCount()),
		zap.Bool("legacy_available", legacy != nil))

	s.writeData(ctx, reqID, map[string]interface{}{
		"document_id": doc.ID(),
		"page_count":  doc.PageCount(),
	})
}

// HandleRenderPage processes GET /render/page
func (s *Service) HandleRenderPage(ctx *fasthttp.RequestCtx, reqID string) {
	args := ctx.QueryArgs()
	var req facade.PageRequest
	var err error

	if req.Index, err = intArg(args, "index", -1); err == nil {
		req.Width, err = intArg(args, "width", 0)
	}
	if err == nil {
		req.Priority, err = types.ParseRenderPriority(string(args.Peek("priority")))
	}
	if err == nil {
		req.Profile, err = types.ParseRenderProfile(string(args.Peek("profile")))
	}
	encoding, encErr := ParseEncoding(string(args.Peek("encoding")))
	if err == nil {
		err = encErr
	}
	if err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, err.Error())
		return
	}
	req.BypassCacheCircuit = args.GetBool("bypass")

	renderCtx, cancel := context.WithTimeout(context.Background(), s.config.RenderTimeout)
	defer cancel()

	bitmap, err := s.engine.RenderPage(renderCtx, req)
	if err != nil {
		s.writeRenderError(ctx, reqID, "page", req.Index, err)
		return
	}
	s.writeBitmap(ctx, reqID, bitmap, encoding)
}

// HandleRenderTile processes GET /render/tile
func (s *Service) HandleRenderTile(ctx *fasthttp.RequestCtx, reqID string) {
	args := ctx.QueryArgs()
	var req facade.TileRequest
	var x, y, w, h int
	var err error

	for _, p := range []struct {
		name string
		dst  *int
		def  int
	}{
		{"index", &req.Index, -1},
		{"x", &x, 0},
		{"y", &y, 0},
		{"w", &w, 0},
		{"h", &h, 0},
	} {
		if *p.dst, err = intArg(args, p.name, p.def); err != nil {
			break
		}
	}
	if err == nil {
		req.Scale, err = floatArg(args, "scale", 1)
	}
	if err == nil {
		req.Priority, err = types.ParseRenderPriority(string(args.Peek("priority")))
	}
	encoding, encErr := ParseEncoding(string(args.Peek("encoding")))
	if err == nil {
		err = encErr
	}
	if err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, err.Error())
		return
	}
	req.Region = types.NewRect(x, y, w, h)
	req.BypassCacheCircuit = args.GetBool("bypass")

	renderCtx, cancel := context.WithTimeout(context.Background(), s.config.RenderTimeout)
	defer cancel()

	bitmap, err := s.engine.RenderTile(renderCtx, req)
	if err != nil {
		s.writeRenderError(ctx, reqID, "tile", req.Index, err)
		return
	}
	s.writeBitmap(ctx, reqID, bitmap, encoding)
}

// HandlePageSize processes GET /page-size?index=
func (s *Service) HandlePageSize(ctx *fasthttp.RequestCtx, reqID string) {
	index, err := intArg(ctx.QueryArgs(), "index", -1)
	if err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, err.Error())
		return
	}

	size, err := s.engine.PageSize(index)
	if err != nil {
		s.writeRenderError(ctx, reqID, "page_size", index, err)
		return
	}
	s.writeData(ctx, reqID, size)
}

// HandlePrefetch processes POST /prefetch?center=&radius=&width=&profile=
func (s *Service) HandlePrefetch(ctx *fasthttp.RequestCtx, reqID string) {
	args := ctx.QueryArgs()
	center, err := intArg(args, "center", 0)
	var radius, width int
	if err == nil {
		radius, err = intArg(args, "radius", 1)
	}
	if err == nil {
		width, err = intArg(args, "width", 0)
	}
	var profile types.RenderProfile
	if err == nil {
		profile, err = types.ParseRenderProfile(string(args.Peek("profile")))
	}
	if err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, err.Error())
		return
	}

	prefetchCtx, cancel := context.WithTimeout(context.Background(), s.config.RenderTimeout)
	defer cancel()

	rendered, err := s.engine.Prefetch(prefetchCtx, center, radius, width, profile)
	if err != nil {
		s.writeRenderError(ctx, reqID, "prefetch", center, err)
		return
	}
	s.writeData(ctx, reqID, map[string]int{"rendered": rendered})
}

// HandleBackground processes POST /background?enabled=
func (s *Service) HandleBackground(ctx *fasthttp.RequestCtx, reqID string) {
	raw := string(ctx.QueryArgs().Peek("enabled"))
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, fmt.Sprintf("invalid enabled value %q", raw))
		return
	}

	s.engine.SetBackgroundEnabled(enabled)
	s.writeData(ctx, reqID, map[string]bool{"background_enabled": enabled})
}

// HandleLowMemory processes POST /memory/low
func (s *Service) HandleLowMemory(ctx *fasthttp.RequestCtx, reqID string) {
	s.engine.OnLowMemory()
	s.writeData(ctx, reqID, map[string]string{"trimmed": "all"})
}

// HandleTrimMemory processes POST /memory/trim?level=
func (s *Service) HandleTrimMemory(ctx *fasthttp.RequestCtx, reqID string) {
	level, err := facade.ParseTrimLevel(string(ctx.QueryArgs().Peek("level")))
	if err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, err.Error())
		return
	}

	s.engine.OnTrimMemory(level)
	s.writeData(ctx, reqID, map[string]string{"trimmed": level.String()})
}

// HandleLogLevel processes POST /log/level?level=
func (s *Service) HandleLogLevel(ctx *fasthttp.RequestCtx, reqID string) {
	if s.levels == nil {
		s.writeError(ctx, reqID, fasthttp.StatusNotImplemented, ErrorTypeInternal, "runtime log level is not available")
		return
	}
	level := string(ctx.QueryArgs().Peek("level"))
	if err := s.levels.SetLevel(level); err != nil {
		s.writeError(ctx, reqID, fasthttp.StatusBadRequest, ErrorTypeValidation, err.Error())
		return
	}
	s.writeData(ctx, reqID, map[string]string{"level": level})
}

// HandleDiagnostics processes GET /diagnostics
func (s *Service) HandleDiagnostics(ctx *fasthttp.RequestCtx, reqID string) {
	s.writeData(ctx, reqID, s.engine.Diagnostics())
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status       string `json:"status"` // ok, degraded
	DocumentID   string `json:"document_id,omitempty"`
	FallbackMode string `json:"fallback_mode"`
	Parallelism  int    `json:"parallelism"`
	Active       int    `json:"active"`
	Queued       int    `json:"queued"`
}

// HandleHealth processes GET /health. A tripped circuit breaker reports degraded, still 200.
func (s *Service) HandleHealth(ctx *fasthttp.RequestCtx, reqID string) {
	d := s.engine.Diagnostics()
	status := "ok"
	if d.CircuitBreakerActive {
		status = "degraded"
	}
	s.writeData(ctx, reqID, HealthResponse{
		Status:       status,
		DocumentID:   d.DocumentID,
		FallbackMode: d.FallbackMode.String(),
		Parallelism:  d.Scheduler.Parallelism,
		Active:       d.Scheduler.Active,
		Queued:       d.Scheduler.TotalQueued(),
	})
}

func (s *Service) writeBitmap(ctx *fasthttp.RequestCtx, reqID string, bitmap *backend.Bitmap, encoding Encoding) {
	body, err := EncodeBitmap(bitmap, encoding)
	if err != nil {
		s.logger.Error("Failed to encode bitmap",
			zap.String("request_id", reqID),
			zap.String("encoding", string(encoding)),
			zap.Error(err))
		s.writeError(ctx, reqID, fasthttp.StatusInternalServerError, ErrorTypeInternal, err.Error())
		return
	}

	ctx.Response.Header.Set(HeaderWidth, strconv.Itoa(bitmap.Width()))
	ctx.Response.Header.Set(HeaderHeight, strconv.Itoa(bitmap.Height()))
	ctx.Response.Header.Set(HeaderEncoding, string(encoding))
	ctx.Response.Header.Set(HeaderFallback, s.engine.FallbackMode().String())
	ctx.SetContentType(encoding.ContentType())
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

// writeRenderError maps engine errors onto HTTP statuses
func (s *Service) writeRenderError(ctx *fasthttp.RequestCtx, reqID, what string, index int, err error) {
	status, errorType := fasthttp.StatusInternalServerError, ErrorTypeRenderFailed
	switch {
	case errors.Is(err, facade.ErrInvalidRequest), errors.Is(err, facade.ErrPageOutOfRange):
		status, errorType = fasthttp.StatusBadRequest, ErrorTypeValidation
	case errors.Is(err, facade.ErrNoDocument):
		status, errorType = fasthttp.StatusConflict, ErrorTypeNoDocument
	case errors.Is(err, facade.ErrPageUnavailable):
		status, errorType = fasthttp.StatusUnprocessableEntity, ErrorTypeUnavailable
	case errors.Is(err, facade.ErrCircuitOpen):
		status, errorType = fasthttp.StatusServiceUnavailable, ErrorTypeCircuitOpen
	case errors.Is(err, scheduler.ErrSchedulerClosed):
		status, errorType = fasthttp.StatusServiceUnavailable, ErrorTypeShutdown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, scheduler.ErrCancelled):
		status, errorType = fasthttp.StatusGatewayTimeout, ErrorTypeTimeout
	}

	logFn := s.logger.Warn
	if status >= fasthttp.StatusInternalServerError {
		logFn = s.logger.Error
	}
	logFn("Render request failed",
		zap.String("request_id", reqID),
		zap.String("kind", what),
		zap.Int("page_index", index),
		zap.String("error_type", errorType),
		zap.Error(err))

	s.writeError(ctx, reqID, status, errorType, err.Error())
}

func (s *Service) writeError(ctx *fasthttp.RequestCtx, reqID string, status int, errorType, message string) {
	httputil.JSONError(ctx, reqID, errorType, message, status)
}

func (s *Service) writeData(ctx *fasthttp.RequestCtx, reqID string, data interface{}) {
	httputil.JSONData(ctx, reqID, data, fasthttp.StatusOK)
}

// resolveUnderRoot joins rel onto root and rejects paths that escape it
func resolveUnderRoot(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid documents root: %w", err)
	}
	joined := filepath.Join(absRoot, filepath.FromSlash(rel))
	within, err := filepath.Rel(absRoot, joined)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the documents root", rel)
	}
	return joined, nil
}

func intArg(args *fasthttp.Args, name string, def int) (int, error) {
	raw := args.Peek(name)
	if len(raw) == 0 {
		return def, nil
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func floatArg(args *fasthttp.Args, name string, def float64) (float64, error) {
	raw := args.Peek(name)
	if len(raw) == 0 {
		return def, nil
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
