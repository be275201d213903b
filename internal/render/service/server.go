package service

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/common/requestid"
)

type route struct {
	method  string
	path    string
	handler func(s *Service, ctx *fasthttp.RequestCtx, reqID string)
}

var routes = []route{
	{fasthttp.MethodPost, "/documents/open", (*Service).HandleOpenDocument},
	{fasthttp.MethodGet, "/render/page", (*Service).HandleRenderPage},
	{fasthttp.MethodGet, "/render/tile", (*Service).HandleRenderTile},
	{fasthttp.MethodGet, "/page-size", (*Service).HandlePageSize},
	{fasthttp.MethodPost, "/prefetch", (*Service).HandlePrefetch},
	{fasthttp.MethodPost, "/background", (*Service).HandleBackground},
	{fasthttp.MethodPost, "/memory/low", (*Service).HandleLowMemory},
	{fasthttp.MethodPost, "/memory/trim", (*Service).HandleTrimMemory},
	{fasthttp.MethodPost, "/log/level", (*Service).HandleLogLevel},
	{fasthttp.MethodGet, "/diagnostics", (*Service).HandleDiagnostics},
	{fasthttp.MethodGet, "/health", (*Service).HandleHealth},
}

// CreateHTTPHandler creates the main HTTP request handler with routing
func CreateHTTPHandler(s *Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())
		reqID := requestid.FromRequest(ctx)

		endpoint := "unknown"
		defer func() {
			if s.metrics != nil {
				s.metrics.RecordHTTPRequest(endpoint, ctx.Response.StatusCode())
			}
		}()

		pathMatched := false
		for _, r := range routes {
			if r.path != path {
				continue
			}
			pathMatched = true
			if r.method == method {
				endpoint = r.path
				s.logger.Debug("HTTP request",
					zap.String("request_id", reqID),
					zap.String("method", method),
					zap.String("path", path))
				r.handler(s, ctx, reqID)
				return
			}
		}

		if pathMatched {
			endpoint = path
			s.writeError(ctx, reqID, fasthttp.StatusMethodNotAllowed, ErrorTypeValidation, "method not allowed")
			return
		}
		s.writeError(ctx, reqID, fasthttp.StatusNotFound, ErrorTypeValidation, "not found")
	}
}
