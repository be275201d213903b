package metricsserver

import (
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/common/configtypes"
)

// MetricsHandler serves the Prometheus exposition
type MetricsHandler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Server is the separate metrics listener
type Server struct {
	server   *fasthttp.Server
	listener net.Listener
	logger   *zap.Logger
}

// Start binds the metrics listener and serves in the background.
// Returns nil, nil when metrics are disabled.
func Start(config configtypes.MetricsConfig, handler MetricsHandler, logger *zap.Logger) (*Server, error) {
	if !config.Enabled {
		logger.Info("Metrics collection disabled")
		return nil, nil
	}

	path := config.Path
	if path == "" {
		path = "/metrics"
	}

	// Bind synchronously so a busy port fails startup
	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener %s: %w", config.Listen, err)
	}

	s := &Server{
		listener: ln,
		logger:   logger,
		server: &fasthttp.Server{
			Handler:            createMetricsHandler(path, handler),
			Name:               "PageRender-Metrics",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			MaxRequestBodySize: 1 * 1024,
			TCPKeepalive:       true,
			TCPKeepalivePeriod: 30 * time.Second,
			MaxConnsPerIP:      100,
			MaxRequestsPerConn: 1000,
			Concurrency:        100,
		},
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", ln.Addr().String()),
			zap.String("path", path))

		if err := s.server.Serve(ln); err != nil {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	return s, nil
}

// Addr is the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for open requests
func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}

func createMetricsHandler(path string, handler MetricsHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == path {
			handler.ServeHTTP(ctx)
			return
		}

		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("Not Found")
	}
}
