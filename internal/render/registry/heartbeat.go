package registry

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the engine state advertised on each heartbeat
type Status struct {
	Active         int
	Queued         int
	FallbackMode   string
	CircuitBreaker bool
	DocumentID     string
}

// StatusFunc samples the engine state
type StatusFunc func() Status

// Heartbeat periodically re-registers the service with its current load
type Heartbeat struct {
	registry *ServiceRegistry
	status   StatusFunc
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex // serializes beats with Stop
	info ServiceInfo

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewHeartbeat copies info; Load and the status metadata are overwritten on every beat
func NewHeartbeat(registry *ServiceRegistry, info ServiceInfo, status StatusFunc, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	meta := make(map[string]string, len(info.Metadata)+4)
	for k, v := range info.Metadata {
		meta[k] = v
	}
	info.Metadata = meta

	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		registry: registry,
		status:   status,
		interval: interval,
		logger:   logger,
		info:     info,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start sends one heartbeat synchronously, then keeps beating in the background
func (h *Heartbeat) Start() error {
	if err := h.beat(); err != nil {
		return err
	}

	h.logger.Info("Starting periodic heartbeat",
		zap.String("service_id", h.info.ID),
		zap.Duration("interval", h.interval))

	ticker := time.NewTicker(h.interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.beat(); err != nil {
					h.logger.Warn("Heartbeat failed", zap.Error(err))
				}
			case <-h.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the heartbeat loop and removes the registration
func (h *Heartbeat) Stop(ctx context.Context) error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info("Heartbeat stopped", zap.String("service_id", h.info.ID))
	return h.registry.UnregisterService(ctx, h.info.ID)
}

func (h *Heartbeat) beat() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.ctx.Done():
		return nil
	default:
	}

	st := h.status()
	h.info.Load = st.Active
	h.info.Metadata[MetaQueued] = strconv.Itoa(st.Queued)
	h.info.Metadata[MetaFallbackMode] = st.FallbackMode
	h.info.Metadata[MetaCircuitBreaker] = strconv.FormatBool(st.CircuitBreaker)
	h.info.Metadata[MetaDocumentID] = st.DocumentID

	ctx, cancel := context.WithTimeout(h.ctx, h.interval)
	defer cancel()
	return h.registry.RegisterService(ctx, &h.info)
}
