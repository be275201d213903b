// Package resilience escalates renderer faults into cache trimming, circuit
// breaking and the fallback renderer. All escalation is one-directional within
// a document session; only a document change resets it.
package resilience

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/pkg/types"
)

const (
	// firstStressFraction and secondStressFraction are the cache trim targets
	// for the first and second memory fault of a document
	firstStressFraction  = 0.75
	secondStressFraction = 0.5

	// escalateAfterCacheFaults memory faults trip the circuit breaker
	escalateAfterCacheFaults = 3

	// safetyLockStreak generic faults engage the safety lock
	safetyLockStreak = 3
)

// Trimmable is a cache the controller can shrink
type Trimmable interface {
	Name() string
	TrimToFraction(fraction float64) int
	EvictAll() int
}

// State is a copy of the controller counters
type State struct {
	DocumentID             string             `json:"document_id"`
	CacheFaultCount        uint32             `json:"cache_fault_count"`
	CacheCircuitForced     bool               `json:"cache_circuit_forced"`
	RenderFaultStreak      uint32             `json:"render_fault_streak"`
	RenderSafetyLockActive bool               `json:"render_safety_lock_active"`
	RenderCircuitSoft      bool               `json:"render_circuit_soft_active"`
	CircuitBreakerActive   bool               `json:"circuit_breaker_active"`
	FallbackMode           types.FallbackMode `json:"fallback_mode"`
	MalformedPages         []int              `json:"malformed_pages"`
}

// Controller owns the resilience state of the active document
type Controller struct {
	logger    *zap.Logger
	caches    []Trimmable
	malformed *MalformedTracker

	mu                 sync.Mutex
	documentID         string
	cacheFaultCount    uint32
	cacheCircuitForced bool
	renderFaultStreak  uint32
	safetyLockActive   bool
	circuitSoftActive  bool
	circuitBreaker     bool
	fallbackMode       types.FallbackMode
}

// NewController creates a controller that trims the given caches under stress
func NewController(logger *zap.Logger, caches ...Trimmable) *Controller {
	return &Controller{
		logger:    logger,
		caches:    caches,
		malformed: NewMalformedTracker(),
	}
}

// HandleCacheStress reacts to a memory-class fault. The first two faults of a
// document trim the caches and ask for a retry; the third clears them, forces
// the circuit breaker and switches to the legacy renderer. Faults that are
// not memory related return OutcomeNone without touching state.
func (c *Controller) HandleCacheStress(stage Stage, err error, page int) Outcome {
	fault := backend.Classify(err)
	if fault == nil || !fault.IsMemory() {
		return OutcomeNone
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheFaultCount++
	count := c.cacheFaultCount

	switch {
	case count == 1:
		c.trimAllLocked(firstStressFraction)
	case count < escalateAfterCacheFaults:
		c.trimAllLocked(secondStressFraction)
	default:
		c.evictAllLocked()
		c.cacheCircuitForced = true
		c.circuitBreaker = true
		c.fallbackMode = types.FallbackLegacySimpleRenderer

		c.logger.Error("Cache stress escalated, circuit breaker forced",
			zap.String("document_id", c.documentID),
			zap.String("stage", stage.String()),
			zap.Int("page_index", page),
			zap.Uint32("cache_fault_count", count),
			zap.Error(err))
		return OutcomeEscalated
	}

	c.logger.Warn("Cache stress, trimmed caches",
		zap.String("document_id", c.documentID),
		zap.String("stage", stage.String()),
		zap.Int("page_index", page),
		zap.Uint32("cache_fault_count", count),
		zap.Error(err))
	return OutcomeRetry
}

// RecordRenderFault books a renderer failure. Malformed pages are denylisted
// without touching resource state. Memory faults clear the caches and trip the
// breaker into the legacy renderer unless bypassCacheCircuit is set. Any other
// fault extends the fault streak, which is only reset by a document change;
// three faults, or one more after the soft circuit opened, engage the safety
// lock. Page-too-large faults are recoverable and never counted.
func (c *Controller) RecordRenderFault(err error, stage Stage, page int, bypassCacheCircuit bool) {
	if errors.Is(err, backend.ErrInvalidArgument) {
		return
	}
	fault := backend.Classify(err)
	if fault == nil {
		return
	}

	fields := []zap.Field{
		zap.String("stage", stage.String()),
		zap.Int("page_index", page),
		zap.String("fault", fault.Kind.String()),
		zap.Error(err),
	}

	switch fault.Kind {
	case backend.FaultMalformedPage:
		if c.malformed.Mark(page) {
			c.logger.Warn("Page marked malformed", fields...)
		}
		return

	case backend.FaultPageTooLarge:
		c.logger.Debug("Page too large fault not counted", fields...)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fields = append(fields, zap.String("document_id", c.documentID))

	if fault.IsMemory() {
		if bypassCacheCircuit {
			c.logger.Warn("Memory fault recorded without circuit side effects", fields...)
			return
		}
		c.evictAllLocked()
		c.circuitBreaker = true
		c.fallbackMode = types.FallbackLegacySimpleRenderer
		c.logger.Error("Memory fault tripped render circuit breaker", fields...)
		return
	}

	c.renderFaultStreak++
	fields = append(fields, zap.Uint32("render_fault_streak", c.renderFaultStreak))
	if c.renderFaultStreak >= safetyLockStreak || c.circuitSoftActive {
		first := !c.safetyLockActive
		c.safetyLockActive = true
		c.circuitSoftActive = true
		c.circuitBreaker = true
		if first {
			c.logger.Error("Render safety lock engaged", fields...)
			return
		}
	}
	c.logger.Warn("Render fault recorded", fields...)
}

// OnDocumentChanged resets every counter and the malformed page set for a
// newly active document
func (c *Controller) OnDocumentChanged(documentID string) {
	c.mu.Lock()
	previous := c.documentID
	c.documentID = documentID
	c.cacheFaultCount = 0
	c.cacheCircuitForced = false
	c.renderFaultStreak = 0
	c.safetyLockActive = false
	c.circuitSoftActive = false
	c.circuitBreaker = false
	c.fallbackMode = types.FallbackNormal
	c.malformed.Reset(documentID)
	c.mu.Unlock()

	c.logger.Info("Resilience state reset for document",
		zap.String("document_id", documentID),
		zap.String("previous_document_id", previous))
}

// IsMalformed reports whether page is denylisted for the active document
func (c *Controller) IsMalformed(page int) bool {
	return c.malformed.IsMalformed(page)
}

func (c *Controller) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

func (c *Controller) CircuitBreakerActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuitBreaker
}

func (c *Controller) FallbackMode() types.FallbackMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallbackMode
}

// State returns a consistent copy of all counters
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		DocumentID:             c.documentID,
		CacheFaultCount:        c.cacheFaultCount,
		CacheCircuitForced:     c.cacheCircuitForced,
		RenderFaultStreak:      c.renderFaultStreak,
		RenderSafetyLockActive: c.safetyLockActive,
		RenderCircuitSoft:      c.circuitSoftActive,
		CircuitBreakerActive:   c.circuitBreaker,
		FallbackMode:           c.fallbackMode,
		MalformedPages:         c.malformed.Pages(),
	}
}

// Cache locks are taken while holding c.mu; caches never call back into the
// controller.
func (c *Controller) trimAllLocked(fraction float64) {
	for _, cache := range c.caches {
		evicted := cache.TrimToFraction(fraction)
		c.logger.Debug("Trimmed cache under stress",
			zap.String("cache", cache.Name()),
			zap.Float64("fraction", fraction),
			zap.Int("evicted", evicted))
	}
}

func (c *Controller) evictAllLocked() {
	for _, cache := range c.caches {
		cache.EvictAll()
	}
}
