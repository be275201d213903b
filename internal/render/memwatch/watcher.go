// Package memwatch turns host memory pressure into trim signals for the
// render engine.
package memwatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/render/facade"
)

// Level is the pressure band of the last sample
type Level int

const (
	LevelNormal Level = iota
	LevelModerate
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelModerate:
		return "moderate"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Target receives the pressure signals
type Target interface {
	OnTrimMemory(level facade.TrimLevel)
	OnLowMemory()
}

// Observer is notified of each delivered signal
type Observer interface {
	ObservePressure(level string)
}

// Config controls polling and thresholds, in percent of host memory used
type Config struct {
	Interval        time.Duration
	ModeratePercent float64
	CriticalPercent float64
}

func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.ModeratePercent <= 0 || c.ModeratePercent >= 100 {
		return fmt.Errorf("moderate percent must be in (0,100), got %g", c.ModeratePercent)
	}
	if c.CriticalPercent <= c.ModeratePercent || c.CriticalPercent > 100 {
		return fmt.Errorf("critical percent must be in (moderate,100], got %g", c.CriticalPercent)
	}
	return nil
}

// UsageProbe returns the used share of host memory in percent
type UsageProbe func() (float64, error)

func hostUsedPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// Watcher polls host memory. Signals are edge-triggered: a band is signalled
// once when entered from below, and again only after usage has left it.
type Watcher struct {
	config   Config
	target   Target
	observer Observer
	probe    UsageProbe
	logger   *zap.Logger

	mu    sync.Mutex
	level Level

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New(config Config, target Target, observer Observer, logger *zap.Logger) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory watch config: %w", err)
	}
	return &Watcher{
		config:   config,
		target:   target,
		observer: observer,
		probe:    hostUsedPercent,
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.logger.Info("Starting memory watcher",
		zap.Duration("interval", w.config.Interval),
		zap.Float64("moderate_percent", w.config.ModeratePercent),
		zap.Float64("critical_percent", w.config.CriticalPercent))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.poll()
			case <-w.stop:
				return
			}
		}
	}()
}

func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
		w.logger.Info("Memory watcher stopped")
	})
}

// Level is the band of the last successful sample
func (w *Watcher) Level() Level {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level
}

func (w *Watcher) poll() {
	used, err := w.probe()
	if err != nil {
		w.logger.Warn("Failed to sample host memory", zap.Error(err))
		return
	}

	next := w.classify(used)

	w.mu.Lock()
	prev := w.level
	w.level = next
	w.mu.Unlock()

	if next <= prev {
		if next < prev {
			w.logger.Debug("Memory pressure eased",
				zap.String("from", prev.String()),
				zap.String("to", next.String()),
				zap.Float64("used_percent", used))
		}
		return
	}

	w.logger.Warn("Memory pressure rising",
		zap.String("level", next.String()),
		zap.Float64("used_percent", used))

	switch next {
	case LevelModerate:
		w.target.OnTrimMemory(facade.TrimModerate)
	case LevelCritical:
		w.target.OnLowMemory()
	}
	if w.observer != nil {
		w.observer.ObservePressure(next.String())
	}
}

func (w *Watcher) classify(used float64) Level {
	switch {
	case used >= w.config.CriticalPercent:
		return LevelCritical
	case used >= w.config.ModeratePercent:
		return LevelModerate
	default:
		return LevelNormal
	}
}
