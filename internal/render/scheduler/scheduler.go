// Package scheduler runs render jobs with bounded parallelism, ordered by
// priority class and FIFO within a class.
package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/pkg/types"
)

// Observer receives scheduling state changes. It is called with the
// scheduler lock held and must not call back into the scheduler.
type Observer interface {
	ObserveQueueDepth(priority types.RenderPriority, depth int)
	ObserveActive(active int)
	ObserveQueueWait(priority types.RenderPriority, wait time.Duration)
	ObserveCancelled(priority types.RenderPriority, started bool)
}

type itemState int

const (
	stateQueued itemState = iota
	stateRunning
	stateDone
)

type workItem struct {
	id         uint64
	priority   types.RenderPriority
	ctx        context.Context
	cancel     context.CancelFunc
	run        func(ctx context.Context)
	abort      func(err error)
	state      itemState // protected by Scheduler.mu
	elem       *list.Element
	enqueuedAt time.Time
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Parallelism          int                      `json:"parallelism"`
	Active               int                      `json:"active"`
	ActiveByPriority     [types.PriorityCount]int `json:"active_by_priority"`
	Queued               [types.PriorityCount]int `json:"queued"`
	BackgroundEnabled    bool                     `json:"background_enabled"`
	Submitted            int64                    `json:"submitted"`
	Started              int64                    `json:"started"`
	Completed            int64                    `json:"completed"`
	CancelledBeforeStart int64                    `json:"cancelled_before_start"`
}

// TotalQueued sums queued items across priorities
func (s Stats) TotalQueued() int {
	total := 0
	for _, n := range s.Queued {
		total += n
	}
	return total
}

// Scheduler is a bounded-concurrency executor with one FIFO queue per priority
type Scheduler struct {
	config   *Config
	logger   *zap.Logger
	observer Observer

	mu                sync.Mutex
	queues            [types.PriorityCount]*list.List
	active            map[*workItem]struct{}
	backgroundEnabled bool
	closed            bool
	nextID            uint64

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup

	submitted       atomic.Int64
	started         atomic.Int64
	completed       atomic.Int64
	cancelledQueued atomic.Int64
}

// New creates a scheduler. observer may be nil.
func New(config *Config, logger *zap.Logger, observer Observer) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:            config,
		logger:            logger,
		observer:          observer,
		active:            make(map[*workItem]struct{}, config.Parallelism),
		backgroundEnabled: true,
		ctx:               ctx,
		cancel:            cancel,
	}
	for i := range s.queues {
		s.queues[i] = list.New()
	}

	logger.Info("Render scheduler initialized",
		zap.Int("parallelism", config.Parallelism))

	return s, nil
}

// Submit enqueues job at priority and returns its future. The job receives a
// context that is cancelled when the caller cancels a running job, when
// background work is disabled for non-visible priorities, or on shutdown.
func Submit[T any](s *Scheduler, priority types.RenderPriority, job func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T](s)
	item := &workItem{priority: priority}
	item.run = func(ctx context.Context) {
		value, err := runJob(ctx, job)
		f.resolve(value, err)
	}
	item.abort = func(err error) {
		var zero T
		f.resolve(zero, err)
	}
	f.item = item

	s.enqueue(item)
	return f
}

func runJob[T any](ctx context.Context, job func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job(ctx)
}

func (s *Scheduler) enqueue(item *workItem) {
	if !item.priority.Valid() {
		item.state = stateDone
		item.abort(fmt.Errorf("invalid priority %d", item.priority))
		return
	}

	s.mu.Lock()
	if s.closed {
		item.state = stateDone
		s.mu.Unlock()
		item.abort(ErrSchedulerClosed)
		return
	}

	s.nextID++
	item.id = s.nextID
	item.ctx, item.cancel = context.WithCancel(s.ctx)
	item.state = stateQueued
	item.enqueuedAt = time.Now()
	item.elem = s.queues[item.priority].PushBack(item)
	s.submitted.Add(1)
	s.observeQueueLocked(item.priority)

	toStart := s.fillLocked()
	s.mu.Unlock()

	s.logger.Debug("Render job queued",
		zap.Uint64("job_id", item.id),
		zap.String("priority", item.priority.String()))

	s.start(toStart)
}

// fillLocked claims free slots for the highest-priority eligible items
func (s *Scheduler) fillLocked() []*workItem {
	var toStart []*workItem
	for len(s.active) < s.config.Parallelism {
		item := s.popLocked()
		if item == nil {
			break
		}
		item.state = stateRunning
		s.active[item] = struct{}{}
		s.running.Add(1)
		toStart = append(toStart, item)
	}
	if len(toStart) > 0 && s.observer != nil {
		s.observer.ObserveActive(len(s.active))
	}
	return toStart
}

func (s *Scheduler) popLocked() *workItem {
	for _, priority := range types.Priorities {
		if priority != types.PriorityVisiblePage && !s.backgroundEnabled {
			continue
		}
		front := s.queues[priority].Front()
		if front == nil {
			continue
		}
		s.queues[priority].Remove(front)
		item := front.Value.(*workItem)
		item.elem = nil
		s.observeQueueLocked(priority)
		if s.observer != nil {
			s.observer.ObserveQueueWait(priority, time.Since(item.enqueuedAt))
		}
		return item
	}
	return nil
}

func (s *Scheduler) start(items []*workItem) {
	for _, item := range items {
		s.started.Add(1)
		s.logger.Debug("Render job started",
			zap.Uint64("job_id", item.id),
			zap.String("priority", item.priority.String()))
		go s.execute(item)
	}
}

func (s *Scheduler) execute(item *workItem) {
	defer s.complete(item)
	item.run(item.ctx)
}

func (s *Scheduler) complete(item *workItem) {
	s.mu.Lock()
	delete(s.active, item)
	item.state = stateDone
	if s.observer != nil {
		s.observer.ObserveActive(len(s.active))
	}
	toStart := s.fillLocked()
	s.mu.Unlock()

	item.cancel()
	s.completed.Add(1)
	s.running.Done()

	s.logger.Debug("Render job finished",
		zap.Uint64("job_id", item.id),
		zap.String("priority", item.priority.String()))

	s.start(toStart)
}

func (s *Scheduler) cancelItem(item *workItem) {
	s.mu.Lock()
	switch item.state {
	case stateQueued:
		if item.elem != nil {
			s.queues[item.priority].Remove(item.elem)
			item.elem = nil
		}
		item.state = stateDone
		s.cancelledQueued.Add(1)
		s.observeQueueLocked(item.priority)
		if s.observer != nil {
			s.observer.ObserveCancelled(item.priority, false)
		}
		s.mu.Unlock()

		item.cancel()
		item.abort(ErrCancelled)
		s.logger.Debug("Render job cancelled before start",
			zap.Uint64("job_id", item.id),
			zap.String("priority", item.priority.String()))

	case stateRunning:
		if s.observer != nil {
			s.observer.ObserveCancelled(item.priority, true)
		}
		s.mu.Unlock()
		item.cancel()

	default:
		s.mu.Unlock()
	}
}

// SetBackgroundEnabled toggles scheduling of non-visible priorities.
// Disabling cancels every running non-visible job; their slots free up as
// the jobs observe cancellation. Enabling immediately fills free slots.
func (s *Scheduler) SetBackgroundEnabled(enabled bool) {
	s.mu.Lock()
	if s.backgroundEnabled == enabled {
		s.mu.Unlock()
		return
	}
	s.backgroundEnabled = enabled

	var toCancel, toStart []*workItem
	if enabled {
		toStart = s.fillLocked()
	} else {
		for item := range s.active {
			if item.priority != types.PriorityVisiblePage {
				toCancel = append(toCancel, item)
				if s.observer != nil {
					s.observer.ObserveCancelled(item.priority, true)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, item := range toCancel {
		item.cancel()
	}

	s.logger.Info("Background rendering toggled",
		zap.Bool("enabled", enabled),
		zap.Int("cancelled_jobs", len(toCancel)),
		zap.Int("started_jobs", len(toStart)))

	s.start(toStart)
}

// BackgroundEnabled reports the current background switch
func (s *Scheduler) BackgroundEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backgroundEnabled
}

// Parallelism returns the configured slot count
func (s *Scheduler) Parallelism() int {
	return s.config.Parallelism
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	stats := Stats{
		Parallelism:       s.config.Parallelism,
		Active:            len(s.active),
		BackgroundEnabled: s.backgroundEnabled,
	}
	for i, q := range s.queues {
		stats.Queued[i] = q.Len()
	}
	for item := range s.active {
		stats.ActiveByPriority[item.priority]++
	}
	s.mu.Unlock()

	stats.Submitted = s.submitted.Load()
	stats.Started = s.started.Load()
	stats.Completed = s.completed.Load()
	stats.CancelledBeforeStart = s.cancelledQueued.Load()
	return stats
}

func (s *Scheduler) observeQueueLocked(priority types.RenderPriority) {
	if s.observer != nil {
		s.observer.ObserveQueueDepth(priority, s.queues[priority].Len())
	}
}

// Shutdown stops accepting work, resolves queued items with
// ErrSchedulerClosed, signals running jobs and waits for them to drain.
func (s *Scheduler) Shutdown() error {
	return s.ShutdownWithTimeout(s.config.ShutdownTimeout)
}

// ShutdownWithTimeout is Shutdown with an explicit drain timeout
func (s *Scheduler) ShutdownWithTimeout(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var pending []*workItem
	for priority, q := range s.queues {
		for e := q.Front(); e != nil; e = e.Next() {
			item := e.Value.(*workItem)
			item.state = stateDone
			item.elem = nil
			pending = append(pending, item)
		}
		q.Init()
		s.observeQueueLocked(types.RenderPriority(priority))
	}
	activeCount := len(s.active)
	s.mu.Unlock()

	s.logger.Info("Initiating render scheduler shutdown",
		zap.Duration("timeout", timeout),
		zap.Int("active_jobs", activeCount),
		zap.Int("queued_jobs", len(pending)))

	for _, item := range pending {
		item.cancel()
		item.abort(ErrSchedulerClosed)
	}

	s.cancel()

	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("Render scheduler shut down",
			zap.Int64("completed_jobs", s.completed.Load()))
		return nil
	case <-time.After(timeout):
		stuck := s.Stats().Active
		s.logger.Warn("Render scheduler shutdown timeout exceeded",
			zap.Int("stuck_jobs", stuck))
		return fmt.Errorf("%w: %d jobs still running", ErrShutdownTimeout, stuck)
	}
}
