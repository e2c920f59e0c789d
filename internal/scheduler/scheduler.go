// Package scheduler retries transiently failed events and runs queued first attempts
// on a bounded worker pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
	"hookvault/internal/processing"
	"hookvault/pkg/logging"
	"hookvault/pkg/metrics"
)

const (
	sourceRetry = "retry"
	sourceQueue = "queue"
)

type Processor interface {
	Process(ctx context.Context, eventID string) (processing.Outcome, error)
	GiveUpExhausted(ctx context.Context) (int, error)
	MaxAttempts() int
}

type Config struct {
	TickInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
	Concurrency  int
	QueueSize    int
}

type Scheduler struct {
	store     eventstore.Store
	processor Processor
	cfg       Config
	logger    logger.Logger
	now       func() time.Time

	queue chan string
	pool  errgroup.Group

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool
}

func New(store eventstore.Store, processor Processor, cfg Config, log logger.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	s := &Scheduler{
		store:     store,
		processor: processor,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
		queue:     make(chan string, cfg.QueueSize),
		inflight:  make(map[string]struct{}),
	}
	s.pool.SetLimit(cfg.Concurrency)
	return s
}

// Submit queues a first attempt. It reports false when the queue is full or the scheduler
// has stopped; the event then stays pending and is found by a later tick.
func (s *Scheduler) Submit(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.queue <- eventID:
		metrics.SetSchedulerQueueSize(len(s.queue))
		return true
	default:
		return false
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight attempts to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.InfowCtx(ctx, "Retry scheduler started",
		"tick_interval", s.cfg.TickInterval,
		"concurrency", s.cfg.Concurrency,
	)

	for {
		select {
		case <-ctx.Done():
			return s.drain(ctx)
		case id := <-s.queue:
			metrics.SetSchedulerQueueSize(len(s.queue))
			s.dispatch(ctx, id, sourceQueue)
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.ErrorwCtx(ctx, "Scheduler tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	left := len(s.queue)
	s.mu.Unlock()

	if left > 0 {
		// still pending in the store; the next process start picks them up
		s.logger.WarnwCtx(ctx, "Scheduler stopped with queued events", "count", left)
	}
	_ = s.pool.Wait()
	s.logger.InfowCtx(context.WithoutCancel(ctx), "Retry scheduler stopped")
	return nil
}

// Tick gives up on exhausted events, then dispatches one batch of due events.
// It returns the number of events dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	if _, err := s.processor.GiveUpExhausted(ctx); err != nil {
		s.logger.WarnwCtx(ctx, "Give-up sweep failed", "error", err)
	}

	ids, err := s.store.ListDue(ctx, eventstore.DueQuery{
		Now:         s.now(),
		MaxAttempts: s.processor.MaxAttempts(),
		BaseBackoff: s.cfg.BaseBackoff,
		MaxBackoff:  s.cfg.MaxBackoff,
		Limit:       s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s.dispatch(ctx, id, sourceRetry) {
			n++
		}
	}
	if n > 0 {
		s.logger.DebugwCtx(ctx, "Dispatched due events", "count", n)
	}
	return n, nil
}

// dispatch blocks while the pool is full. Attempts are detached from ctx so that
// cancellation lets them finish within the processing timeout.
func (s *Scheduler) dispatch(ctx context.Context, id, source string) bool {
	s.mu.Lock()
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[id] = struct{}{}
	s.mu.Unlock()

	metrics.SchedulerDispatchedTotal.WithLabelValues(source).Inc()
	workCtx := logging.WithEventID(context.WithoutCancel(ctx), id)
	s.pool.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}()
		out, err := s.processor.Process(workCtx, id)
		if err != nil {
			s.logger.ErrorwCtx(workCtx, "Processing attempt failed", "source", source, "error", err)
			return nil
		}
		s.logger.DebugwCtx(workCtx, "Processing attempt finished", "source", source, "outcome", out.Kind)
		return nil
	})
	return true
}

// Wait blocks until every dispatched attempt has returned.
func (s *Scheduler) Wait() {
	_ = s.pool.Wait()
}
