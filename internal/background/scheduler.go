package background

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const idleMultiplier = 50

var errMissingRunner = errors.New("background: runner is required")

// SchedulerConfig configures the cooperative scheduler.
type SchedulerConfig struct {
	Runner    *Runner
	BatchSize int
	Interval  time.Duration
	Logger    *zap.Logger
}

// Scheduler repeatedly runs one batch per tick, yielding between batches.
type Scheduler struct {
	runner    *Runner
	batchSize int
	interval  time.Duration
	limiter   *rate.Limiter
	logger    *zap.Logger
	wake      chan struct{}
}

// NewScheduler constructs a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:    cfg.Runner,
		batchSize: batchSize,
		interval:  interval,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Wake interrupts an idle wait, e.g. after new stages were enqueued.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run processes batches until ctx is cancelled. Failed batches are logged and
// retried from their last checkpoint on a later tick.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		outcome, err := s.runner.DoNextBatch(ctx, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("background update batch failed",
				zap.String("update", outcome.Name),
				zap.Error(err))
			if !s.idle(ctx) {
				return nil
			}
			continue
		}
		if outcome.Idle && !s.idle(ctx) {
			return nil
		}
	}
}

func (s *Scheduler) idle(ctx context.Context) bool {
	timer := time.NewTimer(s.interval * idleMultiplier)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return true
	}
}
