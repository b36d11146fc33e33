package cycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers the engine once per period at the cutover instant.
type Scheduler struct {
	engine   *Engine
	schedule Schedule
	retry    time.Duration
	zaplog   *zap.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewScheduler(engine *Engine, schedule Schedule, retry time.Duration, zaplog *zap.Logger) *Scheduler {
	if retry <= 0 {
		retry = 5 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		schedule: schedule,
		retry:    retry,
		zaplog:   zaplog,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the current period immediately (catch-up after downtime), then
// every cutover. Failed runs are retried after the retry interval.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.zaplog.Info("starting billing cycle scheduler")
	failed := !s.runCurrent(ctx)
	for {
		now := s.now()
		wait := s.schedule.NextCutover(now).Sub(now)
		if failed && s.retry < wait {
			wait = s.retry
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			failed = !s.runCurrent(ctx)
		}
	}
}

// runCurrent reports whether the current period no longer needs a run.
func (s *Scheduler) runCurrent(ctx context.Context) bool {
	period := s.schedule.PeriodAt(s.now())
	_, err := s.engine.RunPeriod(ctx, period)
	switch {
	case err == nil, errors.Is(err, ErrCycleCompleted):
		return true
	case errors.Is(err, ErrCycleInProgress):
		s.zaplog.Info("billing cycle running elsewhere", zap.String("period", period))
		return false
	default:
		s.zaplog.Error("billing cycle failed, will retry",
			zap.String("period", period),
			zap.Duration("retry", s.retry),
			zap.Error(err),
		)
		return false
	}
}
