package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/pkg/job"
)

// Sweeper drives the scheduler: it runs admission passes on a periodic tick
// and whenever a submit notification arrives, and re-executes running jobs
// whose submission never reached the external service.
//
// Sweeps are deliberately at-least-once; overlapping or redundant passes
// are harmless because admission is guarded by conditional transitions.
type Sweeper struct {
	sched    *Scheduler
	exec     *Executor
	interval time.Duration
	wake     chan struct{}
	log      *zap.Logger
}

// NewSweeper creates a sweeper. interval <= 0 defaults to 30s.
func NewSweeper(sched *Scheduler, exec *Executor, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		sched:    sched,
		exec:     exec,
		interval: interval,
		wake:     make(chan struct{}, 1),
		log:      log,
	}
}

// Notify requests an immediate sweep. Safe to call from any goroutine;
// coalesces with an already-pending wakeup.
func (s *Sweeper) Notify(job.QuotaClass) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Sweep runs a single pass, for callers that manage their own trigger.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	if err := s.sched.TickAll(ctx); err != nil {
		s.log.Warn("Admission pass failed", zap.Error(err))
	}
	s.resubmitStranded(ctx)
}

// resubmitStranded re-executes running jobs that have no external handle:
// their earlier submission hit a transient failure and was deferred.
func (s *Sweeper) resubmitStranded(ctx context.Context) {
	for class := range s.sched.Caps() {
		stranded, err := s.sched.store.ListRunning(ctx, class, false, 0)
		if err != nil {
			s.log.Warn("Listing stranded jobs failed",
				zap.String("quota_class", string(class)),
				zap.Error(err))
			continue
		}
		for i := range stranded {
			j := stranded[i]
			s.log.Info("Re-executing stranded job", zap.String("job_id", j.ID))
			if err := s.exec.Execute(ctx, &j); err != nil {
				s.log.Warn("Stranded job submission failed again",
					zap.String("job_id", j.ID),
					zap.Error(err))
			}
		}
	}
}
