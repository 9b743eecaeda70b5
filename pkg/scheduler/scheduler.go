package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/jobstore"
)

// Scheduler runs admission passes: it admits pending jobs up to each quota
// class's concurrency cap and hands admitted jobs to the executor.
type Scheduler struct {
	store *jobstore.Store
	exec  *Executor
	caps  map[job.QuotaClass]int
	log   *zap.Logger
}

// New creates a scheduler. caps must cover every quota class the scheduler
// should admit; nil falls back to job.DefaultCaps.
func New(store *jobstore.Store, exec *Executor, caps map[job.QuotaClass]int, log *zap.Logger) *Scheduler {
	if caps == nil {
		caps = job.DefaultCaps
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{store: store, exec: exec, caps: caps, log: log}
}

// Tick runs one admission pass for a quota class.
//
// Triggers are at-least-once: a store change notification and a periodic
// timer may both fire for the same state, and ticks may overlap. The pass is
// idempotent because claiming a job is a conditional new→running transition;
// a tick that loses the race simply skips the job.
func (s *Scheduler) Tick(ctx context.Context, class job.QuotaClass) error {
	cap, ok := s.caps[class]
	if !ok {
		return fmt.Errorf("no concurrency cap for quota class %q", class)
	}

	running, err := s.store.CountRunning(ctx, class)
	if err != nil {
		return err
	}
	if running >= cap {
		s.log.Debug("Quota class at capacity",
			zap.String("quota_class", string(class)),
			zap.Int("running", running),
			zap.Int("cap", cap))
		return nil
	}

	pending, err := s.store.ListPending(ctx, class, cap-running)
	if err != nil {
		return err
	}

	for i := range pending {
		j := pending[i]
		if err := s.store.Transition(ctx, j.ID, job.StatusNew, job.StatusRunning); err != nil {
			if errors.Is(err, jobstore.ErrConflict) {
				// Another scheduler invocation claimed it first.
				continue
			}
			return err
		}
		_ = s.store.RecordEvent(ctx, j.ID, jobstore.EventAdmitted, "")

		s.log.Info("Job admitted",
			zap.String("job_id", j.ID),
			zap.String("quota_class", string(class)))

		j.Status = job.StatusRunning
		if err := s.exec.Execute(ctx, &j); err != nil {
			// Execute records the outcome itself; an error here means the
			// submission could not even be attempted cleanly. The job stays
			// running without a handle and the sweep retries it.
			s.log.Warn("Job execution deferred",
				zap.String("job_id", j.ID),
				zap.Error(err))
		}
	}
	return nil
}

// TickAll runs one admission pass for every configured quota class.
// Per-class failures are collected so one broken class cannot starve the
// others.
func (s *Scheduler) TickAll(ctx context.Context) error {
	var errs []error
	for class := range s.caps {
		if err := s.Tick(ctx, class); err != nil {
			errs = append(errs, fmt.Errorf("tick %s: %w", class, err))
		}
	}
	return errors.Join(errs...)
}

// Caps exposes the active cap table.
func (s *Scheduler) Caps() map[job.QuotaClass]int {
	return s.caps
}
