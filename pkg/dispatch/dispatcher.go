// Package dispatch routes completed batch results back to the continuation
// registered for each job.
//
// Completion signals arrive from two directions — push notifications hitting
// the webhook server and the poll loop — and both converge on OnResult. The
// job's persisted finished flag is what makes that convergence safe: no
// matter how many times a completion is delivered, the continuation runs at
// most once.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/continuation"
	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/jobstore"
)

// Dispatcher resolves results to continuations exactly once per job.
type Dispatcher struct {
	store    *jobstore.Store
	registry *continuation.Registry
	log      *zap.Logger
}

// New creates a dispatcher.
func New(store *jobstore.Store, registry *continuation.Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: store, registry: registry, log: log}
}

// OnResult routes a terminal result to the continuation of the job that owns
// the external handle.
//
// Unknown handles are logged and dropped: the external system may notify
// about work this process no longer tracks, including jobs abandoned by a
// local failure mark. Duplicate notifications for a finished job are dropped
// silently. An unresolvable continuation fails the job rather than crashing
// the trigger.
func (d *Dispatcher) OnResult(ctx context.Context, handle string, res batch.Result) error {
	j, err := d.store.GetByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			d.log.Warn("Result for untracked handle dropped", zap.String("handle", handle))
			return nil
		}
		return err
	}

	if j.Finished {
		d.log.Debug("Duplicate result dropped",
			zap.String("job_id", j.ID),
			zap.String("handle", handle))
		return nil
	}

	handler, err := d.registry.Resolve(j.Continuation)
	if err != nil {
		d.log.Error("Continuation not registered",
			zap.String("job_id", j.ID),
			zap.String("continuation", j.Continuation))
		return d.fail(ctx, j, fmt.Sprintf("unknown continuation: %s", j.Continuation))
	}

	res.Handle = handle
	if err := handler(ctx, res, j.Context); err != nil {
		d.log.Warn("Continuation failed",
			zap.String("job_id", j.ID),
			zap.String("continuation", j.Continuation),
			zap.Error(err))
		// No automatic retry: the business document stays in its prior
		// state and a separate resubmission decides whether to try again.
		return d.fail(ctx, j, err.Error())
	}

	if err := d.finish(ctx, j, job.StatusFinished, ""); err != nil {
		return err
	}
	d.log.Info("Job dispatched",
		zap.String("job_id", j.ID),
		zap.String("continuation", j.Continuation))
	return nil
}

// OnHandleLost fails the job tracking handle after the external service
// reported the handle unknown. Without a result the continuation can never
// run; failing the job surfaces the broken pipeline branch instead of
// letting it hang forever.
func (d *Dispatcher) OnHandleLost(ctx context.Context, handle string) error {
	j, err := d.store.GetByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil
		}
		return err
	}
	if j.Finished {
		return nil
	}
	d.log.Error("External service lost handle",
		zap.String("job_id", j.ID),
		zap.String("handle", handle))
	return d.fail(ctx, j, "external handle lost")
}

func (d *Dispatcher) fail(ctx context.Context, j *job.Job, reason string) error {
	return d.finish(ctx, j, job.StatusFailed, reason)
}

func (d *Dispatcher) finish(ctx context.Context, j *job.Job, status job.Status, reason string) error {
	if err := d.store.MarkFinished(ctx, j.ID, status, reason); err != nil {
		// A concurrent dispatcher invocation may have finished the job
		// between our read and this write. That is the duplicate-delivery
		// race the finished flag exists for; treat it as a drop.
		if errors.Is(err, jobstore.ErrAlreadyFinished) {
			d.log.Debug("Job finished by concurrent dispatch", zap.String("job_id", j.ID))
			return nil
		}
		return err
	}

	event := jobstore.EventDispatched
	if status == job.StatusFailed {
		event = jobstore.EventFailed
	}
	_ = d.store.RecordEvent(ctx, j.ID, event, reason)
	return nil
}
