// Package scheduler admits pending batch prediction jobs under per-quota
// concurrency caps and hands them to the executor.
//
// The scheduler is trigger-driven and holds no authoritative state of its
// own: every invocation re-reads the job store, and conditional transitions
// there make overlapping invocations safe without an external lock.
package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/jobstore"
)

// SubmitRequest describes a new unit of outsourced AI work.
type SubmitRequest struct {
	// Payload is the serialized request body, opaque to the scheduler.
	Payload []byte

	// ModelID identifies the external model or endpoint to use.
	ModelID string

	// QuotaClass is the admission bucket the job counts against.
	QuotaClass job.QuotaClass

	// Continuation is the registered name invoked with the job's result.
	Continuation string

	// Context is the flat primitive state handed to the continuation.
	Context job.Context
}

// Submitter is the producer-facing entry point. Continuations submit
// follow-up stages through the same Submitter, which is what chains a
// pipeline: each stage's job is created inside the prior stage's handler.
type Submitter struct {
	store  *jobstore.Store
	notify func(job.QuotaClass)
	log    *zap.Logger
}

// NewSubmitter creates a Submitter. notify, when non-nil, is invoked after a
// job is persisted so a sweeper can run an admission pass without waiting
// for its next tick; it must be cheap and non-blocking.
func NewSubmitter(store *jobstore.Store, notify func(job.QuotaClass), log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{store: store, notify: notify, log: log}
}

// Submit validates and persists a NEW job, then wakes the scheduler.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	j := &job.Job{
		RequestPayload: req.Payload,
		ModelID:        req.ModelID,
		QuotaClass:     req.QuotaClass,
		Continuation:   req.Continuation,
		Context:        req.Context,
	}

	id, err := s.store.Create(ctx, j)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	_ = s.store.RecordEvent(ctx, id, jobstore.EventCreated, "")

	s.log.Debug("Job submitted",
		zap.String("job_id", id),
		zap.String("quota_class", string(req.QuotaClass)),
		zap.String("continuation", req.Continuation),
		zap.String("model_id", req.ModelID))

	if s.notify != nil {
		s.notify(req.QuotaClass)
	}
	return id, nil
}
