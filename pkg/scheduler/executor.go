package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/jobstore"
	"github.com/lyrobin/gembatch/pkg/retry"
)

// ExecutorConfig configures job submission to the external service.
type ExecutorConfig struct {
	// SubmitTimeout bounds one submission attempt. Default: 60s.
	SubmitTimeout time.Duration

	// RateLimit is the maximum submissions per second to the external
	// service. Zero means unlimited.
	RateLimit float64

	// Retry controls in-call retries of transient submission failures.
	// Exhaustion does not fail the job: it stays running without a handle
	// and the sweep re-executes it later.
	Retry retry.Config
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		SubmitTimeout: 60 * time.Second,
		RateLimit:     0,
		Retry:         retry.Config{MaxAttempts: 3, MinWaitSeconds: 2, MaxBackoffSeconds: 60},
	}
}

// Executor translates an admitted job into a call against the external
// batch service and records the resulting handle.
type Executor struct {
	store   *jobstore.Store
	svc     batch.Service
	limiter *rate.Limiter
	cfg     ExecutorConfig
	log     *zap.Logger
}

// NewExecutor creates an executor bound to a store and an external service.
func NewExecutor(store *jobstore.Store, svc batch.Service, cfg ExecutorConfig, log *zap.Logger) *Executor {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultExecutorConfig().SubmitTimeout
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultExecutorConfig().Retry
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{store: store, svc: svc, cfg: cfg, log: log}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return e
}

// Execute submits a RUNNING job to the external service.
//
// Outcomes:
//   - success: the handle is recorded; the job waits for its result.
//   - fatal service error (malformed request, permanent quota refusal):
//     the job is marked failed and never retried.
//   - transient error after in-call retries: the job is left running with
//     no handle and the sweep re-executes it. Duplicate submission after a
//     partially applied earlier attempt is accepted; deduplication is the
//     external service's contract.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	handle, err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()

		h, err := e.svc.Submit(callCtx, j.RequestPayload, j.ModelID)
		if err != nil && batch.Fatal(err) {
			// Do not burn retry attempts on errors that cannot clear.
			return "", retry.Permanent(err)
		}
		return h, err
	})

	if err != nil && batch.Fatal(err) {
		e.log.Warn("Job submission rejected",
			zap.String("job_id", j.ID),
			zap.String("model_id", j.ModelID),
			zap.Error(err))
		if mkErr := e.store.MarkFinished(ctx, j.ID, job.StatusFailed, err.Error()); mkErr != nil {
			return mkErr
		}
		_ = e.store.RecordEvent(ctx, j.ID, jobstore.EventFailed, err.Error())
		return nil
	}
	if err != nil {
		// Transient after retries: leave running with no handle for the sweep.
		_ = e.store.RecordEvent(ctx, j.ID, jobstore.EventSubmitRetry, err.Error())
		e.log.Warn("Job submission deferred to sweep",
			zap.String("job_id", j.ID),
			zap.Error(err))
		return err
	}

	if err := e.store.SetHandle(ctx, j.ID, handle); err != nil {
		return err
	}
	_ = e.store.RecordEvent(ctx, j.ID, jobstore.EventSubmitted, handle)

	j.ExternalHandle = handle
	e.log.Info("Job submitted to batch service",
		zap.String("job_id", j.ID),
		zap.String("handle", handle),
		zap.String("model_id", j.ModelID))
	return nil
}
