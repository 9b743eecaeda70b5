package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/jobstore"
)

// Poller is the poll-based completion path: it periodically asks the
// external service about every running job that holds a handle and routes
// terminal ones through the dispatcher.
//
// The poller and the push webhook can both deliver the same completion;
// OnResult's finished guard absorbs the overlap.
type Poller struct {
	store    *jobstore.Store
	svc      batch.Service
	disp     *Dispatcher
	classes  []job.QuotaClass
	interval time.Duration
	log      *zap.Logger
}

// NewPoller creates a poller over the given quota classes. interval <= 0
// defaults to 60s; nil classes polls every declared class.
func NewPoller(store *jobstore.Store, svc batch.Service, disp *Dispatcher, classes []job.QuotaClass, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if classes == nil {
		classes = job.Classes()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		store:    store,
		svc:      svc,
		disp:     disp,
		classes:  classes,
		interval: interval,
		log:      log,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll runs a single pass over all tracked handles.
func (p *Poller) Poll(ctx context.Context) {
	for _, class := range p.classes {
		waiting, err := p.store.ListRunning(ctx, class, true, 0)
		if err != nil {
			p.log.Warn("Listing running jobs failed",
				zap.String("quota_class", string(class)),
				zap.Error(err))
			continue
		}
		for i := range waiting {
			p.pollOne(ctx, &waiting[i])
		}
	}
}

func (p *Poller) pollOne(ctx context.Context, j *job.Job) {
	state, err := p.svc.Poll(ctx, j.ExternalHandle)
	if err != nil {
		if batch.IsNotFound(err) {
			if err := p.disp.OnHandleLost(ctx, j.ExternalHandle); err != nil {
				p.log.Warn("Failing lost-handle job failed",
					zap.String("job_id", j.ID),
					zap.Error(err))
			}
			return
		}
		p.log.Warn("Polling handle failed",
			zap.String("job_id", j.ID),
			zap.String("handle", j.ExternalHandle),
			zap.Error(err))
		return
	}
	if !state.Terminal() {
		return
	}

	res, err := p.svc.FetchResult(ctx, j.ExternalHandle)
	if err != nil {
		// Transient fetch failure; the next poll pass retries.
		p.log.Warn("Fetching result failed",
			zap.String("job_id", j.ID),
			zap.String("handle", j.ExternalHandle),
			zap.Error(err))
		return
	}

	if err := p.disp.OnResult(ctx, j.ExternalHandle, res); err != nil {
		p.log.Warn("Dispatching polled result failed",
			zap.String("job_id", j.ID),
			zap.Error(err))
	}
}
