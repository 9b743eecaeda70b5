package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/continuation"
	"github.com/lyrobin/gembatch/pkg/dispatch"
	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/jobstore"
	"github.com/lyrobin/gembatch/pkg/pipeline"
)

// resultService serves scripted FetchResult responses.
type resultService struct {
	results map[string]batch.Result
	err     error
}

func (r *resultService) Submit(context.Context, []byte, string) (string, error) {
	return "", fmt.Errorf("not used")
}

func (r *resultService) Poll(context.Context, string) (batch.State, error) {
	return batch.StateSucceeded, nil
}

func (r *resultService) FetchResult(_ context.Context, handle string) (batch.Result, error) {
	if r.err != nil {
		return batch.Result{}, r.err
	}
	res, ok := r.results[handle]
	if !ok {
		return batch.Result{}, fmt.Errorf("fetch: %w", batch.ErrNotFound)
	}
	return res, nil
}

type fixture struct {
	store *jobstore.Store
	hooks *Hooks
	calls *int
}

func newFixture(t *testing.T, svc batch.Service) *fixture {
	t.Helper()
	store, err := jobstore.Open(context.Background(), jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	calls := 0
	reg := continuation.NewRegistry()
	reg.MustRegister("speech.transcript", func(context.Context, batch.Result, job.Context) error {
		calls++
		return nil
	})

	manifest, err := pipeline.LoadFromBytes([]byte(`
models:
  default: gemini-1.5-flash
routes:
  - pattern: "batch-results/*/predictions*.jsonl"
    handle_segment: 1
`))
	require.NoError(t, err)

	return &fixture{
		store: store,
		hooks: &Hooks{
			Service:  svc,
			Disp:     dispatch.New(store, reg, nil),
			Manifest: manifest,
			Log:      nil,
		},
		calls: &calls,
	}
}

func (f *fixture) createRunningJob(t *testing.T, handle string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.Create(ctx, &job.Job{
		RequestPayload: []byte(`{"contents":[]}`),
		ModelID:        "gemini-1.5-flash",
		QuotaClass:     job.QuotaAudioTranscript,
		Continuation:   "speech.transcript",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Transition(ctx, id, job.StatusNew, job.StatusRunning))
	require.NoError(t, f.store.SetHandle(ctx, id, handle))
	return id
}

func TestBatchCompletion(t *testing.T) {
	t.Run("fetches the result and dispatches", func(t *testing.T) {
		svc := &resultService{results: map[string]batch.Result{
			"bp-1": {Payload: []byte("transcript")},
		}}
		f := newFixture(t, svc)
		id := f.createRunningJob(t, "bp-1")

		req := httptest.NewRequest(http.MethodPost, "/hooks/batch",
			strings.NewReader(`{"handle":"bp-1","state":"succeeded"}`))
		w := httptest.NewRecorder()
		f.hooks.BatchCompletion(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, 1, *f.calls)

		got, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, got.Finished)
	})

	t.Run("progress notification is acknowledged without a fetch", func(t *testing.T) {
		f := newFixture(t, &resultService{err: fmt.Errorf("must not be called")})

		req := httptest.NewRequest(http.MethodPost, "/hooks/batch",
			strings.NewReader(`{"handle":"bp-1","state":"running"}`))
		w := httptest.NewRecorder()
		f.hooks.BatchCompletion(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Zero(t, *f.calls)
	})

	t.Run("missing handle is a bad request", func(t *testing.T) {
		f := newFixture(t, &resultService{})

		req := httptest.NewRequest(http.MethodPost, "/hooks/batch", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		f.hooks.BatchCompletion(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid json is a bad request", func(t *testing.T) {
		f := newFixture(t, &resultService{})

		req := httptest.NewRequest(http.MethodPost, "/hooks/batch", strings.NewReader(`{`))
		w := httptest.NewRecorder()
		f.hooks.BatchCompletion(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("transport failure asks for redelivery", func(t *testing.T) {
		svc := &resultService{err: fmt.Errorf("fetch: %w", batch.ErrTransport)}
		f := newFixture(t, svc)
		f.createRunningJob(t, "bp-1")

		req := httptest.NewRequest(http.MethodPost, "/hooks/batch",
			strings.NewReader(`{"handle":"bp-1"}`))
		w := httptest.NewRecorder()
		f.hooks.BatchCompletion(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("duplicate delivery dispatches once", func(t *testing.T) {
		svc := &resultService{results: map[string]batch.Result{
			"bp-1": {Payload: []byte("x")},
		}}
		f := newFixture(t, svc)
		f.createRunningJob(t, "bp-1")

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodPost, "/hooks/batch",
				strings.NewReader(`{"handle":"bp-1","state":"succeeded"}`))
			w := httptest.NewRecorder()
			f.hooks.BatchCompletion(w, req)
			assert.Equal(t, http.StatusNoContent, w.Code)
		}
		assert.Equal(t, 1, *f.calls)
	})

	t.Run("handle lost at the service fails the job", func(t *testing.T) {
		svc := &resultService{results: map[string]batch.Result{}}
		f := newFixture(t, svc)
		id := f.createRunningJob(t, "bp-gone")

		req := httptest.NewRequest(http.MethodPost, "/hooks/batch",
			strings.NewReader(`{"handle":"bp-gone","state":"succeeded"}`))
		w := httptest.NewRecorder()
		f.hooks.BatchCompletion(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)

		got, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
	})
}

func TestStorageFinalized(t *testing.T) {
	t.Run("routes the object key to its handle", func(t *testing.T) {
		svc := &resultService{results: map[string]batch.Result{
			"bp-9": {Payload: []byte("transcript")},
		}}
		f := newFixture(t, svc)
		id := f.createRunningJob(t, "bp-9")

		req := httptest.NewRequest(http.MethodPost, "/hooks/storage",
			strings.NewReader(`{"bucket":"artifacts","key":"batch-results/bp-9/predictions-0001.jsonl"}`))
		w := httptest.NewRecorder()
		f.hooks.StorageFinalized(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, 1, *f.calls)

		got, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, got.Finished)
	})

	t.Run("unmatched key is acknowledged and dropped", func(t *testing.T) {
		f := newFixture(t, &resultService{err: fmt.Errorf("must not be called")})

		req := httptest.NewRequest(http.MethodPost, "/hooks/storage",
			strings.NewReader(`{"key":"uploads/audio/clip.mp3"}`))
		w := httptest.NewRecorder()
		f.hooks.StorageFinalized(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Zero(t, *f.calls)
	})

	t.Run("missing key is a bad request", func(t *testing.T) {
		f := newFixture(t, &resultService{})

		req := httptest.NewRequest(http.MethodPost, "/hooks/storage", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		f.hooks.StorageFinalized(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no manifest configured", func(t *testing.T) {
		f := newFixture(t, &resultService{})
		f.hooks.Manifest = nil

		req := httptest.NewRequest(http.MethodPost, "/hooks/storage",
			strings.NewReader(`{"key":"batch-results/bp-1/predictions.jsonl"}`))
		w := httptest.NewRecorder()
		f.hooks.StorageFinalized(w, req)

		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}

func TestHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	Health(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
