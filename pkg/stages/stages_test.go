package stages

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/blobcache"
	"github.com/lyrobin/gembatch/pkg/continuation"
	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/pipeline"
	"github.com/lyrobin/gembatch/pkg/scheduler"
)

type fakeSubmitter struct {
	requests []scheduler.SubmitRequest
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req scheduler.SubmitRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	return fmt.Sprintf("job-%d", len(f.requests)), nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	writes  int
	err     error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeBlobStore) cache() *blobcache.Cache {
	return blobcache.New(f, nil)
}

func (f *fakeBlobStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlobStore) Read(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key], nil
}

func (f *fakeBlobStore) Write(_ context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes++
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func testManifest(t *testing.T) *pipeline.Manifest {
	t.Helper()
	m, err := pipeline.LoadFromBytes([]byte(`
models:
  default: gemini-1.5-flash
  overrides:
    audio-transcript: gemini-1.5-pro
`))
	require.NoError(t, err)
	return m
}

func TestRegister(t *testing.T) {
	s := New(&fakeSubmitter{}, nil, testManifest(t), nil)
	reg := continuation.NewRegistry()
	require.NoError(t, s.Register(reg))
	assert.ElementsMatch(t, []string{ContTranscript, ContSummary, ContHashtags}, reg.Names())

	// Double registration collides on every name.
	require.Error(t, s.Register(reg))
}

func TestStartTranscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("submits the transcript stage", func(t *testing.T) {
		sub := &fakeSubmitter{}
		s := New(sub, nil, testManifest(t), nil)

		id, err := s.StartTranscribe(ctx, "speeches/2024/0611", []byte(`{"contents":[]}`))
		require.NoError(t, err)
		assert.Equal(t, "job-1", id)

		require.Len(t, sub.requests, 1)
		req := sub.requests[0]
		assert.Equal(t, job.QuotaAudioTranscript, req.QuotaClass)
		assert.Equal(t, ContTranscript, req.Continuation)
		assert.Equal(t, "gemini-1.5-pro", req.ModelID)
		assert.Equal(t, "speeches/2024/0611", req.Context.String("doc_path", ""))
	})

	t.Run("empty doc path rejected", func(t *testing.T) {
		s := New(&fakeSubmitter{}, nil, testManifest(t), nil)
		_, err := s.StartTranscribe(ctx, "", []byte(`{}`))
		require.Error(t, err)
	})
}

func TestOnTranscript(t *testing.T) {
	ctx := context.Background()

	t.Run("stores transcript and fans out both stages", func(t *testing.T) {
		sub := &fakeSubmitter{}
		store := newFakeBlobStore()
		s := New(sub, store.cache(), testManifest(t), nil)

		err := s.onTranscript(ctx,
			batch.Result{Payload: []byte("00:01 - 00:05 opening remarks")},
			job.Context{"doc_path": "speeches/2024/0611"})
		require.NoError(t, err)

		assert.Equal(t, []byte("00:01 - 00:05 opening remarks"),
			store.objects["speeches/2024/0611/transcript.txt"])

		require.Len(t, sub.requests, 2)
		classes := []job.QuotaClass{sub.requests[0].QuotaClass, sub.requests[1].QuotaClass}
		assert.ElementsMatch(t, []job.QuotaClass{job.QuotaDocumentSummary, job.QuotaSpeechesSummary}, classes)
		for _, req := range sub.requests {
			assert.Equal(t, "speeches/2024/0611", req.Context.String("doc_path", ""))
			assert.Equal(t, []byte("00:01 - 00:05 opening remarks"), req.Payload)
		}
	})

	t.Run("missing doc path fails", func(t *testing.T) {
		s := New(&fakeSubmitter{}, newFakeBlobStore().cache(), testManifest(t), nil)
		err := s.onTranscript(ctx, batch.Result{Payload: []byte("x")}, job.Context{})
		require.Error(t, err)
	})

	t.Run("empty result fails", func(t *testing.T) {
		s := New(&fakeSubmitter{}, newFakeBlobStore().cache(), testManifest(t), nil)
		err := s.onTranscript(ctx, batch.Result{}, job.Context{"doc_path": "d"})
		require.Error(t, err)
	})

	t.Run("replay keeps the existing artifact", func(t *testing.T) {
		sub := &fakeSubmitter{}
		store := newFakeBlobStore()
		store.objects["speeches/2024/0611/transcript.txt"] = []byte("first run")
		s := New(sub, store.cache(), testManifest(t), nil)

		err := s.onTranscript(ctx,
			batch.Result{Payload: []byte("second run")},
			job.Context{"doc_path": "speeches/2024/0611"})
		require.NoError(t, err)

		// The materialized artifact wins; no overwrite occurs and the
		// downstream stages are still submitted.
		assert.Equal(t, []byte("first run"), store.objects["speeches/2024/0611/transcript.txt"])
		assert.Zero(t, store.writes)
		assert.Len(t, sub.requests, 2)
	})

	t.Run("store failure fails before fan-out", func(t *testing.T) {
		sub := &fakeSubmitter{}
		store := newFakeBlobStore()
		store.err = fmt.Errorf("bucket unavailable")
		s := New(sub, store.cache(), testManifest(t), nil)

		err := s.onTranscript(ctx, batch.Result{Payload: []byte("x")}, job.Context{"doc_path": "d"})
		require.Error(t, err)
		assert.Empty(t, sub.requests)
	})

	t.Run("nil cache skips persistence but still chains", func(t *testing.T) {
		sub := &fakeSubmitter{}
		s := New(sub, nil, testManifest(t), nil)

		err := s.onTranscript(ctx, batch.Result{Payload: []byte("x")}, job.Context{"doc_path": "d"})
		require.NoError(t, err)
		assert.Len(t, sub.requests, 2)
	})
}

func TestOnSummary(t *testing.T) {
	ctx := context.Background()
	store := newFakeBlobStore()
	s := New(&fakeSubmitter{}, store.cache(), testManifest(t), nil)

	require.NoError(t, s.onSummary(ctx,
		batch.Result{Payload: []byte("總結內容")},
		job.Context{"doc_path": "speeches/2024/0611"}))

	assert.Equal(t, []byte("總結內容"), store.objects["speeches/2024/0611/summary.txt"])
	assert.Equal(t, "text/plain; charset=utf-8", store.types["speeches/2024/0611/summary.txt"])
}

func TestOnHashtags(t *testing.T) {
	ctx := context.Background()

	t.Run("stores a valid tag array", func(t *testing.T) {
		store := newFakeBlobStore()
		s := New(&fakeSubmitter{}, store.cache(), testManifest(t), nil)

		require.NoError(t, s.onHashtags(ctx,
			batch.Result{Payload: []byte(`["#預算","#質詢"]`)},
			job.Context{"doc_path": "speeches/2024/0611"}))

		assert.JSONEq(t, `["#預算","#質詢"]`, string(store.objects["speeches/2024/0611/hashtags.json"]))
		assert.Equal(t, "application/json", store.types["speeches/2024/0611/hashtags.json"])
	})

	t.Run("malformed output fails without persisting", func(t *testing.T) {
		store := newFakeBlobStore()
		s := New(&fakeSubmitter{}, store.cache(), testManifest(t), nil)

		err := s.onHashtags(ctx,
			batch.Result{Payload: []byte("just some prose")},
			job.Context{"doc_path": "d"})
		require.Error(t, err)
		assert.Empty(t, store.objects)
	})
}
