package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyrobin/gembatch/internal/server/handlers"
	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/continuation"
	"github.com/lyrobin/gembatch/pkg/dispatch"
	"github.com/lyrobin/gembatch/pkg/jobstore"
	"github.com/lyrobin/gembatch/pkg/pipeline"
)

type stubService struct{}

func (stubService) Submit(context.Context, []byte, string) (string, error) {
	return "", fmt.Errorf("not used")
}

func (stubService) Poll(context.Context, string) (batch.State, error) {
	return batch.StateRunning, nil
}

func (stubService) FetchResult(context.Context, string) (batch.Result, error) {
	return batch.Result{}, fmt.Errorf("fetch: %w", batch.ErrNotFound)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := jobstore.Open(context.Background(), jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hooks := &handlers.Hooks{
		Service:  stubService{},
		Disp:     dispatch.New(store, continuation.NewRegistry(), nil),
		Manifest: pipeline.Default(),
	}
	return New(Config{Host: "127.0.0.1", Port: 0}, hooks, nil)
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
		{"batch hook accepts completion", http.MethodPost, "/hooks/batch", `{"handle":"bp-1","state":"succeeded"}`, http.StatusNoContent},
		{"storage hook rejects empty body", http.MethodPost, "/hooks/storage", `{}`, http.StatusBadRequest},
		{"unknown path", http.MethodGet, "/nope", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/hooks/batch", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *strings.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAddr(t *testing.T) {
	srv := New(Config{Host: "0.0.0.0", Port: 8080}, &handlers.Hooks{Service: stubService{}}, nil)
	assert.Equal(t, "0.0.0.0:8080", srv.Addr())
}
