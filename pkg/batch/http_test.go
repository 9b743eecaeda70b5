package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *HTTPService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := NewHTTPService(HTTPConfig{BaseURL: srv.URL, AuthToken: "test-token"})
	require.NoError(t, err)
	return svc
}

func TestHTTPConfigValidate(t *testing.T) {
	assert.Error(t, HTTPConfig{}.Validate())
	assert.NoError(t, HTTPConfig{BaseURL: "https://batch.example.com"}.Validate())
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("posts model and payload, returns handle", func(t *testing.T) {
		svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/jobs", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

			var req struct {
				Model   string          `json:"model"`
				Request json.RawMessage `json:"request"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "gemini-1.5-flash", req.Model)
			assert.JSONEq(t, `{"contents":[]}`, string(req.Request))

			_ = json.NewEncoder(w).Encode(map[string]string{"handle": "bp-123"})
		})

		handle, err := svc.Submit(ctx, []byte(`{"contents":[]}`), "gemini-1.5-flash")
		require.NoError(t, err)
		assert.Equal(t, "bp-123", handle)
	})

	t.Run("empty model rejected locally", func(t *testing.T) {
		svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		})
		_, err := svc.Submit(ctx, []byte(`{}`), " ")
		assert.True(t, IsInvalidRequest(err))
	})

	t.Run("empty handle in response is transport", func(t *testing.T) {
		svc := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{})
		})
		_, err := svc.Submit(ctx, []byte(`{}`), "m")
		assert.True(t, IsTransport(err))
	})
}

func TestPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("maps states", func(t *testing.T) {
		for _, want := range []State{StatePending, StateRunning, StateSucceeded, StateFailed} {
			svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/jobs/bp-1", r.URL.Path)
				_ = json.NewEncoder(w).Encode(map[string]string{"state": string(want)})
			})
			got, err := svc.Poll(ctx, "bp-1")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("unknown state is transport", func(t *testing.T) {
		svc := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "paused"})
		})
		_, err := svc.Poll(ctx, "bp-1")
		assert.True(t, IsTransport(err))
	})
}

func TestFetchResult(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/bp-1/result", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payload": json.RawMessage(`{"text":"transcript"}`),
		})
	})

	res, err := svc.FetchResult(ctx, "bp-1")
	require.NoError(t, err)
	assert.Equal(t, "bp-1", res.Handle)
	assert.JSONEq(t, `{"text":"transcript"}`, string(res.Payload))
	assert.False(t, res.Failed())
}

func TestStatusClassification(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"404 is not found", http.StatusNotFound, "", IsNotFound},
		{"429 is retryable", http.StatusTooManyRequests, "slow down", IsTransport},
		{"403 with quota is fatal quota", http.StatusForbidden, "Quota exceeded for model", IsQuotaExceeded},
		{"403 without quota is invalid", http.StatusForbidden, "forbidden", IsInvalidRequest},
		{"500 is transport", http.StatusInternalServerError, "oops", IsTransport},
		{"503 is transport", http.StatusServiceUnavailable, "maintenance", IsTransport},
		{"400 is invalid", http.StatusBadRequest, "bad payload", IsInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, tt.body, tt.status)
			})
			_, err := svc.Poll(ctx, "bp-1")
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestConnectionRefusedIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	svc, err := NewHTTPService(HTTPConfig{BaseURL: base})
	require.NoError(t, err)

	_, err = svc.Poll(context.Background(), "bp-1")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestServiceError(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	})

	_, err := svc.Submit(context.Background(), []byte(`{}`), "gemini-1.5-flash")
	require.Error(t, err)

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Submit", se.Op)
	assert.Equal(t, "gemini-1.5-flash", se.ModelID)
	assert.True(t, Fatal(err))
}
