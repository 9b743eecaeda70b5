// Package handlers implements the webhook endpoints. The batch service and
// the storage bucket both push events here; every event is translated into a
// result fetch and handed to the dispatcher, which decides whether the job
// still needs its continuation.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/dispatch"
	"github.com/lyrobin/gembatch/pkg/pipeline"
)

// Hooks holds the dependencies shared by the webhook handlers.
type Hooks struct {
	Service  batch.Service
	Disp     *dispatch.Dispatcher
	Manifest *pipeline.Manifest
	Log      *zap.Logger
}

type batchEvent struct {
	Handle string `json:"handle"`
	State  string `json:"state"`
}

type storageEvent struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Health reports liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// BatchCompletion handles push notifications from the batch service. The
// notification carries only the handle and a state hint; the result itself is
// fetched back over the service API so the payload never depends on what the
// push channel chose to include.
func (h *Hooks) BatchCompletion(w http.ResponseWriter, r *http.Request) {
	var ev batchEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Handle == "" {
		writeError(w, http.StatusBadRequest, "missing handle")
		return
	}

	state := batch.State(ev.State)
	if ev.State != "" && !state.Terminal() {
		// Progress notifications are acknowledged but carry no result yet.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.fetchAndDispatch(r.Context(), ev.Handle); err != nil {
		h.log().Warn("Batch completion not dispatched",
			zap.String("handle", ev.Handle), zap.Error(err))
		if batch.IsTransport(err) {
			// Ask the push channel to redeliver; the poller also covers this.
			writeError(w, http.StatusServiceUnavailable, "result fetch failed")
			return
		}
		writeError(w, http.StatusBadGateway, "result fetch failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StorageFinalized handles object-finalize notifications from the artifact
// bucket. The object key is matched against the manifest routes to recover
// the external handle embedded in the path; keys that match no route are
// acknowledged and dropped.
func (h *Hooks) StorageFinalized(w http.ResponseWriter, r *http.Request) {
	var ev storageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	if h.Manifest == nil {
		writeError(w, http.StatusNotImplemented, "no storage routes configured")
		return
	}

	handle, ok := h.Manifest.ResolveHandle(ev.Key)
	if !ok {
		h.log().Debug("Storage event matched no route", zap.String("key", ev.Key))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.fetchAndDispatch(r.Context(), handle); err != nil {
		h.log().Warn("Storage event not dispatched",
			zap.String("key", ev.Key), zap.String("handle", handle), zap.Error(err))
		if batch.IsTransport(err) {
			writeError(w, http.StatusServiceUnavailable, "result fetch failed")
			return
		}
		writeError(w, http.StatusBadGateway, "result fetch failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hooks) fetchAndDispatch(ctx context.Context, handle string) error {
	res, err := h.Service.FetchResult(ctx, handle)
	if err != nil {
		if batch.IsNotFound(err) {
			return h.Disp.OnHandleLost(ctx, handle)
		}
		return err
	}
	return h.Disp.OnResult(ctx, handle, res)
}

func (h *Hooks) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
