// Package continuation maps stable names to resumable result handlers.
//
// A job persists only its continuation name and a flat context map, never a
// function value, so any binary that registers the same names can resume a
// pipeline after a restart. Registration is static: it happens at process
// start, before any job can be dispatched, which guarantees a live job's
// name stays resolvable for the lifetime of the binary that registered it.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/job"
)

// Handler consumes a job's terminal result together with the context saved
// at submit time. Handlers may submit follow-up jobs, which is how
// multi-stage pipelines chain; they must not touch scheduler state by any
// other means.
type Handler func(ctx context.Context, res batch.Result, jctx job.Context) error

// Sentinel errors for registry operations.
var (
	// ErrDuplicateName indicates a name was registered twice.
	ErrDuplicateName = errors.New("continuation name already registered")

	// ErrUnknownContinuation indicates no handler is bound to the name.
	ErrUnknownContinuation = errors.New("unknown continuation")
)

// Registry is a process-wide, append-only name-to-handler mapping.
//
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to handler. Names are append-only: rebinding fails
// with ErrDuplicateName so a typo cannot silently shadow a live pipeline.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("continuation name is empty")
	}
	if h == nil {
		return fmt.Errorf("continuation %q: handler is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for process-start wiring, where a duplicate name
// is a programming error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler bound to name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContinuation, name)
	}
	return h, nil
}

// Names returns the registered names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
