// Package pipeline defines the deployment manifest for the batch scheduler:
// per-quota-class concurrency caps, model defaults, and the storage-event
// routes the webhook server uses to recognize batch output objects.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lyrobin/gembatch/pkg/job"
)

// Manifest is the parsed pipeline manifest.
type Manifest struct {
	// Quotas overrides concurrency caps per quota class. Classes absent
	// here keep their compile-time defaults; unknown classes are rejected.
	Quotas map[string]int `yaml:"quotas"`

	// Models configures model endpoints.
	Models ModelConfig `yaml:"models"`

	// Routes lists storage object-key patterns that identify batch output
	// notifications.
	Routes []StorageRoute `yaml:"routes"`
}

// ModelConfig names the model endpoints used by the pipelines.
type ModelConfig struct {
	// Default is the model used when a submission names none.
	Default string `yaml:"default"`

	// Overrides maps quota classes to dedicated models.
	Overrides map[string]string `yaml:"overrides"`
}

// StorageRoute matches storage-finalize object keys to batch jobs.
type StorageRoute struct {
	// Pattern is a doublestar glob over the object key,
	// e.g. "batch-results/*/predictions*.jsonl".
	Pattern string `yaml:"pattern"`

	// HandleSegment is the zero-based index of the path segment that
	// carries the external handle.
	HandleSegment int `yaml:"handle_segment"`
}

// Match reports whether an object key belongs to this route and, if so,
// extracts the external handle from the configured path segment.
func (r StorageRoute) Match(key string) (string, bool) {
	ok, err := doublestar.Match(r.Pattern, key)
	if err != nil || !ok {
		return "", false
	}
	segments := strings.Split(key, "/")
	if r.HandleSegment < 0 || r.HandleSegment >= len(segments) {
		return "", false
	}
	return segments[r.HandleSegment], true
}

// Validate checks the manifest for unknown quota classes, non-positive
// caps, and malformed route patterns.
func (m *Manifest) Validate() error {
	for class, cap := range m.Quotas {
		if _, err := job.ParseQuotaClass(class); err != nil {
			return fmt.Errorf("quotas: %w", err)
		}
		if cap < 1 {
			return fmt.Errorf("quotas: %s: cap must be positive, got %d", class, cap)
		}
	}

	for class := range m.Models.Overrides {
		if _, err := job.ParseQuotaClass(class); err != nil {
			return fmt.Errorf("models.overrides: %w", err)
		}
	}

	for i, route := range m.Routes {
		if strings.TrimSpace(route.Pattern) == "" {
			return fmt.Errorf("routes[%d]: pattern is empty", i)
		}
		if !doublestar.ValidatePattern(route.Pattern) {
			return fmt.Errorf("routes[%d]: invalid pattern: %s", i, route.Pattern)
		}
		if route.HandleSegment < 0 {
			return fmt.Errorf("routes[%d]: handle_segment must be >= 0", i)
		}
	}

	return nil
}

// Caps merges the manifest quota overrides onto the compile-time defaults.
func (m *Manifest) Caps() map[job.QuotaClass]int {
	caps := make(map[job.QuotaClass]int, len(job.DefaultCaps))
	for class, cap := range job.DefaultCaps {
		caps[class] = cap
	}
	for class, cap := range m.Quotas {
		caps[job.QuotaClass(class)] = cap
	}
	return caps
}

// ModelFor returns the model for a quota class, falling back to the default.
func (m *Manifest) ModelFor(class job.QuotaClass) (string, error) {
	if model, ok := m.Models.Overrides[string(class)]; ok {
		return model, nil
	}
	if m.Models.Default != "" {
		return m.Models.Default, nil
	}
	return "", errors.New("no model configured")
}

// ResolveHandle matches an object key against all routes and returns the
// first extracted handle.
func (m *Manifest) ResolveHandle(key string) (string, bool) {
	for _, route := range m.Routes {
		if handle, ok := route.Match(key); ok {
			return handle, true
		}
	}
	return "", false
}
