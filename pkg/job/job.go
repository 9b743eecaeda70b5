// Package job defines the unit of outsourced batch prediction work and the
// quota classes used for admission control.
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a batch prediction job.
//
// NOTE: These values are persisted in the job store and are part of the
// stable on-disk contract.
type Status string

const (
	StatusNew      Status = "new"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// QuotaClass is a logical bucket used to cap the number of concurrently
// running jobs of a given kind.
//
// Classes are a closed set. Free-form strings would let a typo create an
// unbounded quota class, so every class the binary admits must be declared
// here and carry an entry in DefaultCaps.
type QuotaClass string

const (
	QuotaBatchPrediction QuotaClass = "batch-prediction"
	QuotaDocumentSummary QuotaClass = "document-summary"
	QuotaAudioTranscript QuotaClass = "audio-transcript"
	QuotaSpeechesSummary QuotaClass = "speeches-summary"
	QuotaEmbedding       QuotaClass = "embedding"
)

// DefaultCaps is the compile-time admission cap table. A pipeline manifest
// may override individual caps but cannot introduce new classes.
var DefaultCaps = map[QuotaClass]int{
	QuotaBatchPrediction: 4,
	QuotaDocumentSummary: 2,
	QuotaAudioTranscript: 2,
	QuotaSpeechesSummary: 1,
	QuotaEmbedding:       4,
}

// Classes returns all declared quota classes.
func Classes() []QuotaClass {
	return []QuotaClass{
		QuotaBatchPrediction,
		QuotaDocumentSummary,
		QuotaAudioTranscript,
		QuotaSpeechesSummary,
		QuotaEmbedding,
	}
}

// ParseQuotaClass validates a quota class string against the declared set.
func ParseQuotaClass(s string) (QuotaClass, error) {
	qc := QuotaClass(strings.TrimSpace(s))
	if _, ok := DefaultCaps[qc]; !ok {
		return "", fmt.Errorf("unknown quota class: %q", s)
	}
	return qc, nil
}

// Context is the flat key/value state carried from Submit to the job's
// continuation. Values are restricted to primitives so the context stays
// fully serializable across process restarts. Richer state belongs in the
// business documents the continuation mutates, not here.
type Context map[string]any

// ErrNonPrimitiveValue indicates a context value outside the allowed
// primitive set.
var ErrNonPrimitiveValue = errors.New("context value is not a primitive")

// Validate checks that every value is a string, bool, integer, or float.
func (c Context) Validate() error {
	for k, v := range c {
		if strings.TrimSpace(k) == "" {
			return errors.New("context key is empty")
		}
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("context key %q: %w (got %T)", k, ErrNonPrimitiveValue, v)
		}
	}
	return nil
}

// String returns the string value for key, or def when absent or not a string.
func (c Context) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the bool value for key, or def when absent or not a bool.
func (c Context) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when absent.
//
// JSON round-trips store numbers as float64, so both forms are accepted.
func (c Context) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Job is a unit of outsourced AI work owned by the scheduler from creation
// until it reaches a terminal status. Terminal jobs are retained for audit;
// pruning is a separate concern.
type Job struct {
	ID             string
	RequestPayload []byte
	ModelID        string
	QuotaClass     QuotaClass
	Continuation   string
	Context        Context
	Status         Status
	Finished       bool
	ExternalHandle string
	Outcome        string
	SubmitTime     time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Validate checks the fields a producer must supply before the job can be
// persisted.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ModelID) == "" {
		return errors.New("model_id is required")
	}
	if strings.TrimSpace(j.Continuation) == "" {
		return errors.New("continuation is required")
	}
	if _, err := ParseQuotaClass(string(j.QuotaClass)); err != nil {
		return err
	}
	if len(j.RequestPayload) == 0 {
		return errors.New("request payload is empty")
	}
	return j.Context.Validate()
}
