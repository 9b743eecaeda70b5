// Package stages wires the legislative speech pipeline: an audio transcript
// job whose continuation stores the transcript and fans out summary and
// hashtag jobs, each of which stores its own result when it completes.
//
// Each handler is a registered continuation. Handlers receive the raw model
// output plus the job context, persist the artifact through the blob cache,
// and submit the next stage. A handler error fails the job; the next stages
// are only submitted after the artifact write succeeds. Persistence goes
// through the cache's get-or-compute path, so replaying an already-completed
// stage leaves the stored artifact untouched.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/blobcache"
	"github.com/lyrobin/gembatch/pkg/continuation"
	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/pipeline"
	"github.com/lyrobin/gembatch/pkg/scheduler"
)

// Continuation names registered by this package.
const (
	ContTranscript = "speech.transcript"
	ContSummary    = "speech.summary"
	ContHashtags   = "speech.hashtags"
)

// Artifact names stored under a speech's document path.
const (
	transcriptArtifact = "transcript.txt"
	summaryArtifact    = "summary.txt"
	hashtagsArtifact   = "hashtags.json"
)

// Submitter is the slice of the scheduler the stages need.
type Submitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
}

// Stages holds the dependencies shared by the pipeline handlers.
type Stages struct {
	submit   Submitter
	cache    *blobcache.Cache
	manifest *pipeline.Manifest
	log      *zap.Logger
}

// New builds the stage handlers. cache may be nil, in which case artifacts
// are not persisted and only the chain submissions happen.
func New(submit Submitter, cache *blobcache.Cache, m *pipeline.Manifest, log *zap.Logger) *Stages {
	if m == nil {
		m = pipeline.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stages{submit: submit, cache: cache, manifest: m, log: log}
}

// Register installs all stage continuations into the registry.
func (s *Stages) Register(reg *continuation.Registry) error {
	for name, h := range map[string]continuation.Handler{
		ContTranscript: s.onTranscript,
		ContSummary:    s.onSummary,
		ContHashtags:   s.onHashtags,
	} {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// StartTranscribe submits the first stage for a speech document.
func (s *Stages) StartTranscribe(ctx context.Context, docPath string, payload []byte) (string, error) {
	if docPath == "" {
		return "", fmt.Errorf("start transcribe: empty document path")
	}
	model, err := s.manifest.ModelFor(job.QuotaAudioTranscript)
	if err != nil {
		return "", fmt.Errorf("start transcribe: %w", err)
	}
	return s.submit.Submit(ctx, scheduler.SubmitRequest{
		Payload:      payload,
		ModelID:      model,
		QuotaClass:   job.QuotaAudioTranscript,
		Continuation: ContTranscript,
		Context:      job.Context{"doc_path": docPath},
	})
}

// onTranscript stores the transcript and fans out the summary and hashtag
// stages. The downstream payloads embed the transcript text so the next
// model calls are self-contained.
func (s *Stages) onTranscript(ctx context.Context, res batch.Result, jctx job.Context) error {
	docPath, err := docPathFrom(jctx)
	if err != nil {
		return err
	}
	if len(res.Payload) == 0 {
		return fmt.Errorf("transcript stage: empty result for %s", docPath)
	}

	if err := s.put(ctx, path.Join(docPath, transcriptArtifact), res.Payload, "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("transcript stage: %w", err)
	}

	next := job.Context{"doc_path": docPath}
	if _, err := s.submitStage(ctx, job.QuotaDocumentSummary, ContSummary, res.Payload, next); err != nil {
		return fmt.Errorf("transcript stage: submit summary: %w", err)
	}
	if _, err := s.submitStage(ctx, job.QuotaSpeechesSummary, ContHashtags, res.Payload, next); err != nil {
		return fmt.Errorf("transcript stage: submit hashtags: %w", err)
	}

	s.log.Info("Transcript stored, downstream stages submitted",
		zap.String("doc_path", docPath), zap.Int("bytes", len(res.Payload)))
	return nil
}

func (s *Stages) onSummary(ctx context.Context, res batch.Result, jctx job.Context) error {
	docPath, err := docPathFrom(jctx)
	if err != nil {
		return err
	}
	if len(res.Payload) == 0 {
		return fmt.Errorf("summary stage: empty result for %s", docPath)
	}
	if err := s.put(ctx, path.Join(docPath, summaryArtifact), res.Payload, "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("summary stage: %w", err)
	}
	s.log.Info("Summary stored", zap.String("doc_path", docPath))
	return nil
}

// onHashtags validates the model output is a JSON array of strings before
// storing it; a malformed result fails the job rather than persisting junk.
func (s *Stages) onHashtags(ctx context.Context, res batch.Result, jctx job.Context) error {
	docPath, err := docPathFrom(jctx)
	if err != nil {
		return err
	}
	var tags []string
	if err := json.Unmarshal(res.Payload, &tags); err != nil {
		return fmt.Errorf("hashtags stage: malformed result for %s: %w", docPath, err)
	}
	if err := s.put(ctx, path.Join(docPath, hashtagsArtifact), res.Payload, "application/json"); err != nil {
		return fmt.Errorf("hashtags stage: %w", err)
	}
	s.log.Info("Hashtags stored", zap.String("doc_path", docPath), zap.Int("count", len(tags)))
	return nil
}

func (s *Stages) submitStage(ctx context.Context, class job.QuotaClass, cont string, payload []byte, jctx job.Context) (string, error) {
	model, err := s.manifest.ModelFor(class)
	if err != nil {
		return "", err
	}
	return s.submit.Submit(ctx, scheduler.SubmitRequest{
		Payload:      payload,
		ModelID:      model,
		QuotaClass:   class,
		Continuation: cont,
		Context:      jctx,
	})
}

// put persists an artifact through the cache. A key that already holds an
// object is left as is, which keeps replayed stages from overwriting the
// artifact a previous run materialized.
func (s *Stages) put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.cache == nil {
		s.log.Debug("No artifact store configured, skipping write", zap.String("key", key))
		return nil
	}
	_, err := s.cache.GetOrCompute(ctx, key, contentType, func(context.Context) ([]byte, error) {
		return data, nil
	})
	return err
}

func docPathFrom(jctx job.Context) (string, error) {
	docPath := jctx.String("doc_path", "")
	if docPath == "" {
		return "", fmt.Errorf("job context missing doc_path")
	}
	return docPath, nil
}
