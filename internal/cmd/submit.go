package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/internal/config"
	"github.com/lyrobin/gembatch/internal/observability"
	"github.com/lyrobin/gembatch/pkg/job"
	"github.com/lyrobin/gembatch/pkg/jobstore"
	"github.com/lyrobin/gembatch/pkg/scheduler"
)

var (
	submitPayloadPath  string
	submitModel        string
	submitQuota        string
	submitContinuation string
	submitContext      []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch job",
	Long: `Submit a job to the scheduler. The payload file holds the raw
request forwarded to the batch service; the continuation names the handler
that runs when the result arrives.

Example:
  gembatch submit --payload request.json --model gemini-1.5-flash \
      --quota audio-transcript --continuation speech.transcript \
      --context doc_path=speeches/2024/0611`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitPayloadPath, "payload", "p", "", "Path to the request payload file (required)")
	submitCmd.Flags().StringVarP(&submitModel, "model", "m", "", "Model identifier (required)")
	submitCmd.Flags().StringVarP(&submitQuota, "quota", "q", string(job.QuotaBatchPrediction), "Quota class")
	submitCmd.Flags().StringVarP(&submitContinuation, "continuation", "c", "", "Continuation name (required)")
	submitCmd.Flags().StringArrayVar(&submitContext, "context", nil, "Context entry key=value (repeatable)")

	_ = submitCmd.MarkFlagRequired("payload")
	_ = submitCmd.MarkFlagRequired("model")
	_ = submitCmd.MarkFlagRequired("continuation")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	class, err := job.ParseQuotaClass(submitQuota)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid quota class", err)
	}

	jctx, err := parseContextFlags(submitContext)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid context entry", err)
	}

	payload, err := os.ReadFile(submitPayloadPath)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot read payload", err)
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	store, err := jobstore.Open(ctx, jobstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job store", err)
	}
	defer func() { _ = store.Close() }()

	submitter := scheduler.NewSubmitter(store, nil, observability.CLILogger)
	id, err := submitter.Submit(ctx, scheduler.SubmitRequest{
		Payload:      payload,
		ModelID:      submitModel,
		QuotaClass:   class,
		Continuation: submitContinuation,
		Context:      jctx,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Submission rejected", err)
	}

	observability.CLILogger.Info("Job submitted",
		zap.String("job_id", id),
		zap.String("quota_class", string(class)),
		zap.String("continuation", submitContinuation))
	fmt.Println(id)
	return nil
}

// parseContextFlags turns repeated key=value flags into a job context.
// Values that parse as bool, int, or float keep that type so handlers see
// the same primitives an embedding application would store.
func parseContextFlags(entries []string) (job.Context, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	jctx := make(job.Context, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed context entry %q, want key=value", entry)
		}
		switch {
		case value == "true" || value == "false":
			jctx[key] = value == "true"
		default:
			if n, err := strconv.Atoi(value); err == nil {
				jctx[key] = n
			} else if f, err := strconv.ParseFloat(value, 64); err == nil {
				jctx[key] = f
			} else {
				jctx[key] = value
			}
		}
	}
	return jctx, nil
}
