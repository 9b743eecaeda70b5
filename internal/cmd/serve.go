package cmd

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lyrobin/gembatch/internal/config"
	"github.com/lyrobin/gembatch/internal/observability"
	"github.com/lyrobin/gembatch/internal/server"
	"github.com/lyrobin/gembatch/internal/server/handlers"
	"github.com/lyrobin/gembatch/pkg/batch"
	"github.com/lyrobin/gembatch/pkg/blobcache"
	s3store "github.com/lyrobin/gembatch/pkg/blobcache/s3"
	"github.com/lyrobin/gembatch/pkg/continuation"
	"github.com/lyrobin/gembatch/pkg/dispatch"
	"github.com/lyrobin/gembatch/pkg/jobstore"
	"github.com/lyrobin/gembatch/pkg/pipeline"
	"github.com/lyrobin/gembatch/pkg/retry"
	"github.com/lyrobin/gembatch/pkg/scheduler"
	"github.com/lyrobin/gembatch/pkg/stages"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler: the admission sweeper, the completion poller,
and the webhook server, until interrupted.

Example:
  gembatch serve --config gembatch.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log, err := observability.NewLogger(cfg.Logging.Level)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid log level", err)
	}
	defer func() { _ = log.Sync() }()

	manifest := pipeline.Default()
	if cfg.Manifest != "" {
		manifest, err = pipeline.Load(cfg.Manifest)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid pipeline manifest", err)
		}
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

	svc, err := batch.NewHTTPService(batch.HTTPConfig{
		BaseURL:        cfg.Batch.BaseURL,
		AuthToken:      cfg.Batch.AuthToken,
		RequestTimeout: cfg.Batch.RequestTimeout,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid batch service configuration", err)
	}

	var artifacts *blobcache.Cache
	if cfg.Cache.Bucket != "" {
		s3Store, err := s3store.New(ctx, s3store.Config{
			Bucket:         cfg.Cache.Bucket,
			Region:         cfg.Cache.Region,
			Endpoint:       cfg.Cache.Endpoint,
			Profile:        cfg.Cache.Profile,
			ForcePathStyle: cfg.Cache.ForcePathStyle,
		})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open artifact store", err)
		}
		artifacts = blobcache.New(s3Store, log.Named("cache"))
	} else {
		log.Warn("No artifact bucket configured, stage outputs will not be persisted")
	}

	exec := scheduler.NewExecutor(store, svc, scheduler.ExecutorConfig{
		SubmitTimeout: cfg.Batch.SubmitTimeout,
		RateLimit:     cfg.Batch.RateLimit,
		Retry:         retry.DefaultConfig(),
	}, log.Named("executor"))

	sched := scheduler.New(store, exec, manifest.Caps(), log.Named("scheduler"))
	sweeper := scheduler.NewSweeper(sched, exec, cfg.SweepInterval, log.Named("sweeper"))
	submitter := scheduler.NewSubmitter(store, sweeper.Notify, log.Named("submitter"))

	registry := continuation.NewRegistry()
	pipelineStages := stages.New(submitter, artifacts, manifest, log.Named("stages"))
	if err := pipelineStages.Register(registry); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot register continuations", err)
	}

	disp := dispatch.New(store, registry, log.Named("dispatcher"))
	poller := dispatch.NewPoller(store, svc, disp, nil, cfg.PollInterval, log.Named("poller"))

	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, &handlers.Hooks{
		Service:  svc,
		Disp:     disp,
		Manifest: manifest,
		Log:      log.Named("hooks"),
	}, log.Named("server"))

	log.Info("Scheduler starting",
		zap.String("addr", srv.Addr()),
		zap.String("store", cfg.Store.Path),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("poll_interval", cfg.PollInterval))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{
		sweeper.Run,
		poller.Run,
		func(c context.Context) error { return srv.Run(c, cfg.Server.ShutdownTimeout) },
	} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				cancel()
			}
		}(run)
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler stopped", err)
	default:
	}
	log.Info("Scheduler stopped")
	return nil
}
