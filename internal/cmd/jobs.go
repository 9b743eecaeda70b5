package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/lyrobin/gembatch/internal/config"
	"github.com/lyrobin/gembatch/pkg/jobstore"
)

var jobsListLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs in the store",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job and its event trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "Maximum jobs to list")
}

func openStoreFromConfig(ctx context.Context) (*jobstore.Store, error) {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := jobstore.Open(ctx, jobstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job store", err)
	}
	return store, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStoreFromConfig(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(ctx, jobsListLimit)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list jobs", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tQUOTA\tSTATUS\tCONTINUATION\tSUBMITTED\tHANDLE")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.QuotaClass, j.Status, j.Continuation,
			j.SubmitTime.Format(time.RFC3339), j.ExternalHandle)
	}
	return w.Flush()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	store, err := openStoreFromConfig(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	j, err := store.Get(ctx, id)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot load job", err)
	}

	fmt.Printf("Job:          %s\n", j.ID)
	fmt.Printf("Quota class:  %s\n", j.QuotaClass)
	fmt.Printf("Model:        %s\n", j.ModelID)
	fmt.Printf("Status:       %s (finished=%t)\n", j.Status, j.Finished)
	fmt.Printf("Continuation: %s\n", j.Continuation)
	fmt.Printf("Submitted:    %s\n", j.SubmitTime.Format(time.RFC3339))
	if j.ExternalHandle != "" {
		fmt.Printf("Handle:       %s\n", j.ExternalHandle)
	}
	if j.StartedAt != nil {
		fmt.Printf("Started:      %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.FinishedAt != nil {
		fmt.Printf("Finished:     %s\n", j.FinishedAt.Format(time.RFC3339))
	}
	if j.Outcome != "" {
		fmt.Printf("Outcome:      %s\n", j.Outcome)
	}
	if len(j.Context) > 0 {
		fmt.Println("Context:")
		for k, v := range j.Context {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}

	events, err := store.ListEvents(ctx, id)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot load events", err)
	}
	if len(events) > 0 {
		fmt.Println("Events:")
		for _, ev := range events {
			line := fmt.Sprintf("  %s  %s", ev.OccurredAt.Format(time.RFC3339), ev.EventType)
			if ev.Detail != nil && *ev.Detail != "" {
				line += "  " + *ev.Detail
			}
			fmt.Println(line)
		}
	}
	return nil
}
