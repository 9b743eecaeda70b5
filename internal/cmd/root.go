// Package cmd wires the gembatch CLI: serving the scheduler, submitting
// jobs, and inspecting the job store.
package cmd

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/lyrobin/gembatch/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootConfigPath string
	rootLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "gembatch",
	Short: "Continuation-passing batch job scheduler",
	Long: `gembatch schedules multi-stage generative batch pipelines.

Jobs are persisted with a named continuation and a small context map;
when the external batch service finishes a job, the continuation runs
and typically submits the next stage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := observability.InitCLILogger(rootLogLevel); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid log level", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

var exitCodeRe = regexp.MustCompile(`\(exit code (\d+)\)$`)

// Execute runs the root command and maps exitError codes onto the process
// exit status.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		code := 1
		if m := exitCodeRe.FindStringSubmatch(err.Error()); m != nil {
			if parsed, perr := strconv.Atoi(m[1]); perr == nil {
				code = parsed
			}
		}
		os.Exit(code)
	}
}
