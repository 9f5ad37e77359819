package cli

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/recoverctl/recoverctl/internal/logging"
)

var (
	configFile  string
	logLevel    string
	metricsFile string
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "recoverctl",
	Short: "Recover a multi-tier cloud stack in place or in another region",
	Long: `recoverctl brings a stack back after a regional failure.

  rebuild    destroy and recreate the stack in its home region
  evacuate   build a fresh copy in a substitute region

Every run is split into phases and checkpointed after each one, so a failed
run resumes at the phase that failed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
		if noColor {
			color.NoColor = true
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx; cancelling ctx stops the
// run at the next phase boundary.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default ./recoverctl.yaml)")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write run metrics to this file in the textfile exporter format")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.String("profile", "", "AWS shared config profile")
	pf.String("state-dir", "", "Directory for checkpoints and the run journal (default .recoverctl)")

	rootCmd.AddCommand(evacuateCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
