package cli

import (
	"github.com/spf13/cobra"

	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/phases"
)

var cleanupForce bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete resources of an environment that managed state does not own",
	Long: `Cleanup removes orphaned resources an interrupted run left behind in
--location. Resources managed state still records are kept unless --force is
given; global resources are never deleted.`,
	Example: "  recoverctl cleanup --location eu-west-1 --zone eu-west-1a --env dr1 --dry-run",
	RunE:    runCleanup,
}

func init() {
	addIdentityFlags(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Also delete resources managed state still records")
	cleanupCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the deletion plan without deleting")
	cleanupCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Skip the confirmation prompt")
}

// cleanupMode picks the validation rules: cleaning the home region is part
// of a rebuild, anywhere else of an evacuation.
func cleanupMode(location, home string) model.Mode {
	if location == "" || location == home {
		return model.ModeRebuild
	}
	return model.ModeEvacuate
}

func runCleanup(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	mode := cleanupMode(v.GetString("location"), v.GetString("home-region"))
	cfg, err := loadConfig(cmd, mode)
	if err != nil {
		return err
	}
	runForceCleanup = cleanupForce
	s, err := openSession(cmd.Context(), cmd, cfg, mode, "cleanup-"+cfg.Location, phases.Standalone)
	if err != nil {
		return err
	}
	defer s.Close()

	_, err = execute(cmd, s, false)
	return err
}
