package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/phases"
)

var evacuateCmd = &cobra.Command{
	Use:   "evacuate",
	Short: "Build a fresh copy of the stack in a substitute region",
	Long: `Evacuate builds the stack in --location while the home region is down.

Secrets and images are taken from the home region when it still answers,
otherwise from Vault or the environment and by rebuilding images from
source. A previous failed run for the same location is resumed.`,
	Example: "  recoverctl evacuate --location eu-west-1 --zone eu-west-1a --env dr1",
	RunE:    runMode(model.ModeEvacuate),
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Destroy and recreate the stack in its home region",
	Long: `Rebuild tears the managed stack down in the home region and builds it
again. Global resources (service accounts, secrets, repositories, buckets)
are kept and re-adopted.`,
	Example: "  recoverctl rebuild --env prod",
	RunE:    runMode(model.ModeRebuild),
}

var resumeMode string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a failed run at the phase that failed",
	Example: "  recoverctl resume --mode evacuate --location eu-west-1 --zone eu-west-1a --env dr1\n" +
		"  recoverctl resume --mode rebuild --env prod --start-phase foundation",
	RunE: runResume,
}

func init() {
	addRunFlags(evacuateCmd)
	addRunFlags(rebuildCmd)
	addRunFlags(resumeCmd)
	resumeCmd.Flags().StringVar(&resumeMode, "mode", "", "Mode of the run to resume: rebuild or evacuate")
	_ = resumeCmd.MarkFlagRequired("mode")
}

func runMode(mode model.Mode) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runRecovery(cmd, mode, false)
	}
}

func runResume(cmd *cobra.Command, args []string) error {
	mode, err := model.ParseMode(resumeMode)
	if err != nil {
		return err
	}
	return runRecovery(cmd, mode, true)
}

func runRecovery(cmd *cobra.Command, mode model.Mode, requireCheckpoint bool) error {
	cfg, err := loadConfig(cmd, mode)
	if err != nil {
		return err
	}
	list := phases.Evacuate
	if mode == model.ModeRebuild {
		list = phases.Rebuild
	}
	s, err := openSession(cmd.Context(), cmd, cfg, mode, model.RunType(mode, cfg.Location), list)
	if err != nil {
		return err
	}
	defer s.Close()

	ran, err := execute(cmd, s, requireCheckpoint)
	if err != nil {
		return err
	}
	if ran && !runDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s of %s complete.\n", mode, cfg.Identity().NamePrefix)
	}
	return nil
}
