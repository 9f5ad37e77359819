package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/recoverctl/recoverctl/internal/artifact"
	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/config"
	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/journal"
	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/phases"
	"github.com/recoverctl/recoverctl/internal/provider"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/internal/secretsync"
	"github.com/recoverctl/recoverctl/internal/telemetry"
	"github.com/recoverctl/recoverctl/internal/tf"
	"github.com/recoverctl/recoverctl/providers/aws"
	"github.com/recoverctl/recoverctl/providers/docker"
)

// Flags shared by the commands that run phases.
var (
	runYes          bool
	runDryRun       bool
	runForceCleanup bool
	runSkipPhases   []string
	runStartPhase   string
)

// boundKeys are config keys a flag of the same name overrides.
var boundKeys = []string{"env", "location", "zone", "home-region", "profile", "state-dir"}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().String("env", "", "Environment id; names are prefixed <app>-<env>")
	cmd.Flags().String("location", "", "Region to recover into")
	cmd.Flags().String("zone", "", "Availability zone inside --location")
	cmd.Flags().String("home-region", "", "Region the stack normally lives in")
}

func addRunFlags(cmd *cobra.Command) {
	addIdentityFlags(cmd)
	cmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print what each phase would do without changing anything")
	cmd.Flags().BoolVar(&runForceCleanup, "force-cleanup", false, "Also delete resources managed state still records")
	cmd.Flags().StringSliceVar(&runSkipPhases, "skip-phase", nil, "Skip a phase by name or number (repeatable)")
	cmd.Flags().StringVar(&runStartPhase, "start-phase", "", "Start at this phase (name or number) instead of the checkpoint")
}

// newViper layers flags over RECOVERCTL_* variables over the config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := config.NewViper(configFile)
	if err := config.ReadFile(v, configFile != ""); err != nil {
		return nil, err
	}
	for _, key := range boundKeys {
		if f := cmd.Flags().Lookup(key); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", key, err)
			}
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command, mode model.Mode) (*config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return config.Load(v, mode)
}

// session is everything one invocation needs to run phases.
type session struct {
	cfg     *config.Config
	rc      *engine.RunContext
	orch    *engine.Orchestrator
	store   checkpoint.Store
	journal *journal.Journal
	metrics *telemetry.Metrics
}

func (s *session) Close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if err := s.metrics.WriteTextfile(metricsFile); err != nil {
		logging.Warn("metrics not written", "error", err)
	}
}

type phaseList func(d *phases.Deps) []engine.Phase

func openSession(ctx context.Context, cmd *cobra.Command, cfg *config.Config, mode model.Mode, runType string, list phaseList) (*session, error) {
	log := logging.Component("cli")
	metrics := telemetry.NewMetrics()

	runner, err := tf.NewTerraform(cfg.Terraform.Dir, cfg.Terraform.Binary, cfg.Terraform.VarFiles)
	if err != nil {
		return nil, &phases.PreflightError{Check: "terraform binary", Err: err, Remediation: "install terraform or set terraform.binary in the config file"}
	}
	if logLevel == "debug" {
		runner.Stream = cmd.ErrOrStderr()
	}

	providers := provider.NewRegistry(cfg.Profile)
	target, err := providers.Get(cfg.Location)
	if err != nil {
		return nil, err
	}
	home, err := providers.Get(cfg.HomeRegion)
	if err != nil {
		return nil, err
	}

	deps, err := newDeps(cfg, runner, target, home, metrics)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.NewStore(ctx, cfg.Checkpoint, cfg.StateDir, runType)
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(ctx, journal.Path(cfg.StateDir))
	if err != nil {
		// history is a convenience; a run must not depend on it
		log.Warn().Err(err).Msg("run journal unavailable")
		j = nil
	}

	rc := &engine.RunContext{
		Mode:          mode,
		Identity:      cfg.Identity(),
		HomeRegion:    cfg.HomeRegion,
		DryRun:        runDryRun,
		ForceCleanup:  runForceCleanup,
		ResumeCommand: resumeCommand(mode, cfg),
		Console:       engine.NewConsole(cmd.OutOrStdout()),
	}
	for _, p := range runSkipPhases {
		rc.Skip(p)
	}

	return &session{
		cfg:     cfg,
		rc:      rc,
		orch:    engine.New(list(deps), store, j, metrics),
		store:   store,
		journal: j,
		metrics: metrics,
	}, nil
}

// newDeps wires the collaborators phases call. Readiness probes use the
// redirect-free client so a bound domain's own answer is judged.
func newDeps(cfg *config.Config, runner tf.Engine, target, home *aws.Provider, metrics *telemetry.Metrics) (*phases.Deps, error) {
	keychain := artifact.NewKeychain(target, home)
	deps := &phases.Deps{
		Config:   cfg,
		Engine:   runner,
		Target:   target,
		Home:     home,
		Registry: artifact.CraneRegistry{Keychain: keychain},
		Builder: artifact.DockerBuilder{
			Engine:     docker.New(),
			Keychain:   keychain,
			SourceRoot: cfg.SourceRoot,
		},
		Keychain:  keychain,
		HTTP:      readiness.NewHTTPClient(),
		Metrics:   metrics,
		LookupEnv: os.LookupEnv,
	}
	if cfg.Vault != nil && cfg.Vault.Address != "" {
		vc := *cfg.Vault
		vc.Token = os.Getenv("VAULT_TOKEN")
		vault, err := secretsync.NewVaultSource(vc)
		if err != nil {
			return nil, err
		}
		deps.Vault = vault
	}
	return deps, nil
}

func resumeCommand(mode model.Mode, cfg *config.Config) string {
	parts := []string{"recoverctl", "resume", "--mode", string(mode), "--env", cfg.EnvID}
	if mode == model.ModeEvacuate {
		parts = append(parts, "--location", cfg.Location, "--zone", cfg.Zone)
	}
	if configFile != "" {
		parts = append(parts, "--config", configFile)
	}
	return strings.Join(parts, " ")
}

// startPhase decides where the run begins: --start-phase when given,
// otherwise the checkpoint. requireCheckpoint rejects a run with nothing
// to resume.
func (s *session) startPhase(ctx context.Context, requireCheckpoint bool) (int, error) {
	start, cp, err := s.orch.Resume(ctx, s.rc)
	if err != nil {
		return 0, err
	}
	if cp == nil && requireCheckpoint {
		return 0, fmt.Errorf("no checkpoint at %s; start a run with recoverctl %s", s.store.Location(), s.rc.Mode)
	}
	if cp != nil {
		s.rc.Log().Step("checkpoint at %s: phase %d (%s) %s", s.store.Location(), cp.Phase, cp.PhaseName, cp.Status)
	}
	if runStartPhase != "" {
		return s.orch.PhaseNumber(runStartPhase)
	}
	return start, nil
}

// confirm asks before anything is changed. Dry-runs and --yes skip it.
func confirm(in io.Reader, out io.Writer, s *session, start int) bool {
	if runYes || runDryRun {
		return true
	}
	names := s.orch.Phases()
	fmt.Fprintf(out, "\n%s %s (%s) in %s, zone %s\n", s.rc.Mode, s.rc.Identity.NamePrefix, s.rc.Identity.ID, s.rc.Identity.Location, s.rc.Identity.Zone)
	fmt.Fprintf(out, "phases %d..%d: %s\n", start, len(names), strings.Join(names[start-1:], ", "))
	fmt.Fprint(out, "\nDo you want to continue? (y/n): ")
	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// execute runs the session from its start phase and prints a summary. It
// reports false when the operator declined.
func execute(cmd *cobra.Command, s *session, requireCheckpoint bool) (bool, error) {
	ctx := cmd.Context()
	start, err := s.startPhase(ctx, requireCheckpoint)
	if err != nil {
		return false, err
	}
	if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), s, start) {
		fmt.Fprintln(cmd.OutOrStdout(), "Run cancelled.")
		return false, nil
	}
	report, err := s.orch.Run(ctx, s.rc, start)
	if report != nil {
		renderReport(cmd.OutOrStdout(), report)
	}
	return true, err
}

func renderReport(w io.Writer, report *engine.Report) {
	fmt.Fprintf(w, "\nrun %s\n", report.RunID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tNAME\tSTATUS\tDURATION\tMESSAGE")
	for _, p := range report.Phases {
		msg := p.Message
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.Phase, p.Name, p.Status, p.Duration.Round(time.Second), msg)
	}
	_ = tw.Flush()
}
