package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/config"
	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/journal"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/providers/aws"
)

const manifest = `
app: shop
home-region: us-east-1
terraform:
  dir: infra
`

func TestCleanupMode(t *testing.T) {
	tests := []struct {
		location, home string
		want           model.Mode
	}{
		{"", "us-east-1", model.ModeRebuild},
		{"us-east-1", "us-east-1", model.ModeRebuild},
		{"eu-west-1", "us-east-1", model.ModeEvacuate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanupMode(tt.location, tt.home), tt.location)
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recoverctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest+"env: dr9\n"), 0o644))
	configFile = path
	t.Cleanup(func() { configFile = "" })

	cmd := &cobra.Command{Use: "test"}
	addIdentityFlags(cmd)
	require.NoError(t, cmd.Flags().Set("env", "dr1"))
	require.NoError(t, cmd.Flags().Set("location", "eu-west-1"))
	require.NoError(t, cmd.Flags().Set("zone", "eu-west-1b"))

	cfg, err := loadConfig(cmd, model.ModeEvacuate)
	require.NoError(t, err)
	assert.Equal(t, "dr1", cfg.EnvID)
	assert.Equal(t, "eu-west-1b", cfg.Zone)
	assert.Equal(t, "shop-dr1", cfg.Identity().NamePrefix)
}

func TestLoadConfigMissingIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recoverctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	configFile = path
	t.Cleanup(func() { configFile = "" })

	cmd := &cobra.Command{Use: "test"}
	addIdentityFlags(cmd)
	_, err := loadConfig(cmd, model.ModeEvacuate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--env")
	assert.Contains(t, err.Error(), "--location")
}

func TestResumeCommand(t *testing.T) {
	cfg := &config.Config{EnvID: "dr1", Location: "eu-west-1", Zone: "eu-west-1a"}
	assert.Equal(t, "recoverctl resume --mode evacuate --env dr1 --location eu-west-1 --zone eu-west-1a",
		resumeCommand(model.ModeEvacuate, cfg))
	assert.Equal(t, "recoverctl resume --mode rebuild --env dr1", resumeCommand(model.ModeRebuild, cfg))
}

func TestConfirm(t *testing.T) {
	noop := engine.Func{PhaseName: "noop", Fn: func(context.Context, *engine.RunContext) engine.Result { return engine.Completed("") }}
	s := &session{
		rc:   &engine.RunContext{Mode: model.ModeEvacuate, Identity: model.NewIdentity("shop", "dr1", "eu-west-1", "eu-west-1a")},
		orch: engine.New([]engine.Phase{noop, noop}, nil, nil, nil),
	}
	tests := []struct {
		input string
		yes   bool
		want  bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", false, false},
		{"", false, false},
		{"", true, true},
	}
	for _, tt := range tests {
		runYes = tt.yes
		var out bytes.Buffer
		assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, s, 2), "%q", tt.input)
		if !tt.yes {
			assert.Contains(t, out.String(), "phases 2..2: noop")
		}
	}
	runYes = false
}

func TestStatusRunTypes(t *testing.T) {
	found := []string{"evacuate-ap-south-1", "cleanup-eu-west-1"}
	assert.Equal(t,
		[]string{"cleanup-eu-west-1", "evacuate-ap-south-1", "evacuate-eu-west-1", "rebuild"},
		statusRunTypes("", "eu-west-1", found))
	assert.Equal(t,
		[]string{"evacuate-ap-south-1", "evacuate-eu-west-1"},
		statusRunTypes(model.ModeEvacuate, "eu-west-1", found))
	assert.Equal(t, []string{"rebuild"}, statusRunTypes(model.ModeRebuild, "", found))
}

func TestStatusCommand(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	store := checkpoint.NewFileStore(stateDir, "evacuate-eu-west-1")
	require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
		Phase: 5, PhaseName: "secret-sync", Status: checkpoint.StatusFailed,
		Message: "no source for shop/db", EnvironmentID: "dr1", Timestamp: time.Now().UTC(),
	}))
	j, err := journal.Open(ctx, journal.Path(stateDir))
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, journal.Event{
		RunID: "0f6c2d0e-run", RunType: "evacuate-eu-west-1", Mode: "evacuate", EnvironmentID: "dr1",
		Phase: 5, PhaseName: "secret-sync", Status: "failed", Started: time.Now().UTC(),
	}))
	require.NoError(t, j.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"status", "--state-dir", stateDir, "--mode", "evacuate", "-o", "yaml"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		statusOutput, statusMode = "table", ""
	})
	require.NoError(t, rootCmd.Execute())

	var runs []RunStatus
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "evacuate-eu-west-1", runs[0].RunType)
	require.NotNil(t, runs[0].Checkpoint)
	assert.Equal(t, 5, runs[0].Checkpoint.Phase)
	require.Len(t, runs[0].History, 1)
	assert.Equal(t, "secret-sync", runs[0].History[0].PhaseName)
}

func TestRenderStatusTable(t *testing.T) {
	var out bytes.Buffer
	err := renderStatus(&out, "table", []RunStatus{
		{RunType: "rebuild", Location: ".recoverctl/checkpoints/rebuild.json"},
		{RunType: "evacuate-eu-west-1", Location: "x", Checkpoint: &checkpoint.Checkpoint{Phase: 3, PhaseName: "cleanup", Status: checkpoint.StatusCompleted}},
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "no checkpoint: nothing to resume")
	assert.Contains(t, out.String(), "start phase on resume: 4")

	assert.Error(t, renderStatus(&out, "xml", nil))
}

func TestRenderReport(t *testing.T) {
	var out bytes.Buffer
	renderReport(&out, &engine.Report{RunID: "run-1", Phases: []engine.PhaseReport{
		{Phase: 1, Name: "preflight", Status: checkpoint.StatusCompleted, Message: "account 000000000000"},
		{Phase: 2, Name: "engine-init", Status: checkpoint.StatusFailed, Message: "locked\nremediation: terraform force-unlock"},
	}})
	assert.Contains(t, out.String(), "run run-1")
	assert.Contains(t, out.String(), "engine-init")
	assert.NotContains(t, out.String(), "remediation", "only the first line of a message")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "recoverctl version dev"))
}

func TestNewDepsProbesDoNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := &config.Config{EnvID: "dr1", Location: "eu-west-1", HomeRegion: "us-east-1"}
	deps, err := newDeps(cfg, nil, aws.New("eu-west-1", ""), aws.New("us-east-1", ""), nil)
	require.NoError(t, err)
	require.NotNil(t, deps.HTTP)

	resp, err := deps.HTTP.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode, "the bound domain's own answer is judged")
	assert.Nil(t, deps.Vault)
}
