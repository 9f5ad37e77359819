package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/journal"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/telemetry"
)

type recorder struct {
	ran  []string
	fail map[string]error
}

func (r *recorder) phase(name string) Phase {
	return Func{PhaseName: name, Fn: func(_ context.Context, rc *RunContext) Result {
		r.ran = append(r.ran, name)
		if err := r.fail[name]; err != nil {
			return Failed(err)
		}
		if rc.DryRun {
			rc.Log().DryRun("would run %s", name)
		}
		rc.Set("last", name)
		return Completed("%s done", name)
	}}
}

func (r *recorder) phases(names ...string) []Phase {
	out := make([]Phase, len(names))
	for i, n := range names {
		out[i] = r.phase(n)
	}
	return out
}

func newRunContext() *RunContext {
	return &RunContext{
		Mode:          model.ModeEvacuate,
		Identity:      model.NewIdentity("shop", "dr1", "eu-west-1", "eu-west-1a"),
		ResumeCommand: "recoverctl resume --mode evacuate --env dr1",
		Console:       NewConsole(&bytes.Buffer{}),
	}
}

func TestRunAllPhasesClearsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewFileStore(t.TempDir(), "evacuate-eu-west-1")
	rec := &recorder{}
	o := New(rec.phases("preflight", "cleanup", "apply"), store, nil, telemetry.NewMetrics())

	report, err := o.Run(ctx, newRunContext(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"preflight", "cleanup", "apply"}, rec.ran)
	require.Len(t, report.Phases, 3)
	assert.NotEmpty(t, report.RunID)

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint cleared on success")
	assert.NoFileExists(t, store.Location()+".lock")
}

func TestFailureStopsRunAndResumeRetriesSamePhase(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewFileStore(t.TempDir(), "evacuate-eu-west-1")
	rec := &recorder{fail: map[string]error{"foundation": errors.New("database shop-dr1-db not ready")}}
	phases := rec.phases("preflight", "cleanup", "foundation", "services")
	o := New(phases, store, nil, nil)

	rc := newRunContext()
	_, err := o.Run(ctx, rc, 1)
	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Phase)
	assert.Contains(t, err.Error(), "recoverctl resume")
	assert.Equal(t, []string{"preflight", "cleanup", "foundation"}, rec.ran, "later phases not run")

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 3, cp.Phase)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, "dr1", cp.EnvironmentID)

	// a fresh process resumes at the failed phase, not after it
	rc2 := newRunContext()
	start, _, err := o.Resume(ctx, rc2)
	require.NoError(t, err)
	assert.Equal(t, 3, start)
	assert.Equal(t, rc.RunID, rc2.RunID)
	last, _ := rc2.Get("last")
	assert.Equal(t, "cleanup", last, "outputs restored from the checkpoint")

	delete(rec.fail, "foundation")
	rec.ran = nil
	_, err = o.Run(ctx, rc2, start)
	require.NoError(t, err)
	assert.Equal(t, []string{"foundation", "services"}, rec.ran)
}

func TestResumeWithoutCheckpointStartsAtOne(t *testing.T) {
	o := New((&recorder{}).phases("a", "b"), checkpoint.NewFileStore(t.TempDir(), "rebuild"), nil, nil)
	start, cp, err := o.Resume(context.Background(), newRunContext())
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Equal(t, 1, start)
}

func TestResumeRejectsOtherEnvironment(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewFileStore(t.TempDir(), "rebuild")
	require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{Phase: 2, Status: checkpoint.StatusFailed, EnvironmentID: "prod"}))
	o := New((&recorder{}).phases("a", "b"), store, nil, nil)

	_, _, err := o.Resume(ctx, newRunContext())
	assert.ErrorContains(t, err, `"prod"`)
}

func TestSkipPhaseByNameAndNumber(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	j, err := journal.Open(ctx, journal.Path(dir))
	require.NoError(t, err)
	defer j.Close()

	rec := &recorder{}
	o := New(rec.phases("preflight", "cleanup", "artifacts", "verify"), checkpoint.NewFileStore(dir, "evacuate-eu-west-1"), j, nil)
	rc := newRunContext()
	rc.Skip("cleanup")
	rc.Skip("4")

	report, err := o.Run(ctx, rc, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"preflight", "artifacts"}, rec.ran)
	assert.Equal(t, checkpoint.StatusSkipped, report.Phases[1].Status)
	assert.Equal(t, checkpoint.StatusSkipped, report.Phases[3].Status)

	events, err := j.Recent(ctx, "evacuate-eu-west-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "skipped", events[0].Status)
	assert.Equal(t, "verify", events[0].PhaseName)
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewFileStore(t.TempDir(), "rebuild")
	rec := &recorder{fail: map[string]error{"b": errors.New("boom")}}
	o := New(rec.phases("a", "b"), store, nil, nil)

	var out bytes.Buffer
	rc := newRunContext()
	rc.DryRun = true
	rc.Console = NewConsole(&out)
	_, err := o.Run(ctx, rc, 1)
	require.Error(t, err)
	assert.Contains(t, out.String(), "[dry-run]")

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp, "dry-run never checkpoints")
	assert.NoFileExists(t, store.Location()+".lock")
}

func TestRunHonorsHeldLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	holder := checkpoint.NewFileStore(dir, "rebuild")
	require.NoError(t, holder.Lock(ctx))
	defer holder.Unlock(ctx)

	rec := &recorder{}
	o := New(rec.phases("a"), checkpoint.NewFileStore(dir, "rebuild"), nil, nil)
	_, err := o.Run(ctx, newRunContext(), 1)
	var locked *checkpoint.LockedError
	assert.True(t, errors.As(err, &locked))
	assert.Empty(t, rec.ran)
}

func TestCancelledContextFailsCurrentPhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := checkpoint.NewFileStore(t.TempDir(), "rebuild")
	rec := &recorder{}
	o := New(rec.phases("a", "b"), store, nil, nil)

	_, err := o.Run(ctx, newRunContext(), 1)
	require.Error(t, err)
	assert.Empty(t, rec.ran)
	cp, lerr := store.Load(context.Background())
	require.NoError(t, lerr)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, 1, cp.Phase)
}

func TestPhaseNumber(t *testing.T) {
	o := New((&recorder{}).phases("preflight", "cleanup"), nil, nil, nil)
	n, err := o.PhaseNumber("cleanup")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = o.PhaseNumber("1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = o.PhaseNumber("3")
	assert.Error(t, err)
	_, err = o.PhaseNumber("deploy")
	assert.Error(t, err)

	_, err = o.Run(context.Background(), newRunContext(), 0)
	assert.Error(t, err)
}
