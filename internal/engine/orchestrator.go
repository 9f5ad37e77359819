package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/journal"
	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/telemetry"
)

// PhaseError is returned when a phase fails. The checkpoint is left at
// failed so the run resumes at that phase.
type PhaseError struct {
	Phase  int
	Name   string
	Err    error
	Resume string
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("phase %d (%s) failed: %v", e.Phase, e.Name, e.Err)
	if e.Resume != "" {
		msg += "\nfix the problem above, then resume with: " + e.Resume
	}
	return msg
}

func (e *PhaseError) Unwrap() error { return e.Err }

// PhaseReport is one row of a run summary.
type PhaseReport struct {
	Phase    int
	Name     string
	Status   checkpoint.Status
	Message  string
	Duration time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID  string
	Phases []PhaseReport
}

// Orchestrator runs an ordered list of phases and checkpoints each
// boundary.
type Orchestrator struct {
	phases  []Phase
	store   checkpoint.Store
	journal *journal.Journal
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New builds an orchestrator. journal and metrics may be nil.
func New(phases []Phase, store checkpoint.Store, j *journal.Journal, m *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{phases: phases, store: store, journal: j, metrics: m, now: time.Now}
}

// Phases returns the phase names in order.
func (o *Orchestrator) Phases() []string {
	out := make([]string, len(o.phases))
	for i, p := range o.phases {
		out[i] = p.Name()
	}
	return out
}

// PhaseNumber resolves a phase name or 1-based number.
func (o *Orchestrator) PhaseNumber(ref string) (int, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(o.phases) {
			return 0, fmt.Errorf("phase %d out of range 1..%d", n, len(o.phases))
		}
		return n, nil
	}
	for i, p := range o.phases {
		if p.Name() == ref {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q (phases: %v)", ref, o.Phases())
}

// Resume reads the last checkpoint, restores the run context from it and
// returns the phase to start at.
func (o *Orchestrator) Resume(ctx context.Context, rc *RunContext) (int, *checkpoint.Checkpoint, error) {
	cp, err := o.store.Load(ctx)
	if err != nil {
		return 0, nil, err
	}
	if cp == nil {
		return 1, nil, nil
	}
	if cp.EnvironmentID != "" && rc.Identity.ID != "" && cp.EnvironmentID != rc.Identity.ID {
		return 0, cp, fmt.Errorf("checkpoint %s belongs to environment %q, not %q", o.store.Location(), cp.EnvironmentID, rc.Identity.ID)
	}
	rc.restore(cp)
	start := checkpoint.StartPhase(cp)
	if start > len(o.phases) {
		// every phase finished but the checkpoint was not cleared
		start = len(o.phases)
	}
	return start, cp, nil
}

// Run executes phases start..N. A failed phase stops the run.
func (o *Orchestrator) Run(ctx context.Context, rc *RunContext, start int) (*Report, error) {
	if start < 1 || start > len(o.phases) {
		return nil, fmt.Errorf("start phase %d out of range 1..%d", start, len(o.phases))
	}
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	log := logging.Component("engine").With().
		Str("run_id", rc.RunID).
		Str("mode", string(rc.Mode)).
		Str("env", rc.Identity.ID).
		Logger()

	if !rc.DryRun {
		if err := o.store.Lock(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if err := o.store.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("failed to release run lock")
			}
		}()
	}

	report := &Report{RunID: rc.RunID}
	total := len(o.phases)
	for n := start; n <= total; n++ {
		phase := o.phases[n-1]
		name := phase.Name()
		rc.Log().Phase(n, total, name)

		if rc.skipped(n, name) {
			res := Skipped("skipped by operator")
			rc.Log().Warn("skipped")
			if err := o.finish(ctx, rc, n, name, res, o.now(), 0, report); err != nil {
				return report, err
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			res := Failed(fmt.Errorf("interrupted: %w", err))
			_ = o.finish(context.WithoutCancel(ctx), rc, n, name, res, o.now(), 0, report)
			return report, &PhaseError{Phase: n, Name: name, Err: res.Err, Resume: rc.ResumeCommand}
		}

		if err := o.save(ctx, rc, n, name, checkpoint.StatusRunning, ""); err != nil {
			return report, err
		}
		log.Info().Int("phase", n).Str("name", name).Msg("phase started")
		started := o.now()
		res := phase.Run(ctx, rc)
		elapsed := o.now().Sub(started)
		if res.Status == "" {
			res.Status = checkpoint.StatusCompleted
		}

		if err := o.finish(context.WithoutCancel(ctx), rc, n, name, res, started, elapsed, report); err != nil {
			return report, err
		}
		if res.Status == checkpoint.StatusFailed {
			err := res.Err
			if err == nil {
				err = errors.New(res.Message)
			}
			rc.Log().Fail("%s", res.Message)
			log.Error().Int("phase", n).Str("name", name).Err(err).Dur("elapsed", elapsed).Msg("phase failed")
			return report, &PhaseError{Phase: n, Name: name, Err: err, Resume: rc.ResumeCommand}
		}
		rc.Log().OK("%s", orDefault(res.Message, string(res.Status)))
		log.Info().Int("phase", n).Str("name", name).Str("status", string(res.Status)).Dur("elapsed", elapsed).Msg("phase finished")
	}

	if !rc.DryRun {
		if err := o.store.Clear(ctx); err != nil {
			return report, err
		}
	}
	log.Info().Msg("run completed")
	return report, nil
}

func (o *Orchestrator) finish(ctx context.Context, rc *RunContext, n int, name string, res Result, started time.Time, elapsed time.Duration, report *Report) error {
	report.Phases = append(report.Phases, PhaseReport{Phase: n, Name: name, Status: res.Status, Message: res.Message, Duration: elapsed})
	o.metrics.RecordPhase(string(rc.Mode), name, string(res.Status), elapsed)
	if rc.DryRun {
		return nil
	}
	if err := o.journal.Record(ctx, journal.Event{
		RunID:         rc.RunID,
		RunType:       model.RunType(rc.Mode, rc.Identity.Location),
		Mode:          string(rc.Mode),
		EnvironmentID: rc.Identity.ID,
		Phase:         n,
		PhaseName:     name,
		Status:        string(res.Status),
		Message:       res.Message,
		Started:       started,
		Duration:      elapsed,
	}); err != nil {
		logging.Warn("journal write failed", "error", err)
	}
	return o.save(ctx, rc, n, name, res.Status, res.Message)
}

func (o *Orchestrator) save(ctx context.Context, rc *RunContext, n int, name string, status checkpoint.Status, msg string) error {
	if rc.DryRun {
		return nil
	}
	err := o.store.Save(ctx, &checkpoint.Checkpoint{
		Phase:         n,
		PhaseName:     name,
		Status:        status,
		Message:       msg,
		Timestamp:     o.now().UTC(),
		EnvironmentID: rc.Identity.ID,
		RunID:         rc.RunID,
		Mode:          string(rc.Mode),
		Location:      rc.Identity.Location,
		Zone:          rc.Identity.Zone,
		Outputs:       rc.Outputs(),
	})
	if err != nil {
		return fmt.Errorf("save checkpoint for phase %d (%s): %w", n, name, err)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
