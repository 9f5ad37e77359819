// Package cleanup removes orphaned resources of an environment before a
// create, in reverse dependency order.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/internal/telemetry"
	"github.com/recoverctl/recoverctl/internal/tf"
)

const (
	DefaultConcurrency         = 4
	DefaultWaitInterval        = 15 * time.Second
	DefaultWaitTimeout         = 15 * time.Minute
	DefaultDatabaseWaitTimeout = 40 * time.Minute
)

// Provider is the slice of the cloud provider cleanup needs. Calls are made
// once; implementations retry transient API errors themselves.
type Provider interface {
	Inventory(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error)
	// Release detaches whatever blocks a delete (deletion protection,
	// associations, ingress rules).
	Release(ctx context.Context, d model.ResourceDescriptor) error
	Delete(ctx context.Context, d model.ResourceDescriptor) error
	Exists(ctx context.Context, d model.ResourceDescriptor) (bool, error)
}

// StateReader exposes managed state. tf.Engine satisfies it.
type StateReader interface {
	State(ctx context.Context) (*tf.State, error)
	StateRm(ctx context.Context, address string) error
}

type Options struct {
	DryRun bool
	// ForceExisting also deletes resources managed state knows about and
	// drops them from state.
	ForceExisting bool
	Concurrency   int
	WaitInterval  time.Duration
	WaitTimeout   time.Duration
	// DatabaseWaitTimeout bounds the wait for a database deletion, which
	// takes far longer than anything else.
	DatabaseWaitTimeout time.Duration
	// Retained are catalogued global resources, reported and never touched.
	Retained []model.CatalogEntry
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = DefaultWaitInterval
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.DatabaseWaitTimeout <= 0 {
		o.DatabaseWaitTimeout = DefaultDatabaseWaitTimeout
	}
	return o
}

// Report is the outcome of one cleanup.
type Report struct {
	Plan *Plan
	// Deleted lists what was actually removed, in deletion order.
	Deleted []model.ResourceDescriptor
	// Managed lists live resources left alone because managed state owns
	// them.
	Managed  []model.ResourceDescriptor
	Retained []model.CatalogEntry
}

// Planned is everything scheduled for deletion.
func (r *Report) Planned() []model.ResourceDescriptor {
	if r == nil || r.Plan == nil {
		return nil
	}
	return r.Plan.Resources()
}

// Empty reports whether nothing needed deleting.
func (r *Report) Empty() bool {
	return r == nil || r.Plan == nil || r.Plan.Len() == 0
}

// Engine deletes orphans.
type Engine struct {
	provider Provider
	state    StateReader
	gate     *readiness.Gate
	metrics  *telemetry.Metrics
}

// New builds a cleanup engine. state may be nil when no managed state
// exists yet; gate defaults to the wall clock.
func New(provider Provider, state StateReader, gate *readiness.Gate, metrics *telemetry.Metrics) *Engine {
	if gate == nil {
		gate = readiness.NewGate(metrics)
	}
	return &Engine{provider: provider, state: state, gate: gate, metrics: metrics}
}

// Cleanup finds live resources of env absent from managed state and deletes
// them, waiting for each gating deletion to finish before touching what it
// depended on.
func (e *Engine) Cleanup(ctx context.Context, env model.EnvironmentIdentity, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	log := logging.Component("cleanup").With().Str("env", env.ID).Str("location", env.Location).Logger()

	for _, r := range opts.Retained {
		if spec, err := model.SpecFor(r.Kind); err == nil && spec.Global {
			continue
		}
		return nil, fmt.Errorf("catalog entry %s %s is not a global kind and cannot be retained", r.Kind, r.Name)
	}
	report := &Report{Retained: opts.Retained}

	live, err := e.provider.Inventory(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", env.NamePrefix, err)
	}

	state, err := e.managedState(ctx)
	if err != nil {
		return nil, err
	}

	var scheduled []model.ResourceDescriptor
	for _, d := range live {
		if env.Location != "" && d.Location != "" && d.Location != env.Location {
			continue
		}
		spec, err := model.SpecFor(d.Kind)
		if err != nil {
			return nil, err
		}
		if spec.Global {
			continue
		}
		addr, managed := state.Find(spec.TerraformType, d.ID, d.Name)
		if managed {
			if !opts.ForceExisting {
				report.Managed = append(report.Managed, d)
				continue
			}
			d.ManagedStateKey = addr
		}
		scheduled = append(scheduled, d)
	}

	if err := checkUnscheduledDependents(scheduled); err != nil {
		return report, err
	}

	plan, err := BuildPlan(scheduled)
	if err != nil {
		return report, err
	}
	report.Plan = plan
	log.Info().Int("orphans", plan.Len()).Int("managed", len(report.Managed)).Bool("dry_run", opts.DryRun).Msg("cleanup planned")

	if opts.DryRun || plan.Len() == 0 {
		return report, nil
	}

	for _, wave := range plan.Waves {
		deleted, err := e.deleteWave(ctx, wave, opts)
		report.Deleted = append(report.Deleted, deleted...)
		if err != nil {
			return report, err
		}
	}
	log.Info().Int("deleted", len(report.Deleted)).Msg("cleanup finished")
	return report, nil
}

func (e *Engine) managedState(ctx context.Context) (*tf.State, error) {
	if e.state == nil {
		return &tf.State{}, nil
	}
	s, err := e.state.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("read managed state: %w", err)
	}
	if s == nil {
		s = &tf.State{}
	}
	return s, nil
}

// checkUnscheduledDependents refuses a plan that would delete a resource
// while something staying behind still references it.
func checkUnscheduledDependents(scheduled []model.ResourceDescriptor) error {
	ids := make(map[string]bool, len(scheduled))
	for _, d := range scheduled {
		ids[d.ID] = true
	}
	for _, d := range scheduled {
		var staying []model.ResourceDescriptor
		for _, dep := range d.Dependents {
			if !ids[dep.ID] {
				staying = append(staying, dep)
			}
		}
		if len(staying) > 0 {
			return &OrderingViolationError{
				Resource:   d,
				Dependents: staying,
				Err:        errors.New("dependents are managed and were not scheduled; rerun with --force-cleanup or remove them first"),
			}
		}
	}
	return nil
}

// deleteWave releases every member of the wave, then deletes them
// concurrently. Members whose kind deletes asynchronously are polled until
// gone before the wave completes.
func (e *Engine) deleteWave(ctx context.Context, wave Wave, opts Options) ([]model.ResourceDescriptor, error) {
	log := logging.Component("cleanup")
	for _, d := range wave.Resources {
		err := e.provider.Release(ctx, d)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			e.metrics.RecordDeletion(string(d.Kind), "failed")
			return nil, fmt.Errorf("release %s before delete: %w", d, err)
		}
	}

	var (
		mu      sync.Mutex
		deleted []model.ResourceDescriptor
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, d := range wave.Resources {
		g.Go(func() error {
			err := e.deleteOne(gctx, d, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.metrics.RecordDeletion(string(d.Kind), "failed")
				log.Error().Err(err).Str("resource", d.String()).Msg("delete failed")
				errs = append(errs, err)
				return nil
			}
			e.metrics.RecordDeletion(string(d.Kind), "deleted")
			log.Info().Str("resource", d.String()).Msg("deleted")
			deleted = append(deleted, d)
			return nil
		})
	}
	_ = g.Wait()
	return deleted, errors.Join(errs...)
}

func (e *Engine) deleteOne(ctx context.Context, d model.ResourceDescriptor, opts Options) error {
	spec, err := model.SpecFor(d.Kind)
	if err != nil {
		return err
	}

	err = e.provider.Delete(ctx, d)
	switch {
	case err == nil, errors.Is(err, model.ErrNotFound):
	case errors.Is(err, model.ErrDependencyViolation):
		return &OrderingViolationError{Resource: d, Dependents: e.liveDependents(ctx, d), Err: err}
	default:
		return fmt.Errorf("delete %s: %w", d, err)
	}

	if spec.WaitForDeletion {
		timeout := opts.WaitTimeout
		if d.Kind == model.KindDatabase {
			timeout = opts.DatabaseWaitTimeout
		}
		res := e.gate.WaitUntil(ctx, "deleted:"+string(d.Kind), func(ctx context.Context) (bool, error) {
			exists, err := e.provider.Exists(ctx, d)
			return !exists, err
		}, timeout, opts.WaitInterval)
		if !res.Ready() {
			return &WaitTimeoutError{Resource: d, Err: res.Err("deletion of " + d.String())}
		}
	}

	if d.ManagedStateKey != "" && e.state != nil {
		if err := e.state.StateRm(ctx, d.ManagedStateKey); err != nil {
			return fmt.Errorf("remove %s from managed state after deleting %s: %w", d.ManagedStateKey, d, err)
		}
	}
	return nil
}

// liveDependents narrows the recorded dependents to those still present.
func (e *Engine) liveDependents(ctx context.Context, d model.ResourceDescriptor) []model.ResourceDescriptor {
	var out []model.ResourceDescriptor
	for _, dep := range d.Dependents {
		exists, err := e.provider.Exists(ctx, dep)
		if err != nil || exists {
			out = append(out, dep)
		}
	}
	return out
}
