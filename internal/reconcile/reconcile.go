// Package reconcile wraps the declarative engine's apply with the import
// and recreate steps that make it converge on a partially created stack.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/internal/telemetry"
	"github.com/recoverctl/recoverctl/internal/tf"
	"github.com/recoverctl/recoverctl/providers/aws"
)

// Provider is what reconciliation reads and deletes live.
type Provider interface {
	LookupID(ctx context.Context, kind model.Kind, name string) (string, error)
	FindBinding(ctx context.Context, env model.EnvironmentIdentity, domain string) (aws.Binding, error)
	// DeleteBinding starts a disassociation; Exists reports it finished.
	DeleteBinding(ctx context.Context, b aws.Binding) error
	Exists(ctx context.Context, d model.ResourceDescriptor) (bool, error)
	UpsertRecords(ctx context.Context, zoneID string, records []aws.DNSRecord) error
}

// Desired is the part of the stack manifest reconciliation consults.
type Desired struct {
	Catalog  []model.CatalogEntry
	Bindings []model.DomainBinding
	Vars     map[string]string
}

func (d Desired) entry(address string) (model.CatalogEntry, bool) {
	for _, e := range d.Catalog {
		if e.Address == address {
			return e, true
		}
	}
	// module.x.aws_subnet.private["a"] falls back to its unindexed entry
	if i := strings.IndexByte(address, '['); i > 0 {
		return d.entry(address[:i])
	}
	return model.CatalogEntry{}, false
}

func (d Desired) binding(address string) (model.DomainBinding, bool) {
	for _, b := range d.Bindings {
		if b.Address == address {
			return b, true
		}
	}
	return model.DomainBinding{}, false
}

// Result summarizes what one Apply or ApplyStaged call did.
type Result struct {
	Attempts  int
	Imported  []string
	Recreated []string
	// Warnings are non-fatal readiness timeouts.
	Warnings []string
}

func (r *Result) merge(o Result) {
	r.Attempts += o.Attempts
	r.Imported = append(r.Imported, o.Imported...)
	r.Recreated = append(r.Recreated, o.Recreated...)
	r.Warnings = append(r.Warnings, o.Warnings...)
}

// Defaults for waiting out a domain disassociation.
const (
	DefaultUnbindTimeout  = 10 * time.Minute
	DefaultUnbindInterval = 15 * time.Second
)

// Reconciler drives one environment's apply.
type Reconciler struct {
	engine   tf.Engine
	provider Provider
	env      model.EnvironmentIdentity
	desired  Desired
	gate     *readiness.Gate
	metrics  *telemetry.Metrics

	// UnbindTimeout bounds the wait for a deleted binding to disappear
	// before the domain is bound again.
	UnbindTimeout  time.Duration
	UnbindInterval time.Duration
}

func New(engine tf.Engine, provider Provider, env model.EnvironmentIdentity, desired Desired, gate *readiness.Gate, metrics *telemetry.Metrics) *Reconciler {
	if gate == nil {
		gate = readiness.NewGate(metrics)
	}
	return &Reconciler{
		engine:         engine,
		provider:       provider,
		env:            env,
		desired:        desired,
		gate:           gate,
		metrics:        metrics,
		UnbindTimeout:  DefaultUnbindTimeout,
		UnbindInterval: DefaultUnbindInterval,
	}
}

// Apply converges the targeted part of the configuration. Global resources
// that exist live but not in state are imported first; a conflict on the
// first attempt is resolved by the kind's strategy and apply is retried
// exactly once.
func (r *Reconciler) Apply(ctx context.Context, stage string, targets []string) (Result, error) {
	log := logging.Component("reconcile").With().Str("stage", stage).Logger()
	var res Result

	state, err := r.engine.State(ctx)
	if err != nil {
		return res, fmt.Errorf("read managed state: %w", err)
	}
	imported, err := r.preImport(ctx, state, targets)
	res.Imported = append(res.Imported, imported...)
	if err != nil {
		return res, err
	}
	recreated, err := r.reconcileBindings(ctx, state, targets)
	res.Recreated = append(res.Recreated, recreated...)
	if err != nil {
		return res, err
	}

	opts := tf.ApplyOptions{Targets: targets, Vars: r.desired.Vars}
	res.Attempts++
	err = r.engine.Apply(ctx, opts)
	if err == nil {
		r.metrics.RecordApply(stage, "ok")
		log.Info().Int("attempts", res.Attempts).Msg("apply converged")
		return res, nil
	}

	conflicts, err := conflictsOf(err)
	if err != nil {
		r.metrics.RecordApply(stage, "failed")
		return res, err
	}
	r.metrics.RecordApply(stage, "conflict")
	for _, d := range conflicts {
		log.Warn().Str("address", d.Address).Str("summary", d.Summary).Msg("resource already exists")
		strategy, addr, err := r.resolve(ctx, d)
		if err != nil {
			return res, err
		}
		if strategy == model.ConflictRecreate {
			res.Recreated = append(res.Recreated, addr)
		} else {
			res.Imported = append(res.Imported, addr)
		}
	}

	res.Attempts++
	err = r.engine.Apply(ctx, opts)
	if err == nil {
		r.metrics.RecordApply(stage, "ok")
		log.Info().Int("attempts", res.Attempts).Msg("apply converged after resolving conflicts")
		return res, nil
	}
	r.metrics.RecordApply(stage, "failed")
	if again, cerr := conflictsOf(err); cerr == nil && len(again) > 0 {
		d := again[0]
		kind, strategy := kindOf(d.Address)
		return res, &ConflictError{
			Address:    d.Address,
			Kind:       kind,
			Strategy:   strategy,
			Diagnostic: d,
			Reason:     "still conflicting after one resolution and retry",
			Err:        err,
		}
	}
	return res, fmt.Errorf("apply retry after resolving conflicts: %w", err)
}

// conflictsOf returns the conflict diagnostics of a failed apply. Any other
// failure is returned as-is.
func conflictsOf(err error) ([]tf.Diagnostic, error) {
	ae, ok := tf.AsApplyError(err)
	if !ok {
		return nil, err
	}
	errs := ae.Errors()
	if len(errs) == 0 {
		return nil, err
	}
	var conflicts []tf.Diagnostic
	for _, d := range errs {
		if !IsConflict(d) {
			return nil, err
		}
		if d.Address == "" {
			return nil, &ConflictError{Diagnostic: d, Reason: "engine did not say which resource conflicted", Err: err}
		}
		conflicts = append(conflicts, d)
	}
	return conflicts, nil
}

var conflictMarkers = []string{
	"already exists",
	"alreadyexists",
	"entityalreadyexists",
	"resourcealreadyexists",
	"duplicate",
	"already associated",
	"is already in use",
}

// IsConflict reports whether a diagnostic is a create rejected because the
// resource already exists.
func IsConflict(d tf.Diagnostic) bool {
	if !d.IsError() {
		return false
	}
	text := strings.ToLower(d.Summary + " " + d.Detail)
	for _, m := range conflictMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func kindOf(address string) (model.Kind, model.ConflictStrategy) {
	spec, ok := model.SpecForTerraformType(tf.ResourceType(address))
	if !ok {
		return "", ""
	}
	return spec.Kind, spec.Conflict
}

// resolve applies the kind's conflict strategy to one diagnostic.
func (r *Reconciler) resolve(ctx context.Context, d tf.Diagnostic) (model.ConflictStrategy, string, error) {
	kind, strategy := kindOf(d.Address)
	if kind == "" {
		return "", d.Address, &ConflictError{Address: d.Address, Diagnostic: d, Reason: "resource type has no conflict strategy"}
	}
	switch strategy {
	case model.ConflictRecreate:
		b, ok := r.desired.binding(d.Address)
		if !ok {
			return strategy, d.Address, &ConflictError{Address: d.Address, Kind: kind, Strategy: strategy, Diagnostic: d, Reason: "no domain binding declared at this address"}
		}
		if err := r.recreateBinding(ctx, d.Address, b.Domain); err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				ce.Diagnostic = d
				return strategy, d.Address, ce
			}
			return strategy, d.Address, &ConflictError{Address: d.Address, Kind: kind, Strategy: strategy, Diagnostic: d, Reason: "could not remove the existing binding", Err: err}
		}
		return strategy, d.Address, nil
	default:
		entry, ok := r.desired.entry(d.Address)
		if !ok {
			return strategy, d.Address, &ConflictError{Address: d.Address, Kind: kind, Strategy: strategy, Diagnostic: d, Reason: "address is not in the resource catalog, so its live name is unknown"}
		}
		id, err := r.lookup(ctx, entry)
		if err != nil {
			return strategy, d.Address, &ConflictError{Address: d.Address, Kind: kind, Strategy: strategy, Diagnostic: d, Reason: fmt.Sprintf("could not find live %s %s", entry.Kind, entry.Name), Err: err}
		}
		if err := r.engine.Import(ctx, d.Address, id); err != nil {
			return strategy, d.Address, &ConflictError{Address: d.Address, Kind: kind, Strategy: strategy, Diagnostic: d, Reason: "import failed", Err: err}
		}
		logging.Info("imported conflicting resource", "address", d.Address, "id", id)
		return strategy, d.Address, nil
	}
}

func (r *Reconciler) lookup(ctx context.Context, e model.CatalogEntry) (string, error) {
	return r.provider.LookupID(ctx, e.Kind, e.Name)
}

// preImport adopts catalogued global resources that exist live but are
// missing from state, so apply updates rather than creates them.
func (r *Reconciler) preImport(ctx context.Context, state *tf.State, targets []string) ([]string, error) {
	var imported []string
	for _, e := range r.desired.Catalog {
		spec, err := model.SpecFor(e.Kind)
		if err != nil {
			return imported, err
		}
		if !spec.Global || state.Has(e.Address) || !Targeted(e.Address, targets) {
			continue
		}
		id, err := r.lookup(ctx, e)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return imported, fmt.Errorf("look up %s %s: %w", e.Kind, e.Name, err)
		}
		if err := r.engine.Import(ctx, e.Address, id); err != nil {
			return imported, fmt.Errorf("import %s %s as %s: %w", e.Kind, e.Name, e.Address, err)
		}
		logging.Info("imported global resource", "address", e.Address, "id", id)
		imported = append(imported, e.Address)
	}
	return imported, nil
}

// reconcileBindings removes live bindings that point at a different service
// than desired. Bindings cannot be updated in place.
func (r *Reconciler) reconcileBindings(ctx context.Context, state *tf.State, targets []string) ([]string, error) {
	var recreated []string
	for _, want := range r.desired.Bindings {
		if want.Address == "" || !Targeted(want.Address, targets) {
			continue
		}
		have, err := r.provider.FindBinding(ctx, r.env, want.Domain)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return recreated, fmt.Errorf("look up binding of %s: %w", want.Domain, err)
		}
		if have.ServiceName == want.TargetService {
			continue
		}
		logging.Warn("domain binding points at a stale service", "domain", want.Domain, "current", have.ServiceName, "desired", want.TargetService)
		if err := r.unbind(ctx, want.Address, have); err != nil {
			return recreated, fmt.Errorf("delete stale binding of %s: %w", want.Domain, err)
		}
		if state.Has(want.Address) {
			if err := r.engine.StateRm(ctx, want.Address); err != nil {
				return recreated, fmt.Errorf("drop %s from state: %w", want.Address, err)
			}
		}
		recreated = append(recreated, want.Address)
	}
	return recreated, nil
}

func (r *Reconciler) recreateBinding(ctx context.Context, address, domain string) error {
	state, err := r.engine.State(ctx)
	if err != nil {
		return err
	}
	if state.Has(address) {
		if err := r.engine.StateRm(ctx, address); err != nil {
			return err
		}
	}
	b, err := r.provider.FindBinding(ctx, r.env, domain)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("domain %s is bound outside environment %s", domain, r.env.ID)
	}
	if err != nil {
		return err
	}
	return r.unbind(ctx, address, b)
}

// unbind deletes a binding and waits until the provider no longer reports
// it; until then the domain cannot be associated again.
func (r *Reconciler) unbind(ctx context.Context, address string, b aws.Binding) error {
	if err := r.provider.DeleteBinding(ctx, b); err != nil {
		return err
	}
	d := model.ResourceDescriptor{Kind: model.KindDomainBinding, Name: b.Domain, ID: b.ImportID(), Location: r.env.Location}
	res := r.gate.WaitUntil(ctx, "unbound:"+b.Domain, func(ctx context.Context) (bool, error) {
		exists, err := r.provider.Exists(ctx, d)
		return !exists, err
	}, r.UnbindTimeout, r.UnbindInterval)
	if !res.Ready() {
		return &ConflictError{
			Address:  address,
			Kind:     model.KindDomainBinding,
			Strategy: model.ConflictRecreate,
			Reason:   "existing binding was deleted but is still being removed",
			Err:      res.Err("removal of binding " + b.Domain),
		}
	}
	return nil
}

// Targeted reports whether address falls under one of targets. No targets
// means everything.
func Targeted(address string, targets []string) bool {
	if len(targets) == 0 {
		return true
	}
	for _, t := range targets {
		if address == t || strings.HasPrefix(address, t+".") || strings.HasPrefix(address, t+"[") {
			return true
		}
	}
	return false
}
