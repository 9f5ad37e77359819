package phases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/recoverctl/recoverctl/internal/cleanup"
	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/internal/tf"
)

const defaultDatabaseInterval = 30 * time.Second

func (d *Deps) engineInit(ctx context.Context, rc *engine.RunContext) engine.Result {
	maxAge := d.Config.Terraform.LockMaxAge
	if rc.DryRun {
		rc.Log().DryRun("would remove a terraform state lock older than %s", maxAge)
	} else {
		removed, err := d.Engine.RemoveStaleLock(ctx, maxAge)
		if err != nil {
			return engine.Failed(fmt.Errorf("%w; if no other run is active, remove the lock with: terraform force-unlock <lock id> (in %s)", err, d.Config.Terraform.Dir))
		}
		if removed {
			rc.Log().Warn("removed a stale terraform state lock")
		}
	}
	// init only prepares the working directory; dry-runs need it to read state
	if err := d.Engine.Init(ctx); err != nil {
		return engine.Failed(fmt.Errorf("terraform init in %s: %w", d.Config.Terraform.Dir, err))
	}
	return engine.Completed("terraform initialized in %s", d.Config.Terraform.Dir)
}

// destroyHome tears down the managed home stack. Global resources stay:
// they are excluded from the destroy targets and re-imported by the
// foundation apply if they ever drop out of state.
func (d *Deps) destroyHome(ctx context.Context, rc *engine.RunContext) engine.Result {
	state, err := d.Engine.State(ctx)
	if err != nil {
		return engine.Failed(fmt.Errorf("read managed state: %w", err))
	}
	targets := destroyTargets(state, d.Config.Foundation.Destroy)
	if len(targets) == 0 {
		return engine.Completed("nothing in managed state to destroy")
	}
	if rc.DryRun {
		for _, t := range targets {
			rc.Log().DryRun("would destroy %s", t)
		}
		return engine.Completed("would destroy %d resources", len(targets))
	}
	rc.Log().Step("destroying %d managed resources", len(targets))
	if err := d.Engine.Destroy(ctx, tf.ApplyOptions{Targets: targets, Vars: d.Config.TerraformVars()}); err != nil {
		return engine.Failed(fmt.Errorf("destroy home stack: %w", err))
	}
	return engine.Completed("destroyed %d managed resources", len(targets))
}

// destroyTargets lists the non-global addresses in state, narrowed to
// scope when one is configured.
func destroyTargets(state *tf.State, scope []string) []string {
	var out []string
	for _, addr := range state.Addresses() {
		if spec, ok := model.SpecForTerraformType(tf.ResourceType(addr)); ok && spec.Global {
			continue
		}
		if strings.HasPrefix(addr, "data.") {
			continue
		}
		if len(scope) > 0 && !inScope(addr, scope) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func inScope(addr string, scope []string) bool {
	for _, s := range scope {
		if addr == s || strings.HasPrefix(addr, s+".") || strings.HasPrefix(addr, s+"[") {
			return true
		}
	}
	return false
}

func (d *Deps) cleanup(ctx context.Context, rc *engine.RunContext) engine.Result {
	cfg := d.Config
	var retained []model.CatalogEntry
	for _, e := range cfg.Catalog {
		if spec, err := model.SpecFor(e.Kind); err == nil && spec.Global {
			retained = append(retained, e)
		}
	}
	opts := cleanup.Options{
		DryRun:              rc.DryRun,
		ForceExisting:       rc.ForceCleanup,
		Concurrency:         cfg.Cleanup.Concurrency,
		WaitInterval:        d.interval(cfg.Cleanup.WaitInterval),
		WaitTimeout:         cfg.Cleanup.WaitTimeout,
		DatabaseWaitTimeout: cfg.Cleanup.DatabaseWaitTimeout,
		Retained:            retained,
	}
	report, err := cleanup.New(d.Target, d.Engine, d.gate(), d.Metrics).Cleanup(ctx, rc.Identity, opts)
	if err != nil {
		return engine.Failed(err)
	}
	for _, m := range report.Managed {
		rc.Log().Step("left %s: managed state owns it", m)
	}
	if report.Empty() {
		return engine.Completed("no orphans; %d managed, %d global retained", len(report.Managed), len(report.Retained))
	}
	if rc.DryRun {
		for _, w := range report.Plan.Waves {
			for _, r := range w.Resources {
				rc.Log().DryRun("would delete %s (rank %d)", r, w.Rank)
			}
		}
		return engine.Completed("would delete %d resources", report.Plan.Len())
	}
	return engine.Completed("deleted %d orphans; %d managed, %d global retained", len(report.Deleted), len(report.Managed), len(report.Retained))
}

// foundation applies the network and database tier and waits for the
// database's reported status.
func (d *Deps) foundation(ctx context.Context, rc *engine.RunContext) engine.Result {
	cfg := d.Config.Foundation
	if rc.DryRun {
		rc.Log().DryRun("would apply %s", describeTargets(cfg.Targets))
		if cfg.Database != "" {
			rc.Log().DryRun("would wait up to %s for database %s to report available", cfg.DatabaseTimeout, cfg.Database)
		}
		return engine.Completed("dry-run")
	}

	res, err := d.reconciler(rc).Apply(ctx, Foundation, cfg.Targets)
	if err != nil {
		return engine.Failed(err)
	}
	for _, a := range res.Imported {
		rc.Log().Step("imported %s", a)
	}
	if cfg.Database == "" {
		return engine.Completed("applied in %d attempt(s)", res.Attempts)
	}

	cond, err := d.probes().ConditionFor(readiness.Target{Kind: model.KindDatabase, Name: cfg.Database})
	if err != nil {
		return engine.Failed(err)
	}
	rc.Log().Step("waiting for database %s", cfg.Database)
	wait := d.gate().WaitUntil(ctx, "database:"+cfg.Database, cond, cfg.DatabaseTimeout, d.interval(defaultDatabaseInterval))
	if !wait.Ready() {
		return engine.Failed(fmt.Errorf("%w; check with: aws rds describe-db-instances --db-instance-identifier %s --region %s",
			wait.Err("database "+cfg.Database+" available"), cfg.Database, rc.Identity.Location))
	}
	return engine.Completed("applied in %d attempt(s), database available after %s", res.Attempts, wait.Elapsed.Round(time.Second))
}

func describeTargets(targets []string) string {
	if len(targets) == 0 {
		return "the whole configuration"
	}
	return strings.Join(targets, ", ")
}
