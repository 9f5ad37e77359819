package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/recoverctl/recoverctl/internal/config"
	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/internal/reconcile"
)

// condition resolves a configured gate to a readiness condition. Service
// URLs are looked up at probe time because the service may not exist yet
// when the gate is built.
func (d *Deps) condition(g config.GateConfig) (readiness.Condition, error) {
	t := readiness.Target{Kind: g.Kind, Name: g.Name, URL: g.URL}
	switch {
	case t.URL != "":
	case g.Kind == model.KindDomainBinding:
		t.URL = "https://" + strings.TrimSuffix(g.Name, ".") + "/"
	case g.Kind == model.KindService:
		return func(ctx context.Context) (bool, error) {
			url, err := d.Target.ServiceURL(ctx, g.Name)
			if err != nil {
				return false, err
			}
			t.URL = url
			cond, err := d.probes().ConditionFor(t)
			if err != nil {
				return false, err
			}
			return cond(ctx)
		}, nil
	}
	return d.probes().ConditionFor(t)
}

func gateName(g config.GateConfig) string {
	return string(g.Kind) + ":" + g.Name
}

func (d *Deps) stages() ([]reconcile.Stage, error) {
	var out []reconcile.Stage
	for _, sc := range d.Config.Stages {
		st := reconcile.Stage{
			Name:     sc.Name,
			Targets:  sc.Targets,
			Bindings: d.Config.BindingsFor(sc.Bindings),
		}
		if sc.Gate != nil {
			cond, err := d.condition(*sc.Gate)
			if err != nil {
				return nil, fmt.Errorf("stage %s gate: %w", sc.Name, err)
			}
			st.Gate = &reconcile.Gate{
				Name:      gateName(*sc.Gate),
				Condition: cond,
				Timeout:   sc.Gate.Timeout,
				Interval:  d.interval(sc.Gate.Interval),
				Fatal:     sc.Gate.Fatal,
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// services runs the staged apply: prerequisite services and their domain
// bindings first, then what depends on them once the gate opens.
func (d *Deps) services(ctx context.Context, rc *engine.RunContext) engine.Result {
	stages, err := d.stages()
	if err != nil {
		return engine.Failed(err)
	}
	if len(stages) == 0 {
		return engine.Completed("no service stages configured")
	}
	if rc.DryRun {
		for _, st := range stages {
			rc.Log().DryRun("stage %s: would apply %s", st.Name, describeTargets(st.Targets))
			for _, b := range st.Bindings {
				if b.HostedZoneID != "" {
					rc.Log().DryRun("stage %s: would write DNS records for %s in zone %s", st.Name, b.Domain, b.HostedZoneID)
				}
			}
			if st.Gate != nil {
				rc.Log().DryRun("stage %s: would wait up to %s for %s", st.Name, st.Gate.Timeout, st.Gate.Name)
			}
		}
		return engine.Completed("dry-run")
	}

	res, err := d.reconciler(rc).ApplyStaged(ctx, stages)
	for _, a := range res.Recreated {
		rc.Log().Step("recreated %s", a)
	}
	if err != nil {
		return engine.Failed(err)
	}
	for _, w := range res.Warnings {
		rc.Log().Warn("%s", w)
	}
	msg := fmt.Sprintf("%d stages applied in %d attempts", len(stages), res.Attempts)
	if len(res.Warnings) > 0 {
		msg += fmt.Sprintf(", %d gate warning(s)", len(res.Warnings))
	}
	return engine.Completed("%s", msg)
}

// verify probes the finished stack. It never fails the run.
func (d *Deps) verify(ctx context.Context, rc *engine.RunContext) engine.Result {
	checks := d.Config.Verify
	if len(checks) == 0 {
		return engine.Completed("no verification probes configured")
	}
	if rc.DryRun {
		for _, g := range checks {
			rc.Log().DryRun("would probe %s", gateName(g))
		}
		return engine.Completed("dry-run")
	}
	passed := 0
	for _, g := range checks {
		cond, err := d.condition(g)
		if err != nil {
			rc.Log().Warn("%s: %v", gateName(g), err)
			continue
		}
		wait := d.gate().WaitUntil(ctx, "verify:"+gateName(g), cond, g.Timeout, d.interval(g.Interval))
		if !wait.Ready() {
			rc.Log().Warn("%v", wait.Err(gateName(g)))
			continue
		}
		passed++
		rc.Log().OK("%s", gateName(g))
	}
	return engine.Completed("%d/%d verification probes passed", passed, len(checks))
}
