package phases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/recoverctl/recoverctl/internal/artifact"
	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/secretsync"
)

// secretSources lists where secret values may come from, in preference
// order. The home store is only offered while it answers: a source that
// errors blocks generation.
func (d *Deps) secretSources(rc *engine.RunContext) []secretsync.Source {
	var sources []secretsync.Source
	if d.Vault != nil {
		sources = append(sources, d.Vault)
	}
	if rc.Mode == model.ModeEvacuate && d.Home != nil && homeReachable(rc) {
		sources = append(sources, secretsync.HomeSource{Reader: d.Home})
	}
	return append(sources, secretsync.EnvSource{Lookup: d.LookupEnv})
}

func (d *Deps) secretSync(ctx context.Context, rc *engine.RunContext) engine.Result {
	specs := d.Config.Secrets
	if len(specs) == 0 {
		return engine.Completed("no secrets configured")
	}
	s := &secretsync.Synchronizer{Target: d.Target, Sources: d.secretSources(rc), Metrics: d.Metrics}

	var errs []error
	counts := make(map[string]int)
	for _, spec := range specs {
		res, err := s.EnsureVersion(ctx, spec, rc.DryRun)
		var missing *secretsync.MissingContainerError
		if rc.DryRun && errors.As(err, &missing) {
			rc.Log().DryRun("%s: created by the foundation apply, then synchronized", spec.Name)
			continue
		}
		if err != nil {
			rc.Log().Fail("%s: %v", spec.Name, err)
			errs = append(errs, err)
			continue
		}
		if rc.DryRun {
			rc.Log().DryRun("%s: %s", spec.Name, res.Detail)
			continue
		}
		counts[res.Via]++
		rc.Log().OK("%s: %s", spec.Name, res.Detail)
	}
	if len(errs) > 0 {
		return engine.Failed(errors.Join(errs...))
	}
	if rc.DryRun {
		return engine.Completed("dry-run")
	}
	return engine.Completed("%d secrets ensured (%s)", len(specs), summarize(counts))
}

func (d *Deps) artifacts(ctx context.Context, rc *engine.RunContext) engine.Result {
	list := d.Config.Artifacts
	if len(list) == 0 {
		return engine.Completed("no artifacts configured")
	}
	if d.Keychain != nil {
		if err := d.Keychain.Load(ctx); err != nil {
			rc.Log().Warn("registry login: %v", err)
		}
	}
	r := &artifact.Resolver{
		Target:   d.Target,
		Registry: d.Registry,
		Builder:  d.Builder,
		Recipes:  d.Config.Recipes,
		Metrics:  d.Metrics,
	}
	// copying from home only makes sense when home is elsewhere and up
	if rc.Mode == model.ModeEvacuate && d.Home != nil && homeReachable(rc) {
		r.Home = d.Home
	}

	var errs []error
	counts := make(map[string]int)
	for _, a := range list {
		res, err := r.EnsureAvailable(ctx, a, rc.DryRun)
		if err != nil {
			rc.Log().Fail("%s: %v", a.Name, err)
			errs = append(errs, err)
			continue
		}
		if rc.DryRun {
			rc.Log().DryRun("%s: %s", a.Name, res.Detail)
			continue
		}
		counts[string(res.Outcome)]++
		ref := res.Reference
		if res.Digest != "" {
			ref = pinned(res.Reference, res.Digest)
		}
		rc.Set(outputImagePrefix+a.Name, ref)
		rc.Log().OK("%s: %s (%s)", a.Name, res.Outcome, ref)
	}
	if len(errs) > 0 {
		return engine.Failed(errors.Join(errs...))
	}
	if rc.DryRun {
		return engine.Completed("dry-run")
	}
	return engine.Completed("%d artifacts ready (%s)", len(list), summarize(counts))
}

// pinned turns repo:tag into repo@digest.
func pinned(ref, digest string) string {
	repo := ref
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		repo = ref[:i]
	}
	return repo + "@" + digest
}

// imageVar maps an image output to the terraform variable that carries it,
// image.api-gateway -> image_api_gateway.
func imageVar(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, outputImagePrefix)
	if !ok || name == "" {
		return "", false
	}
	return "image_" + strings.NewReplacer("-", "_", ".", "_").Replace(name), true
}

func summarize(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	return strings.Join(parts, ", ")
}
