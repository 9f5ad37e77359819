// Package artifact makes container images available in the target
// location, by copying from home or rebuilding from source.
package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/telemetry"
)

type Outcome string

const (
	Available Outcome = "available"
	Rebuilt   Outcome = "rebuilt"
	Failed    Outcome = "failed"
	// Planned is returned in dry-run instead of acting.
	Planned Outcome = "planned"
)

// Result is the outcome for one artifact.
type Result struct {
	Artifact  string
	Outcome   Outcome
	Reference string
	Digest    string
	Detail    string
}

// Registry reads and copies images by reference.
type Registry interface {
	Digest(ctx context.Context, ref string) (string, error)
	Copy(ctx context.Context, src, dst string) error
}

// Builder builds an image from a recipe, pushes it as ref and returns the
// pushed digest.
type Builder interface {
	Build(ctx context.Context, recipe Recipe, ref string) (string, error)
}

// Locator resolves a repository name to its URI in one location.
type Locator interface {
	RepositoryURI(ctx context.Context, name string) (string, error)
}

// Recipe is how one kind of artifact is built from source.
type Recipe struct {
	// Context is the build-context root.
	Context    string            `mapstructure:"context" validate:"required"`
	Dockerfile string            `mapstructure:"dockerfile"`
	Target     string            `mapstructure:"target"`
	BuildArgs  map[string]string `mapstructure:"build_args"`
}

// Resolver ensures artifacts exist at the target.
type Resolver struct {
	// Home may be nil when the home location is unreachable.
	Home     Locator
	Target   Locator
	Registry Registry
	Builder  Builder
	Recipes  map[string]Recipe
	Metrics  *telemetry.Metrics
}

// EnsureAvailable makes a available at the target. A digest already
// present and matching is left alone; otherwise the home copy is copied
// across, and when that is impossible or yields the wrong content the
// artifact is rebuilt with its kind's recipe.
func (r *Resolver) EnsureAvailable(ctx context.Context, a model.Artifact, dryRun bool) (Result, error) {
	res, err := r.ensure(ctx, a, dryRun)
	res.Artifact = a.Name
	if err != nil {
		res.Outcome = Failed
		res.Detail = err.Error()
	}
	if !dryRun {
		r.Metrics.RecordArtifact(a.Kind, string(res.Outcome))
	}
	return res, err
}

func (r *Resolver) ensure(ctx context.Context, a model.Artifact, dryRun bool) (Result, error) {
	log := logging.Component("artifact").With().Str("artifact", a.Name).Str("kind", a.Kind).Logger()
	tag := a.Tag
	if tag == "" {
		tag = "latest"
	}

	targetRef, err := r.ref(ctx, r.Target, a.Repository, tag)
	if err != nil {
		return Result{}, fmt.Errorf("resolve target repository %s: %w", a.Repository, err)
	}
	res := Result{Reference: targetRef}

	var homeRef, homeDigest string
	var homeErr error
	if r.Home == nil {
		homeErr = errors.New("home location not configured")
	} else if homeRef, homeErr = r.ref(ctx, r.Home, a.Repository, tag); homeErr == nil {
		homeDigest, homeErr = r.Registry.Digest(ctx, homeRef)
	}
	if homeErr != nil {
		log.Warn().Err(homeErr).Msg("home registry unavailable")
	}

	want := a.Digest
	if want == "" {
		want = homeDigest
	}

	have, err := r.Registry.Digest(ctx, targetRef)
	if err == nil && (want == "" || have == want) {
		res.Outcome, res.Digest, res.Detail = Available, have, "already present"
		return res, nil
	}
	if err == nil {
		log.Warn().Str("have", have).Str("want", want).Msg("stale copy at target")
	}

	canCopy := homeErr == nil && (a.Digest == "" || homeDigest == a.Digest)
	if dryRun {
		res.Outcome = Planned
		if canCopy {
			res.Detail = fmt.Sprintf("would copy %s to %s", homeRef, targetRef)
		} else {
			res.Detail = fmt.Sprintf("would rebuild %s with the %q recipe", targetRef, a.Kind)
		}
		return res, nil
	}

	if canCopy {
		err := r.Registry.Copy(ctx, homeRef, targetRef)
		if err == nil {
			got, derr := r.Registry.Digest(ctx, targetRef)
			if derr == nil && got == homeDigest {
				log.Info().Str("digest", got).Msg("copied from home")
				res.Outcome, res.Digest, res.Detail = Available, got, "copied from "+homeRef
				return res, nil
			}
			log.Warn().Str("got", got).Str("want", homeDigest).AnErr("error", derr).Msg("copy did not verify")
		} else {
			log.Warn().Err(err).Msg("registry copy failed")
		}
	} else if homeErr == nil {
		log.Warn().Str("home", homeDigest).Str("pinned", a.Digest).Msg("home holds a different digest than pinned")
	}

	recipe, ok := r.Recipes[a.Kind]
	if !ok {
		return res, fmt.Errorf("no build recipe for artifact kind %q (artifact %s); add one under artifacts.recipes", a.Kind, a.Name)
	}
	if r.Builder == nil {
		return res, fmt.Errorf("artifact %s needs a rebuild but no image builder is available", a.Name)
	}
	digest, err := r.Builder.Build(ctx, recipe, targetRef)
	if err != nil {
		return res, fmt.Errorf("rebuild %s from %s: %w", a.Name, recipe.Context, err)
	}
	log.Info().Str("digest", digest).Str("context", recipe.Context).Msg("rebuilt at target")
	res.Outcome, res.Digest, res.Detail = Rebuilt, digest, "rebuilt from "+recipe.Context
	return res, nil
}

func (r *Resolver) ref(ctx context.Context, loc Locator, repo, tag string) (string, error) {
	if loc == nil {
		return "", errors.New("no registry locator")
	}
	uri, err := loc.RepositoryURI(ctx, repo)
	if err != nil {
		return "", err
	}
	return uri + ":" + tag, nil
}
