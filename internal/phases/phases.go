// Package phases holds the steps of the two recovery modes and the ordered
// lists the orchestrator runs.
package phases

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/recoverctl/recoverctl/internal/artifact"
	"github.com/recoverctl/recoverctl/internal/cleanup"
	"github.com/recoverctl/recoverctl/internal/config"
	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/internal/reconcile"
	"github.com/recoverctl/recoverctl/internal/secretsync"
	"github.com/recoverctl/recoverctl/internal/telemetry"
	"github.com/recoverctl/recoverctl/internal/tf"
	"github.com/recoverctl/recoverctl/providers/aws"
)

// Phase names, in the order they can appear.
const (
	Preflight   = "preflight"
	EngineInit  = "engine-init"
	DestroyHome = "destroy-home"
	Cleanup     = "cleanup"
	Foundation  = "foundation"
	SecretSync  = "secret-sync"
	Artifacts   = "artifacts"
	Services    = "services"
	Verify      = "verify"
)

// Run context outputs.
const (
	OutputAccount       = "account"
	OutputHomeReachable = "home_reachable"
	outputImagePrefix   = "image."
)

// Identity verifies credentials against one location.
type Identity interface {
	CallerIdentity(ctx context.Context) (aws.CallerIdentity, error)
}

// Target is the provider of the location being recovered into.
type Target interface {
	Identity
	cleanup.Provider
	reconcile.Provider
	readiness.DatabaseStatusSource
	secretsync.Store
	artifact.Locator
	ServiceURL(ctx context.Context, name string) (string, error)
}

// Home is the provider of the stack's home location. It is consulted for
// secrets and images only while reachable.
type Home interface {
	Identity
	secretsync.SecretReader
	artifact.Locator
}

// Deps are the collaborators phases call.
type Deps struct {
	Config *config.Config
	Engine tf.Engine
	Target Target
	// Home may be nil when the home location is not configured.
	Home     Home
	Registry artifact.Registry
	Builder  artifact.Builder
	// Keychain, when set, is loaded with registry tokens before artifacts
	// are resolved.
	Keychain *artifact.Keychain
	// Vault is the external source of truth for secrets; nil when not
	// configured.
	Vault   secretsync.Source
	HTTP    *http.Client
	Gate    *readiness.Gate
	Metrics *telemetry.Metrics

	// LookPath finds the terraform binary. Defaults to tf.FindBinary.
	LookPath func(name string) (string, error)
	// LookupEnv reads environment secrets. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// HomeProbeTimeout bounds the home reachability check.
	HomeProbeTimeout time.Duration
	// ReadinessInterval overrides every gate's poll interval; tests use it.
	ReadinessInterval time.Duration
}

// Evacuate is the phase list of a fresh copy in a substitute location.
func Evacuate(d *Deps) []engine.Phase {
	return []engine.Phase{
		d.phase(Preflight, d.preflight),
		d.phase(EngineInit, d.engineInit),
		d.phase(Cleanup, d.cleanup),
		d.phase(Foundation, d.foundation),
		d.phase(SecretSync, d.secretSync),
		d.phase(Artifacts, d.artifacts),
		d.phase(Services, d.services),
		d.phase(Verify, d.verify),
	}
}

// Rebuild destroys the home stack and builds it again in place.
func Rebuild(d *Deps) []engine.Phase {
	return []engine.Phase{
		d.phase(Preflight, d.preflight),
		d.phase(EngineInit, d.engineInit),
		d.phase(DestroyHome, d.destroyHome),
		d.phase(Cleanup, d.cleanup),
		d.phase(Foundation, d.foundation),
		d.phase(SecretSync, d.secretSync),
		d.phase(Artifacts, d.artifacts),
		d.phase(Services, d.services),
		d.phase(Verify, d.verify),
	}
}

// Standalone runs only the orphan cleanup, for the cleanup command.
func Standalone(d *Deps) []engine.Phase {
	return []engine.Phase{
		d.phase(Preflight, d.preflight),
		d.phase(EngineInit, d.engineInit),
		d.phase(Cleanup, d.cleanup),
	}
}

// For returns the phase list of mode.
func For(mode model.Mode, d *Deps) ([]engine.Phase, error) {
	switch mode {
	case model.ModeEvacuate:
		return Evacuate(d), nil
	case model.ModeRebuild:
		return Rebuild(d), nil
	}
	return nil, fmt.Errorf("no phases for mode %q", mode)
}

func (d *Deps) phase(name string, fn func(context.Context, *engine.RunContext) engine.Result) engine.Phase {
	return engine.Func{PhaseName: name, Fn: fn}
}

func (d *Deps) gate() *readiness.Gate {
	if d.Gate == nil {
		d.Gate = readiness.NewGate(d.Metrics)
	}
	return d.Gate
}

func (d *Deps) interval(configured time.Duration) time.Duration {
	if d.ReadinessInterval > 0 {
		return d.ReadinessInterval
	}
	return configured
}

func (d *Deps) probes() readiness.Probes {
	return readiness.Probes{Database: d.Target, HTTP: d.HTTP}
}

// reconciler builds an apply engine whose variables include everything
// earlier phases recorded.
func (d *Deps) reconciler(rc *engine.RunContext) *reconcile.Reconciler {
	vars := d.Config.TerraformVars()
	for k, v := range rc.Outputs() {
		if name, ok := imageVar(k); ok {
			vars[name] = v
		}
	}
	desired := reconcile.Desired{
		Catalog:  d.Config.Catalog,
		Bindings: d.Config.Bindings,
		Vars:     vars,
	}
	r := reconcile.New(d.Engine, d.Target, rc.Identity, desired, d.gate(), d.Metrics)
	r.UnbindInterval = d.interval(r.UnbindInterval)
	return r
}

// homeReachable reads what preflight found. It survives a resume through
// the checkpoint outputs.
func homeReachable(rc *engine.RunContext) bool {
	v, _ := rc.Get(OutputHomeReachable)
	return v == "true"
}
