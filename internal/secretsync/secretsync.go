// Package secretsync guarantees secret containers hold a current version
// before anything that reads them is created.
package secretsync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/retry"
	"github.com/recoverctl/recoverctl/internal/telemetry"
)

type Outcome string

const (
	Ensured Outcome = "ensured"
	Failed  Outcome = "failed"
	Planned Outcome = "planned"
)

// How an ensured secret got its version.
const (
	ViaExisting  = "existing"
	ViaGenerated = "generated"
)

const DefaultLength = 32

// Result is the outcome for one secret.
type Result struct {
	Secret  string
	Outcome Outcome
	// Via is existing, generated or the name of the source it was copied
	// from.
	Via    string
	Detail string
}

// Store is the target secret store.
type Store interface {
	HasCurrentVersion(ctx context.Context, secretID string) (bool, error)
	PutSecretValue(ctx context.Context, secretID, value string) error
}

// Source is somewhere a secret's value can be copied from. Value returns
// an error wrapping model.ErrNotFound when it holds nothing for spec.
type Source interface {
	Name() string
	Value(ctx context.Context, spec model.SecretSpec) (string, error)
}

// MissingContainerError means the secret resource itself does not exist
// yet; the apply that creates it has to run first.
type MissingContainerError struct {
	Secret string
	Err    error
}

func (e *MissingContainerError) Error() string {
	return fmt.Sprintf("secret %s does not exist in the target location; run the foundation apply first (recoverctl resume) or create it with: aws secretsmanager create-secret --name %s", e.Secret, e.Secret)
}

func (e *MissingContainerError) Unwrap() error { return e.Err }

type Synchronizer struct {
	Target  Store
	Sources []Source
	// Generate returns a random value of length n. Defaults to crypto/rand.
	Generate func(n int) (string, error)
	Metrics  *telemetry.Metrics
}

// EnsureVersion makes sure spec's secret has a current version. An existing
// version is never replaced. Otherwise sources are consulted in order and
// the first value found is written; a random value is generated only when
// the spec allows it and every source came back empty.
func (s *Synchronizer) EnsureVersion(ctx context.Context, spec model.SecretSpec, dryRun bool) (Result, error) {
	res, err := s.ensure(ctx, spec, dryRun)
	res.Secret = spec.Name
	if err != nil {
		res.Outcome = Failed
		res.Detail = err.Error()
	}
	if !dryRun {
		s.Metrics.RecordSecret(orDefault(res.Via, "none"), string(res.Outcome))
	}
	return res, err
}

func (s *Synchronizer) ensure(ctx context.Context, spec model.SecretSpec, dryRun bool) (Result, error) {
	log := logging.Component("secretsync").With().Str("secret", spec.Name).Logger()

	var has bool
	err := retry.Do(ctx, func() error {
		var err error
		has, err = s.Target.HasCurrentVersion(ctx, spec.Name)
		return err
	})
	if errors.Is(err, model.ErrNotFound) {
		return Result{}, &MissingContainerError{Secret: spec.Name, Err: err}
	}
	if err != nil {
		return Result{}, fmt.Errorf("check versions of %s: %w", spec.Name, err)
	}
	if has {
		log.Debug().Msg("current version present")
		return Result{Outcome: Ensured, Via: ViaExisting, Detail: "current version already present"}, nil
	}

	var sourceErrs []error
	for _, src := range s.Sources {
		value, err := src.Value(ctx, spec)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Msg("source unavailable")
			sourceErrs = append(sourceErrs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if value == "" {
			continue
		}
		if dryRun {
			return Result{Outcome: Planned, Via: src.Name(), Detail: "would copy the value from " + src.Name()}, nil
		}
		if err := s.put(ctx, spec.Name, value); err != nil {
			return Result{Via: src.Name()}, err
		}
		log.Info().Str("source", src.Name()).Msg("version copied from source")
		return Result{Outcome: Ensured, Via: src.Name(), Detail: "copied from " + src.Name()}, nil
	}

	// a source that failed may hold the stable value consumers expect
	if len(sourceErrs) > 0 {
		return Result{}, fmt.Errorf("no value for %s and some sources failed, refusing to generate one: %w", spec.Name, errors.Join(sourceErrs...))
	}
	if !spec.Generate {
		return Result{}, fmt.Errorf("no source holds a value for %s and generation is not allowed; set it in vault (%s) or the %s environment variable",
			spec.Name, orDefault(spec.VaultPath, "no path configured"), orDefault(spec.EnvVar, "configured"))
	}

	n := spec.Length
	if n <= 0 {
		n = DefaultLength
	}
	if dryRun {
		return Result{Outcome: Planned, Via: ViaGenerated, Detail: fmt.Sprintf("would generate a %d character value", n)}, nil
	}
	gen := s.Generate
	if gen == nil {
		gen = RandomString
	}
	value, err := gen(n)
	if err != nil {
		return Result{}, fmt.Errorf("generate value for %s: %w", spec.Name, err)
	}
	if err := s.put(ctx, spec.Name, value); err != nil {
		return Result{Via: ViaGenerated}, err
	}
	log.Warn().Int("length", n).Msg("no source held a value; generated a new one")
	return Result{Outcome: Ensured, Via: ViaGenerated, Detail: "generated"}, nil
}

func (s *Synchronizer) put(ctx context.Context, id, value string) error {
	err := retry.Do(ctx, func() error { return s.Target.PutSecretValue(ctx, id, value) })
	if errors.Is(err, model.ErrNotFound) {
		return &MissingContainerError{Secret: id, Err: err}
	}
	if err != nil {
		return fmt.Errorf("write version of %s: %w", id, err)
	}
	return nil
}

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns n characters drawn uniformly from [A-Za-z0-9].
func RandomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
