// Package tf drives the declarative engine (terraform) through its
// programmatic interface and returns typed results.
package tf

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"time"
)

// ApplyOptions narrows one apply call.
type ApplyOptions struct {
	// Targets limits the apply to these addresses and their dependencies.
	// Empty applies everything.
	Targets []string
	Vars    map[string]string
}

// Engine is what the reconciler needs from the declarative engine.
type Engine interface {
	Init(ctx context.Context) error
	// Apply returns an *ApplyError carrying parsed diagnostics on failure.
	Apply(ctx context.Context, opts ApplyOptions) error
	Import(ctx context.Context, address, id string) error
	StateRm(ctx context.Context, address string) error
	State(ctx context.Context) (*State, error)
	Destroy(ctx context.Context, opts ApplyOptions) error
	// RemoveStaleLock clears a state lock left by a crashed run.
	RemoveStaleLock(ctx context.Context, maxAge time.Duration) (bool, error)
}

// ManagedResource is one resource instance recorded in managed state.
type ManagedResource struct {
	Address string
	Type    string
	// Identifiers are the attribute values a live resource could be known
	// by: id, arn, name, identifier.
	Identifiers []string
}

// State is the managed-resource view of terraform state.
type State struct {
	Resources []ManagedResource
}

// Has reports whether address is in state.
func (s *State) Has(address string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Resources {
		if r.Address == address {
			return true
		}
	}
	return false
}

// Find returns the address of the state entry of the given type known by
// any of ids.
func (s *State) Find(tfType string, ids ...string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, r := range s.Resources {
		if r.Type != tfType {
			continue
		}
		for _, have := range r.Identifiers {
			for _, want := range ids {
				if want != "" && have == want {
					return r.Address, true
				}
			}
		}
	}
	return "", false
}

// Addresses lists every address, sorted.
func (s *State) Addresses() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Resources))
	for _, r := range s.Resources {
		out = append(out, r.Address)
	}
	sort.Strings(out)
	return out
}

// FindBinary locates terraform on PATH.
func FindBinary(name string) (string, error) {
	if name == "" {
		name = "terraform"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("terraform binary %q not found on PATH: %w", name, err)
	}
	return path, nil
}
