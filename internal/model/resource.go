package model

import (
	"fmt"
	"strings"
)

// Mode selects which recovery procedure a run performs.
type Mode string

const (
	ModeRebuild  Mode = "rebuild"
	ModeEvacuate Mode = "evacuate"
)

// ParseMode validates a mode string from flags or config.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRebuild:
		return ModeRebuild, nil
	case ModeEvacuate:
		return ModeEvacuate, nil
	}
	return "", fmt.Errorf("unknown mode %q (expected rebuild or evacuate)", s)
}

// EnvironmentIdentity disambiguates concurrently existing stacks so their
// names and state paths never alias.
type EnvironmentIdentity struct {
	ID         string `json:"id"`
	Location   string `json:"location"`
	Zone       string `json:"zone"`
	NamePrefix string `json:"namePrefix"`
}

// NewIdentity derives the name prefix <app>-<id>.
func NewIdentity(app, id, location, zone string) EnvironmentIdentity {
	return EnvironmentIdentity{
		ID:         id,
		Location:   location,
		Zone:       zone,
		NamePrefix: fmt.Sprintf("%s-%s", app, id),
	}
}

// Owns reports whether a resource name belongs to this environment.
func (e EnvironmentIdentity) Owns(name string) bool {
	if e.NamePrefix == "" {
		return false
	}
	return name == e.NamePrefix || strings.HasPrefix(name, e.NamePrefix+"-")
}

// Name returns a resource name scoped to this environment.
func (e EnvironmentIdentity) Name(suffix string) string {
	return e.NamePrefix + "-" + suffix
}

// RunType keys checkpoint files: rebuild or evacuate-<location>.
func RunType(mode Mode, location string) string {
	if mode == ModeEvacuate {
		return fmt.Sprintf("evacuate-%s", location)
	}
	return string(ModeRebuild)
}

// ResourceDescriptor is one live resource discovered at the provider.
type ResourceDescriptor struct {
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`
	ID       string `json:"id"`
	Location string `json:"location"`
	// DependsOn holds provider IDs this resource references.
	DependsOn []string `json:"dependsOn,omitempty"`
	// Dependents are resources that must be gone before this one can be deleted.
	Dependents      []ResourceDescriptor `json:"-"`
	ManagedStateKey string               `json:"managedStateKey,omitempty"`
}

func (r ResourceDescriptor) String() string {
	if r.Name != "" && r.Name != r.ID {
		return fmt.Sprintf("%s %s (%s)", r.Kind, r.Name, r.ID)
	}
	return fmt.Sprintf("%s %s", r.Kind, r.ID)
}

// Link fills Dependents by inverting DependsOn across the set.
func Link(descs []ResourceDescriptor) []ResourceDescriptor {
	idx := make(map[string]int, len(descs))
	out := make([]ResourceDescriptor, len(descs))
	for i, d := range descs {
		d.Dependents = nil
		out[i] = d
		idx[d.ID] = i
	}
	for _, d := range out {
		for _, dep := range d.DependsOn {
			if j, ok := idx[dep]; ok && dep != d.ID {
				out[j].Dependents = append(out[j].Dependents, ResourceDescriptor{
					Kind: d.Kind, Name: d.Name, ID: d.ID, Location: d.Location,
				})
			}
		}
	}
	return out
}

// DomainBinding maps a custom domain to the service that serves it.
type DomainBinding struct {
	Domain        string `json:"domain" mapstructure:"domain" validate:"required,fqdn"`
	TargetService string `json:"targetService" mapstructure:"target_service" validate:"required"`
	HostedZoneID  string `json:"hostedZoneId,omitempty" mapstructure:"hosted_zone_id"`
	// Address is the terraform address of the binding resource.
	Address string `json:"address,omitempty" mapstructure:"address"`
}

// CatalogEntry ties a terraform address to the live resource name it
// creates. Entries of global kinds are pre-imported before apply; the rest
// let a conflicting address be traced back to a live resource.
type CatalogEntry struct {
	Kind    Kind   `mapstructure:"kind" validate:"required"`
	Name    string `mapstructure:"name" validate:"required"`
	Address string `mapstructure:"address" validate:"required"`
}

// Artifact is a container image the stack's services run.
type Artifact struct {
	Name       string `mapstructure:"name" validate:"required"`
	Kind       string `mapstructure:"kind" validate:"required"`
	Repository string `mapstructure:"repository" validate:"required"`
	Tag        string `mapstructure:"tag"`
	// Digest pins the expected content; empty means "whatever home holds".
	Digest string `mapstructure:"digest"`
}

// SecretSpec describes where a secret's value comes from.
type SecretSpec struct {
	Name         string `mapstructure:"name" validate:"required"`
	VaultPath    string `mapstructure:"vault_path"`
	HomeSecretID string `mapstructure:"home_secret_id"`
	EnvVar       string `mapstructure:"env_var"`
	Generate     bool   `mapstructure:"generate"`
	Length       int    `mapstructure:"length" validate:"omitempty,min=16,max=4096"`
}
