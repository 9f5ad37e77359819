package provider

import (
	"fmt"
	"sync"

	"github.com/recoverctl/recoverctl/providers/aws"
)

// Registry hands out one AWS provider per region so the home and target
// regions share clients across phases.
type Registry struct {
	mu        sync.RWMutex
	profile   string
	providers map[string]*aws.Provider
}

func NewRegistry(profile string) *Registry {
	return &Registry{
		profile:   profile,
		providers: make(map[string]*aws.Provider),
	}
}

// Get returns the provider for region, creating it on first use.
func (r *Registry) Get(region string) (*aws.Provider, error) {
	if region == "" {
		return nil, fmt.Errorf("provider region is empty")
	}

	r.mu.RLock()
	p, ok := r.providers[region]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[region]; ok {
		return p, nil
	}
	p = aws.New(region, r.profile)
	r.providers[region] = p
	return p, nil
}

// Regions lists the regions with a loaded provider.
func (r *Registry) Regions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for region := range r.providers {
		out = append(out, region)
	}
	return out
}
