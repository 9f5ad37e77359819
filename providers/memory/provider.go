// Package memory is an in-process provider that keeps live resources in a
// map. It backs tests and the terraform fake in internal/tf/tftest.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/providers/aws"
)

// Resource is one live resource.
type Resource struct {
	model.ResourceDescriptor
	// Target is the bound service name of a domain binding.
	Target string
	// Status is the reported status of a database.
	Status string
}

type Provider struct {
	mu      sync.Mutex
	region  string
	seq     int
	live    map[string]*Resource
	secrets map[string][]string
	records map[string][]aws.DNSRecord
	// pending counts Exists polls still reporting a deleted resource.
	pending map[string]int

	// DeleteLag is how many Exists polls a waited-on deletion keeps
	// reporting the resource as present.
	DeleteLag int
	// Fail injects errors by operation and ID, e.g. "delete:db-0003".
	Fail map[string]error
	// Unreachable makes every identity and registry call fail, like a
	// region that is down.
	Unreachable error

	calls []string
}

func New(region string) *Provider {
	return &Provider{
		region:  region,
		live:    make(map[string]*Resource),
		secrets: make(map[string][]string),
		records: make(map[string][]aws.DNSRecord),
		pending: make(map[string]int),
		Fail:    make(map[string]error),
	}
}

func (p *Provider) Region() string { return p.region }

func (p *Provider) CallerIdentity(context.Context) (aws.CallerIdentity, error) {
	if p.Unreachable != nil {
		return aws.CallerIdentity{}, p.Unreachable
	}
	return aws.CallerIdentity{Account: "000000000000", ARN: "arn:aws:iam::000000000000:role/recovery"}, nil
}

// RepositoryURI returns the registry path of a repository; the repository
// resource itself is not required to exist.
func (p *Provider) RepositoryURI(_ context.Context, name string) (string, error) {
	if p.Unreachable != nil {
		return "", p.Unreachable
	}
	return "000000000000.dkr.ecr." + p.region + ".amazonaws.com/" + name, nil
}

// Calls returns the mutating operations performed so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Provider) record(op string, args ...string) {
	p.calls = append(p.calls, op+":"+strings.Join(args, ","))
}

func (p *Provider) fail(op, id string) error {
	if err, ok := p.Fail[op+":"+id]; ok {
		return err
	}
	return nil
}

// Create adds a live resource, rejecting a duplicate name within a kind the
// way the real provider does. dependsOn are provider IDs.
func (p *Provider) Create(kind model.Kind, name string, dependsOn ...string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.live {
		if r.Kind == kind && r.Name == name {
			return "", fmt.Errorf("%s %s already exists: %w", kind, name, model.ErrAlreadyExists)
		}
	}
	p.seq++
	id := fmt.Sprintf("%s-%04d", idPrefix(kind), p.seq)
	if kind == model.KindDatabase || kind == model.KindDBSubnetGroup || kind == model.KindSecret ||
		kind == model.KindServiceAccount || kind == model.KindBucket || kind == model.KindArtifactRepository {
		id = name
	}
	r := &Resource{ResourceDescriptor: model.ResourceDescriptor{
		Kind: kind, Name: name, ID: id, Location: p.region, DependsOn: dependsOn,
	}}
	if kind == model.KindDatabase {
		r.Status = "available"
	}
	p.live[id] = r
	p.record("create", string(kind), name)
	return id, nil
}

// Bind creates a domain binding of domain to the named service.
func (p *Provider) Bind(domain, service string) (string, error) {
	id, err := p.Create(model.KindDomainBinding, domain)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.live[id].Target = service
	p.mu.Unlock()
	return id, nil
}

// SetDatabaseStatus overrides a database's reported status.
func (p *Provider) SetDatabaseStatus(identifier, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.live[identifier]; ok {
		r.Status = status
	}
}

// Live returns a copy of every live resource sorted by ID.
func (p *Provider) Live() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Resource, 0, len(p.live))
	for _, r := range p.live {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Provider) Inventory(_ context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.ResourceDescriptor
	for _, r := range p.live {
		owner := r.Name
		if r.Kind == model.KindDomainBinding {
			owner = r.Target
		}
		spec, err := model.SpecFor(r.Kind)
		if err != nil || spec.Global || !env.Owns(owner) {
			continue
		}
		if _, gone := p.pending[r.ID]; gone {
			continue
		}
		out = append(out, r.ResourceDescriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return model.Link(out), nil
}

func (p *Provider) Release(_ context.Context, d model.ResourceDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("release", d.ID); err != nil {
		return err
	}
	if _, ok := p.live[d.ID]; ok {
		p.record("release", d.ID)
	}
	return nil
}

// Delete refuses while another live resource still references d.
func (p *Provider) Delete(_ context.Context, d model.ResourceDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("delete", d.ID); err != nil {
		return err
	}
	r, ok := p.live[d.ID]
	if !ok {
		return nil
	}
	if _, deleting := p.pending[d.ID]; deleting {
		return nil
	}
	for _, other := range p.live {
		if _, deleting := p.pending[other.ID]; deleting {
			continue
		}
		for _, dep := range other.DependsOn {
			if dep == d.ID {
				return fmt.Errorf("%s is referenced by %s: %w", d, other.ResourceDescriptor, model.ErrDependencyViolation)
			}
		}
	}
	p.record("delete", d.ID)
	spec, _ := model.SpecFor(r.Kind)
	if spec.WaitForDeletion && p.DeleteLag > 0 {
		p.pending[d.ID] = p.DeleteLag
		return nil
	}
	delete(p.live, d.ID)
	return nil
}

func (p *Provider) Exists(_ context.Context, d model.ResourceDescriptor) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.resolve(d)
	if err := p.fail("exists", id); err != nil {
		return false, err
	}
	if n, ok := p.pending[id]; ok {
		if n <= 1 {
			delete(p.pending, id)
			delete(p.live, id)
			return false, nil
		}
		p.pending[id] = n - 1
		return true, nil
	}
	_, ok := p.live[id]
	return ok, nil
}

// resolve maps a descriptor to a live key. Bindings looked up from outside
// carry their import ID, so they are matched by domain.
func (p *Provider) resolve(d model.ResourceDescriptor) string {
	if _, ok := p.live[d.ID]; ok || d.Kind != model.KindDomainBinding {
		return d.ID
	}
	for id, r := range p.live {
		if r.Kind == model.KindDomainBinding && strings.EqualFold(r.Name, d.Name) {
			return id
		}
	}
	return d.ID
}

func (p *Provider) LookupID(_ context.Context, kind model.Kind, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == model.KindDomainBinding {
		return "", fmt.Errorf("domain bindings are recreated, never imported")
	}
	for _, r := range p.live {
		if r.Kind == kind && r.Name == name {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("%s %q: %w", kind, name, model.ErrNotFound)
}

func (p *Provider) DatabaseStatus(_ context.Context, identifier string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.live[identifier]
	if !ok || r.Kind != model.KindDatabase {
		return "", fmt.Errorf("database %s: %w", identifier, model.ErrNotFound)
	}
	return r.Status, nil
}

func (p *Provider) FindBinding(_ context.Context, env model.EnvironmentIdentity, domain string) (aws.Binding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.live {
		if r.Kind != model.KindDomainBinding || !strings.EqualFold(r.Name, domain) {
			continue
		}
		if _, deleting := p.pending[r.ID]; deleting || (r.Target != "" && !env.Owns(r.Target)) {
			continue
		}
		return aws.Binding{
			Domain:      r.Name,
			ServiceARN:  "arn:aws:apprunner:" + p.region + ":000000000000:service/" + r.Target,
			ServiceName: r.Target,
			Status:      "active",
			DNSTarget:   r.Target + "." + p.region + ".awsapprunner.com",
			ValidationRecords: []aws.DNSRecord{{
				Name: "_validation." + r.Name, Type: "CNAME", Value: "_token.acm-validations.aws",
			}},
		}, nil
	}
	return aws.Binding{}, fmt.Errorf("domain %s: %w", domain, model.ErrNotFound)
}

// DeleteBinding lags like Delete: the binding keeps blocking the domain
// until DeleteLag Exists polls have seen it.
func (p *Provider) DeleteBinding(_ context.Context, b aws.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	spec, _ := model.SpecFor(model.KindDomainBinding)
	for id, r := range p.live {
		if r.Kind != model.KindDomainBinding || !strings.EqualFold(r.Name, b.Domain) {
			continue
		}
		if _, deleting := p.pending[id]; deleting {
			continue
		}
		if err := p.fail("delete", id); err != nil {
			return err
		}
		p.record("delete", id)
		if spec.WaitForDeletion && p.DeleteLag > 0 {
			p.pending[id] = p.DeleteLag
			continue
		}
		delete(p.live, id)
	}
	return nil
}

func (p *Provider) UpsertRecords(_ context.Context, zoneID string, records []aws.DNSRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("dns", zoneID); err != nil {
		return err
	}
	existing := p.records[zoneID]
	for _, rec := range records {
		replaced := false
		for i := range existing {
			if existing[i].Name == rec.Name && existing[i].Type == rec.Type {
				existing[i] = rec
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, rec)
		}
	}
	p.records[zoneID] = existing
	p.record("dns", zoneID)
	return nil
}

// Records returns the record sets written to a zone.
func (p *Provider) Records(zoneID string) []aws.DNSRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]aws.DNSRecord(nil), p.records[zoneID]...)
}

func (p *Provider) ServiceURL(_ context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.live {
		if r.Kind == model.KindService && r.Name == name {
			return "https://" + name + "." + p.region + ".awsapprunner.com", nil
		}
	}
	return "", fmt.Errorf("service %s: %w", name, model.ErrNotFound)
}

func (p *Provider) HasCurrentVersion(_ context.Context, secretID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.secretExists(secretID) {
		return false, fmt.Errorf("secret %s: %w", secretID, model.ErrNotFound)
	}
	return len(p.secrets[secretID]) > 0, nil
}

func (p *Provider) SecretValue(_ context.Context, secretID string) (string, error) {
	if p.Unreachable != nil {
		return "", p.Unreachable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	versions := p.secrets[secretID]
	if len(versions) == 0 {
		return "", fmt.Errorf("secret %s has no current version: %w", secretID, model.ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

func (p *Provider) PutSecretValue(_ context.Context, secretID, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("put-secret", secretID); err != nil {
		return err
	}
	if !p.secretExists(secretID) {
		return fmt.Errorf("secret %s: %w", secretID, model.ErrNotFound)
	}
	p.secrets[secretID] = append(p.secrets[secretID], value)
	p.record("put-secret", secretID)
	return nil
}

// SeedSecret creates a secret container with optional versions.
func (p *Provider) SeedSecret(secretID string, versions ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[secretID] = &Resource{ResourceDescriptor: model.ResourceDescriptor{
		Kind: model.KindSecret, Name: secretID, ID: secretID, Location: p.region,
	}}
	p.secrets[secretID] = append(p.secrets[secretID], versions...)
}

func (p *Provider) secretExists(id string) bool {
	r, ok := p.live[id]
	return ok && r.Kind == model.KindSecret
}

func idPrefix(k model.Kind) string {
	switch k {
	case model.KindNetwork:
		return "vpc"
	case model.KindSubnet:
		return "subnet"
	case model.KindRouteTable:
		return "rtb"
	case model.KindNATGateway:
		return "nat"
	case model.KindElasticIP:
		return "eipalloc"
	case model.KindInternetGateway:
		return "igw"
	case model.KindSecurityGroup:
		return "sg"
	case model.KindEndpoint:
		return "vpce"
	case model.KindService, model.KindConnector, model.KindDomainBinding:
		return "arn:aws:apprunner:" + string(k)
	}
	return string(k)
}
