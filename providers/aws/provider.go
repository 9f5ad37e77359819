package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/retry"
)

// Provider talks to one AWS region with typed SDK clients.
type Provider struct {
	region  string
	profile string

	mu                   sync.Mutex
	loaded               bool
	ec2Client            *ec2.Client
	rdsClient            *rds.Client
	apprunnerClient      *apprunner.Client
	secretsmanagerClient *secretsmanager.Client
	ecrClient            *ecr.Client
	iamClient            *iam.Client
	s3Client             *s3.Client
	route53Client        *route53.Client
	stsClient            *sts.Client
}

// New returns a provider for region. Clients are created on first use.
func New(region, profile string) *Provider {
	return &Provider{region: region, profile: profile}
}

// Region returns the region this provider is bound to.
func (p *Provider) Region() string {
	return p.region
}

func (p *Provider) ensureClient(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.region)}
	if p.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(p.profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load SDK config for %s: %w", p.region, err)
	}

	p.ec2Client = ec2.NewFromConfig(cfg)
	p.rdsClient = rds.NewFromConfig(cfg)
	p.apprunnerClient = apprunner.NewFromConfig(cfg)
	p.secretsmanagerClient = secretsmanager.NewFromConfig(cfg)
	p.ecrClient = ecr.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)
	p.s3Client = s3.NewFromConfig(cfg)
	p.route53Client = route53.NewFromConfig(cfg)
	p.stsClient = sts.NewFromConfig(cfg)
	p.loaded = true
	return nil
}

// CallerIdentity is the principal the provider authenticates as.
type CallerIdentity struct {
	Account string
	ARN     string
}

// CallerIdentity verifies credentials for the region.
func (p *Provider) CallerIdentity(ctx context.Context) (CallerIdentity, error) {
	if err := p.ensureClient(ctx); err != nil {
		return CallerIdentity{}, err
	}
	out, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return CallerIdentity{}, fmt.Errorf("sts get-caller-identity in %s: %w", p.region, err)
	}
	return CallerIdentity{Account: deref(out.Account), ARN: deref(out.Arn)}, nil
}

// Inventory lists every deletable resource owned by the environment, with
// Dependents linked.
func (p *Provider) Inventory(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}
	log := logging.Component("aws")

	var all []model.ResourceDescriptor
	for _, spec := range model.DeletableKinds() {
		list, ok := p.listers()[spec.Kind]
		if !ok {
			continue
		}
		var found []model.ResourceDescriptor
		err := retry.Do(ctx, func() error {
			var err error
			found, err = list(ctx, env)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list %s in %s: %w", spec.Kind, p.region, err)
		}
		for i := range found {
			found[i].Kind = spec.Kind
			found[i].Location = p.region
		}
		log.Debug().Str("kind", string(spec.Kind)).Int("count", len(found)).Msg("inventory")
		all = append(all, found...)
	}
	return model.Link(all), nil
}

type lister func(context.Context, model.EnvironmentIdentity) ([]model.ResourceDescriptor, error)

func (p *Provider) listers() map[model.Kind]lister {
	return map[model.Kind]lister{
		model.KindDomainBinding:   p.listDomainBindings,
		model.KindService:         p.listServices,
		model.KindConnector:       p.listConnectors,
		model.KindDatabase:        p.listDatabases,
		model.KindEndpoint:        p.listEndpoints,
		model.KindDBSubnetGroup:   p.listDBSubnetGroups,
		model.KindNATGateway:      p.listNATGateways,
		model.KindElasticIP:       p.listElasticIPs,
		model.KindInternetGateway: p.listInternetGateways,
		model.KindSecurityGroup:   p.listSecurityGroups,
		model.KindSubnet:          p.listSubnets,
		model.KindRouteTable:      p.listRouteTables,
		model.KindNetwork:         p.listVpcs,
	}
}

// Release detaches a resource from its siblings so the deletion itself
// cannot race with them: security group rules are revoked, route table
// associations removed and internet gateways detached.
func (p *Provider) Release(ctx context.Context, d model.ResourceDescriptor) error {
	if err := p.ensureClient(ctx); err != nil {
		return err
	}
	var fn func() error
	switch d.Kind {
	case model.KindSecurityGroup:
		fn = func() error { return p.revokeSecurityGroupRules(ctx, d.ID) }
	case model.KindRouteTable:
		fn = func() error { return p.disassociateRouteTable(ctx, d.ID) }
	case model.KindInternetGateway:
		fn = func() error { return p.detachInternetGateway(ctx, d.ID) }
	default:
		return nil
	}
	return ignoreNotFound(retry.Do(ctx, fn))
}

// Delete removes one live resource. A resource that is already gone counts
// as deleted. A dependency rejection is returned wrapped with
// model.ErrDependencyViolation.
func (p *Provider) Delete(ctx context.Context, d model.ResourceDescriptor) error {
	if err := p.ensureClient(ctx); err != nil {
		return err
	}
	var fn func() error
	switch d.Kind {
	case model.KindDomainBinding:
		fn = func() error { return p.deleteDomainBinding(ctx, d.ID) }
	case model.KindService:
		fn = func() error { return p.deleteService(ctx, d.ID) }
	case model.KindConnector:
		fn = func() error { return p.deleteConnector(ctx, d.ID) }
	case model.KindDatabase:
		fn = func() error { return p.deleteDatabase(ctx, d.ID) }
	case model.KindEndpoint:
		fn = func() error { return p.deleteEndpoint(ctx, d.ID) }
	case model.KindDBSubnetGroup:
		fn = func() error { return p.deleteDBSubnetGroup(ctx, d.ID) }
	case model.KindNATGateway:
		fn = func() error { return p.deleteNATGateway(ctx, d.ID) }
	case model.KindElasticIP:
		fn = func() error { return p.releaseElasticIP(ctx, d.ID) }
	case model.KindInternetGateway:
		fn = func() error { return p.deleteInternetGateway(ctx, d.ID) }
	case model.KindSecurityGroup:
		fn = func() error { return p.deleteSecurityGroup(ctx, d.ID) }
	case model.KindSubnet:
		fn = func() error { return p.deleteSubnet(ctx, d.ID) }
	case model.KindRouteTable:
		fn = func() error { return p.deleteRouteTable(ctx, d.ID) }
	case model.KindNetwork:
		fn = func() error { return p.deleteVpc(ctx, d.ID) }
	default:
		return fmt.Errorf("kind %s cannot be deleted", d.Kind)
	}
	logging.Debug("deleting resource", "kind", string(d.Kind), "id", d.ID, "region", p.region)
	return ignoreNotFound(retry.Do(ctx, fn))
}

// Exists reports whether a resource is still present. Resources in a
// terminal deleted state count as gone.
func (p *Provider) Exists(ctx context.Context, d model.ResourceDescriptor) (bool, error) {
	if err := p.ensureClient(ctx); err != nil {
		return false, err
	}
	var (
		exists bool
		err    error
	)
	switch d.Kind {
	case model.KindDomainBinding:
		exists, err = p.domainBindingExists(ctx, d.ID)
	case model.KindService:
		exists, err = p.serviceExists(ctx, d.ID)
	case model.KindConnector:
		exists, err = p.connectorExists(ctx, d.ID)
	case model.KindDatabase:
		exists, err = p.databaseExists(ctx, d.ID)
	case model.KindDBSubnetGroup:
		exists, err = p.dbSubnetGroupExists(ctx, d.ID)
	default:
		exists, err = p.ec2Exists(ctx, d.Kind, d.ID)
	}
	if err = classify(err); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return exists, nil
}

// LookupID finds the terraform import ID of a named live resource. It
// returns model.ErrNotFound when nothing by that name exists.
func (p *Provider) LookupID(ctx context.Context, kind model.Kind, name string) (string, error) {
	if err := p.ensureClient(ctx); err != nil {
		return "", err
	}
	if kind == model.KindDomainBinding {
		return "", fmt.Errorf("domain bindings are recreated, never imported")
	}
	var id string
	err := retry.Do(ctx, func() error {
		var err error
		id, err = p.lookupID(ctx, kind, name)
		return err
	})
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

func (p *Provider) lookupID(ctx context.Context, kind model.Kind, name string) (string, error) {
	var (
		id  string
		err error
	)
	switch kind {
	case model.KindServiceAccount:
		id, err = p.lookupRole(ctx, name)
	case model.KindSecret:
		id, err = p.lookupSecret(ctx, name)
	case model.KindArtifactRepository:
		id, err = p.lookupRepository(ctx, name)
	case model.KindBucket:
		id, err = p.lookupBucket(ctx, name)
	case model.KindService:
		id, err = p.lookupService(ctx, name)
	case model.KindConnector:
		id, err = p.lookupConnector(ctx, name)
	case model.KindDatabase, model.KindDBSubnetGroup:
		id, err = p.lookupRDS(ctx, kind, name)
	default:
		id, err = p.lookupEC2(ctx, kind, name)
	}
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%s %q: %w", kind, name, model.ErrNotFound)
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolPtr(b bool) *bool { return &b }
