package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	"github.com/aws/aws-sdk-go-v2/service/apprunner/types"

	"github.com/recoverctl/recoverctl/internal/model"
)

// Binding is the live state of a custom domain association.
type Binding struct {
	Domain            string
	ServiceARN        string
	ServiceName       string
	Status            string
	DNSTarget         string
	ValidationRecords []DNSRecord
}

// ImportID is the terraform import ID of the association.
func (b Binding) ImportID() string {
	return bindingID(b.Domain, b.ServiceARN)
}

func bindingID(domain, serviceARN string) string {
	return domain + "," + serviceARN
}

func splitBindingID(id string) (domain, serviceARN string, err error) {
	domain, serviceARN, ok := strings.Cut(id, ",")
	if !ok || domain == "" || serviceARN == "" {
		return "", "", fmt.Errorf("malformed domain binding id %q", id)
	}
	return domain, serviceARN, nil
}

type serviceSummary struct {
	name, arn, url string
	status         types.ServiceStatus
}

func (p *Provider) ownedServices(ctx context.Context, owns func(string) bool) ([]serviceSummary, error) {
	var out []serviceSummary
	pager := apprunner.NewListServicesPaginator(p.apprunnerClient, &apprunner.ListServicesInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range page.ServiceSummaryList {
			name := deref(s.ServiceName)
			if !owns(name) || s.Status == types.ServiceStatusDeleted {
				continue
			}
			out = append(out, serviceSummary{name: name, arn: deref(s.ServiceArn), url: deref(s.ServiceUrl), status: s.Status})
		}
	}
	return out, nil
}

func (p *Provider) listServices(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	services, err := p.ownedServices(ctx, env.Owns)
	if err != nil {
		return nil, err
	}
	var out []model.ResourceDescriptor
	for _, s := range services {
		d := model.ResourceDescriptor{Name: s.name, ID: s.arn}
		resp, err := p.apprunnerClient.DescribeService(ctx, &apprunner.DescribeServiceInput{ServiceArn: &s.arn})
		if err != nil {
			return nil, err
		}
		if svc := resp.Service; svc != nil && svc.NetworkConfiguration != nil && svc.NetworkConfiguration.EgressConfiguration != nil {
			if arn := deref(svc.NetworkConfiguration.EgressConfiguration.VpcConnectorArn); arn != "" {
				d.DependsOn = append(d.DependsOn, arn)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Provider) listConnectors(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := apprunner.NewListVpcConnectorsPaginator(p.apprunnerClient, &apprunner.ListVpcConnectorsInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range page.VpcConnectors {
			name := deref(c.VpcConnectorName)
			if !env.Owns(name) || c.Status == types.VpcConnectorStatusInactive {
				continue
			}
			deps := append([]string{}, c.Subnets...)
			deps = append(deps, c.SecurityGroups...)
			out = append(out, model.ResourceDescriptor{Name: name, ID: deref(c.VpcConnectorArn), DependsOn: deps})
		}
	}
	return out, nil
}

func (p *Provider) listDomainBindings(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	services, err := p.ownedServices(ctx, env.Owns)
	if err != nil {
		return nil, err
	}
	var out []model.ResourceDescriptor
	for _, s := range services {
		bindings, err := p.serviceBindings(ctx, s, false)
		if err != nil {
			return nil, err
		}
		for _, b := range bindings {
			out = append(out, model.ResourceDescriptor{
				Name:      b.Domain,
				ID:        b.ImportID(),
				DependsOn: []string{b.ServiceARN},
			})
		}
	}
	return out, nil
}

// serviceBindings lists a service's custom domains. Associations being
// disassociated are left out unless withDeleting is set; they still block a
// new association of the same domain.
func (p *Provider) serviceBindings(ctx context.Context, s serviceSummary, withDeleting bool) ([]Binding, error) {
	var out []Binding
	pager := apprunner.NewDescribeCustomDomainsPaginator(p.apprunnerClient, &apprunner.DescribeCustomDomainsInput{
		ServiceArn: &s.arn,
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cd := range page.CustomDomains {
			if cd.Status == types.CustomDomainAssociationStatusDeleting && !withDeleting {
				continue
			}
			b := Binding{
				Domain:      deref(cd.DomainName),
				ServiceARN:  s.arn,
				ServiceName: s.name,
				Status:      string(cd.Status),
				DNSTarget:   deref(page.DNSTarget),
			}
			for _, r := range cd.CertificateValidationRecords {
				b.ValidationRecords = append(b.ValidationRecords, DNSRecord{
					Name:  deref(r.Name),
					Type:  deref(r.Type),
					Value: deref(r.Value),
				})
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// FindBinding searches the environment's services for an association of
// domain. It returns model.ErrNotFound when the domain is unbound.
func (p *Provider) FindBinding(ctx context.Context, env model.EnvironmentIdentity, domain string) (Binding, error) {
	if err := p.ensureClient(ctx); err != nil {
		return Binding{}, err
	}
	services, err := p.ownedServices(ctx, env.Owns)
	if err != nil {
		return Binding{}, classify(err)
	}
	for _, s := range services {
		bindings, err := p.serviceBindings(ctx, s, false)
		if err != nil {
			return Binding{}, classify(err)
		}
		for _, b := range bindings {
			if strings.EqualFold(b.Domain, domain) {
				return b, nil
			}
		}
	}
	return Binding{}, fmt.Errorf("domain %s: %w", domain, model.ErrNotFound)
}

// DeleteBinding disassociates a domain from its service.
func (p *Provider) DeleteBinding(ctx context.Context, b Binding) error {
	if err := p.ensureClient(ctx); err != nil {
		return err
	}
	return ignoreNotFound(p.deleteDomainBinding(ctx, b.ImportID()))
}

func (p *Provider) deleteDomainBinding(ctx context.Context, id string) error {
	domain, arn, err := splitBindingID(id)
	if err != nil {
		return err
	}
	_, err = p.apprunnerClient.DisassociateCustomDomain(ctx, &apprunner.DisassociateCustomDomainInput{
		ServiceArn: &arn,
		DomainName: &domain,
	})
	return classify(err)
}

func (p *Provider) domainBindingExists(ctx context.Context, id string) (bool, error) {
	domain, arn, err := splitBindingID(id)
	if err != nil {
		return false, err
	}
	bindings, err := p.serviceBindings(ctx, serviceSummary{arn: arn}, true)
	if err != nil {
		return false, err
	}
	for _, b := range bindings {
		if strings.EqualFold(b.Domain, domain) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Provider) deleteService(ctx context.Context, arn string) error {
	_, err := p.apprunnerClient.DeleteService(ctx, &apprunner.DeleteServiceInput{ServiceArn: &arn})
	return classify(err)
}

func (p *Provider) serviceExists(ctx context.Context, arn string) (bool, error) {
	resp, err := p.apprunnerClient.DescribeService(ctx, &apprunner.DescribeServiceInput{ServiceArn: &arn})
	if err != nil {
		return false, err
	}
	return resp.Service != nil && resp.Service.Status != types.ServiceStatusDeleted, nil
}

func (p *Provider) deleteConnector(ctx context.Context, arn string) error {
	_, err := p.apprunnerClient.DeleteVpcConnector(ctx, &apprunner.DeleteVpcConnectorInput{VpcConnectorArn: &arn})
	return classify(err)
}

func (p *Provider) connectorExists(ctx context.Context, arn string) (bool, error) {
	resp, err := p.apprunnerClient.DescribeVpcConnector(ctx, &apprunner.DescribeVpcConnectorInput{VpcConnectorArn: &arn})
	if err != nil {
		return false, err
	}
	return resp.VpcConnector != nil && resp.VpcConnector.Status != types.VpcConnectorStatusInactive, nil
}

// ServiceURL returns the default https host of a named service.
func (p *Provider) ServiceURL(ctx context.Context, name string) (string, error) {
	if err := p.ensureClient(ctx); err != nil {
		return "", err
	}
	services, err := p.ownedServices(ctx, func(n string) bool { return n == name })
	if err != nil {
		return "", classify(err)
	}
	if len(services) == 0 || services[0].url == "" {
		return "", fmt.Errorf("service %s: %w", name, model.ErrNotFound)
	}
	return "https://" + strings.TrimPrefix(services[0].url, "https://"), nil
}

func (p *Provider) lookupService(ctx context.Context, name string) (string, error) {
	services, err := p.ownedServices(ctx, func(n string) bool { return n == name })
	if err != nil || len(services) == 0 {
		return "", err
	}
	return services[0].arn, nil
}

func (p *Provider) lookupConnector(ctx context.Context, name string) (string, error) {
	pager := apprunner.NewListVpcConnectorsPaginator(p.apprunnerClient, &apprunner.ListVpcConnectorsInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", err
		}
		for _, c := range page.VpcConnectors {
			if deref(c.VpcConnectorName) == name && c.Status != types.VpcConnectorStatusInactive {
				return deref(c.VpcConnectorArn), nil
			}
		}
	}
	return "", nil
}
