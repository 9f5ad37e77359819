package aws

import (
	"context"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/recoverctl/recoverctl/internal/model"
)

// nameFilters matches EC2 resources whose Name tag carries the prefix.
func nameFilters(env model.EnvironmentIdentity) []types.Filter {
	return []types.Filter{{
		Name:   awssdk.String("tag:Name"),
		Values: []string{env.NamePrefix, env.NamePrefix + "-*"},
	}}
}

func tagName(tags []types.Tag) string {
	for _, t := range tags {
		if deref(t.Key) == "Name" {
			return deref(t.Value)
		}
	}
	return ""
}

func (p *Provider) listVpcs(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := ec2.NewDescribeVpcsPaginator(p.ec2Client, &ec2.DescribeVpcsInput{Filters: nameFilters(env)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, v := range page.Vpcs {
			name := tagName(v.Tags)
			if !env.Owns(name) || awssdk.ToBool(v.IsDefault) {
				continue
			}
			out = append(out, model.ResourceDescriptor{Name: name, ID: deref(v.VpcId)})
		}
	}
	return out, nil
}

func (p *Provider) listSubnets(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := ec2.NewDescribeSubnetsPaginator(p.ec2Client, &ec2.DescribeSubnetsInput{Filters: nameFilters(env)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range page.Subnets {
			name := tagName(s.Tags)
			if !env.Owns(name) {
				continue
			}
			out = append(out, model.ResourceDescriptor{
				Name:      name,
				ID:        deref(s.SubnetId),
				DependsOn: []string{deref(s.VpcId)},
			})
		}
	}
	return out, nil
}

// listRouteTables skips main route tables; they go away with the VPC.
func (p *Provider) listRouteTables(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := ec2.NewDescribeRouteTablesPaginator(p.ec2Client, &ec2.DescribeRouteTablesInput{Filters: nameFilters(env)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, rt := range page.RouteTables {
			name := tagName(rt.Tags)
			if !env.Owns(name) || isMainRouteTable(rt) {
				continue
			}
			out = append(out, model.ResourceDescriptor{
				Name:      name,
				ID:        deref(rt.RouteTableId),
				DependsOn: []string{deref(rt.VpcId)},
			})
		}
	}
	return out, nil
}

func isMainRouteTable(rt types.RouteTable) bool {
	for _, a := range rt.Associations {
		if awssdk.ToBool(a.Main) {
			return true
		}
	}
	return false
}

func (p *Provider) listNATGateways(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := ec2.NewDescribeNatGatewaysPaginator(p.ec2Client, &ec2.DescribeNatGatewaysInput{Filter: nameFilters(env)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, n := range page.NatGateways {
			name := tagName(n.Tags)
			if !env.Owns(name) || n.State == types.NatGatewayStateDeleted {
				continue
			}
			deps := []string{deref(n.SubnetId), deref(n.VpcId)}
			for _, addr := range n.NatGatewayAddresses {
				if id := deref(addr.AllocationId); id != "" {
					deps = append(deps, id)
				}
			}
			out = append(out, model.ResourceDescriptor{Name: name, ID: deref(n.NatGatewayId), DependsOn: deps})
		}
	}
	return out, nil
}

func (p *Provider) listElasticIPs(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	resp, err := p.ec2Client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: nameFilters(env)})
	if err != nil {
		return nil, err
	}
	var out []model.ResourceDescriptor
	for _, a := range resp.Addresses {
		name := tagName(a.Tags)
		if !env.Owns(name) {
			continue
		}
		out = append(out, model.ResourceDescriptor{Name: name, ID: deref(a.AllocationId)})
	}
	return out, nil
}

func (p *Provider) listInternetGateways(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := ec2.NewDescribeInternetGatewaysPaginator(p.ec2Client, &ec2.DescribeInternetGatewaysInput{Filters: nameFilters(env)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, g := range page.InternetGateways {
			name := tagName(g.Tags)
			if !env.Owns(name) {
				continue
			}
			var deps []string
			for _, att := range g.Attachments {
				deps = append(deps, deref(att.VpcId))
			}
			out = append(out, model.ResourceDescriptor{Name: name, ID: deref(g.InternetGatewayId), DependsOn: deps})
		}
	}
	return out, nil
}

func (p *Provider) listSecurityGroups(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	input := &ec2.DescribeSecurityGroupsInput{Filters: []types.Filter{{
		Name:   awssdk.String("group-name"),
		Values: []string{env.NamePrefix + "-*"},
	}}}
	pager := ec2.NewDescribeSecurityGroupsPaginator(p.ec2Client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, sg := range page.SecurityGroups {
			name := deref(sg.GroupName)
			if !env.Owns(name) || name == "default" {
				continue
			}
			out = append(out, model.ResourceDescriptor{
				Name:      name,
				ID:        deref(sg.GroupId),
				DependsOn: []string{deref(sg.VpcId)},
			})
		}
	}
	return out, nil
}

func (p *Provider) listEndpoints(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := ec2.NewDescribeVpcEndpointsPaginator(p.ec2Client, &ec2.DescribeVpcEndpointsInput{Filters: nameFilters(env)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, ep := range page.VpcEndpoints {
			name := tagName(ep.Tags)
			if !env.Owns(name) || endpointGone(ep.State) {
				continue
			}
			deps := []string{deref(ep.VpcId)}
			deps = append(deps, ep.SubnetIds...)
			for _, g := range ep.Groups {
				deps = append(deps, deref(g.GroupId))
			}
			out = append(out, model.ResourceDescriptor{Name: name, ID: deref(ep.VpcEndpointId), DependsOn: deps})
		}
	}
	return out, nil
}

func endpointGone(state types.State) bool {
	return strings.EqualFold(string(state), "deleted")
}

func (p *Provider) deleteVpc(ctx context.Context, id string) error {
	_, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: &id})
	return classify(err)
}

func (p *Provider) deleteSubnet(ctx context.Context, id string) error {
	_, err := p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: &id})
	return classify(err)
}

func (p *Provider) deleteRouteTable(ctx context.Context, id string) error {
	if err := p.disassociateRouteTable(ctx, id); err != nil {
		return err
	}
	_, err := p.ec2Client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: &id})
	return classify(err)
}

func (p *Provider) disassociateRouteTable(ctx context.Context, id string) error {
	resp, err := p.ec2Client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{RouteTableIds: []string{id}})
	if err != nil {
		return classify(err)
	}
	for _, rt := range resp.RouteTables {
		for _, a := range rt.Associations {
			if awssdk.ToBool(a.Main) || a.RouteTableAssociationId == nil {
				continue
			}
			_, err := p.ec2Client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: a.RouteTableAssociationId,
			})
			if err := ignoreNotFound(err); err != nil {
				return fmt.Errorf("disassociate %s from %s: %w", deref(a.RouteTableAssociationId), id, err)
			}
		}
	}
	return nil
}

func (p *Provider) deleteNATGateway(ctx context.Context, id string) error {
	_, err := p.ec2Client.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: &id})
	return classify(err)
}

func (p *Provider) releaseElasticIP(ctx context.Context, allocationID string) error {
	_, err := p.ec2Client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: &allocationID})
	return classify(err)
}

func (p *Provider) detachInternetGateway(ctx context.Context, id string) error {
	resp, err := p.ec2Client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		InternetGatewayIds: []string{id},
	})
	if err != nil {
		return classify(err)
	}
	for _, g := range resp.InternetGateways {
		for _, att := range g.Attachments {
			_, err := p.ec2Client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: &id,
				VpcId:             att.VpcId,
			})
			if err := ignoreNotFound(err); err != nil {
				return fmt.Errorf("detach %s from %s: %w", id, deref(att.VpcId), err)
			}
		}
	}
	return nil
}

func (p *Provider) deleteInternetGateway(ctx context.Context, id string) error {
	if err := p.detachInternetGateway(ctx, id); err != nil {
		return err
	}
	_, err := p.ec2Client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: &id})
	return classify(err)
}

// revokeSecurityGroupRules drops every rule so groups referencing each
// other can be deleted in any order.
func (p *Provider) revokeSecurityGroupRules(ctx context.Context, id string) error {
	resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
	if err != nil {
		return classify(err)
	}
	for _, sg := range resp.SecurityGroups {
		if len(sg.IpPermissions) > 0 {
			_, err := p.ec2Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId:       sg.GroupId,
				IpPermissions: sg.IpPermissions,
			})
			if err := ignoreNotFound(err); err != nil {
				return fmt.Errorf("revoke ingress on %s: %w", id, err)
			}
		}
		if len(sg.IpPermissionsEgress) > 0 {
			_, err := p.ec2Client.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId:       sg.GroupId,
				IpPermissions: sg.IpPermissionsEgress,
			})
			if err := ignoreNotFound(err); err != nil {
				return fmt.Errorf("revoke egress on %s: %w", id, err)
			}
		}
	}
	return nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, id string) error {
	_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: &id})
	return classify(err)
}

func (p *Provider) deleteEndpoint(ctx context.Context, id string) error {
	resp, err := p.ec2Client.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{VpcEndpointIds: []string{id}})
	if err != nil {
		return classify(err)
	}
	for _, item := range resp.Unsuccessful {
		if item.Error == nil {
			continue
		}
		code := deref(item.Error.Code)
		if isNotFoundCode(code) {
			continue
		}
		return fmt.Errorf("delete vpc endpoint %s: %s: %s", id, code, deref(item.Error.Message))
	}
	return nil
}

// ec2Exists describes a single EC2 resource by ID. NAT gateways and
// endpoints linger in a deleted state and count as gone.
func (p *Provider) ec2Exists(ctx context.Context, kind model.Kind, id string) (bool, error) {
	switch kind {
	case model.KindNetwork:
		resp, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
		if err != nil {
			return false, err
		}
		return len(resp.Vpcs) > 0, nil
	case model.KindSubnet:
		resp, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}})
		if err != nil {
			return false, err
		}
		return len(resp.Subnets) > 0, nil
	case model.KindRouteTable:
		resp, err := p.ec2Client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{RouteTableIds: []string{id}})
		if err != nil {
			return false, err
		}
		return len(resp.RouteTables) > 0, nil
	case model.KindSecurityGroup:
		resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
		if err != nil {
			return false, err
		}
		return len(resp.SecurityGroups) > 0, nil
	case model.KindInternetGateway:
		resp, err := p.ec2Client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{InternetGatewayIds: []string{id}})
		if err != nil {
			return false, err
		}
		return len(resp.InternetGateways) > 0, nil
	case model.KindElasticIP:
		resp, err := p.ec2Client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{id}})
		if err != nil {
			return false, err
		}
		return len(resp.Addresses) > 0, nil
	case model.KindNATGateway:
		resp, err := p.ec2Client.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: []string{id}})
		if err != nil {
			return false, err
		}
		for _, n := range resp.NatGateways {
			if n.State != types.NatGatewayStateDeleted {
				return true, nil
			}
		}
		return false, nil
	case model.KindEndpoint:
		resp, err := p.ec2Client.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{VpcEndpointIds: []string{id}})
		if err != nil {
			return false, err
		}
		for _, ep := range resp.VpcEndpoints {
			if !endpointGone(ep.State) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("kind %s is not an EC2 resource", kind)
}

// lookupEC2 finds an EC2 resource ID by its Name tag.
func (p *Provider) lookupEC2(ctx context.Context, kind model.Kind, name string) (string, error) {
	filters := []types.Filter{{Name: awssdk.String("tag:Name"), Values: []string{name}}}
	switch kind {
	case model.KindNetwork:
		resp, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: filters})
		if err != nil || len(resp.Vpcs) == 0 {
			return "", err
		}
		return deref(resp.Vpcs[0].VpcId), nil
	case model.KindSubnet:
		resp, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: filters})
		if err != nil || len(resp.Subnets) == 0 {
			return "", err
		}
		return deref(resp.Subnets[0].SubnetId), nil
	case model.KindRouteTable:
		resp, err := p.ec2Client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: filters})
		if err != nil || len(resp.RouteTables) == 0 {
			return "", err
		}
		return deref(resp.RouteTables[0].RouteTableId), nil
	case model.KindSecurityGroup:
		resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: []types.Filter{{
			Name: awssdk.String("group-name"), Values: []string{name},
		}}})
		if err != nil || len(resp.SecurityGroups) == 0 {
			return "", err
		}
		return deref(resp.SecurityGroups[0].GroupId), nil
	case model.KindInternetGateway:
		resp, err := p.ec2Client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: filters})
		if err != nil || len(resp.InternetGateways) == 0 {
			return "", err
		}
		return deref(resp.InternetGateways[0].InternetGatewayId), nil
	case model.KindElasticIP:
		resp, err := p.ec2Client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: filters})
		if err != nil || len(resp.Addresses) == 0 {
			return "", err
		}
		return deref(resp.Addresses[0].AllocationId), nil
	case model.KindNATGateway:
		resp, err := p.ec2Client.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{Filter: filters})
		if err != nil {
			return "", err
		}
		for _, n := range resp.NatGateways {
			if n.State != types.NatGatewayStateDeleted {
				return deref(n.NatGatewayId), nil
			}
		}
		return "", nil
	case model.KindEndpoint:
		resp, err := p.ec2Client.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{Filters: filters})
		if err != nil {
			return "", err
		}
		for _, ep := range resp.VpcEndpoints {
			if !endpointGone(ep.State) {
				return deref(ep.VpcEndpointId), nil
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("kind %s has no lookup", kind)
}
