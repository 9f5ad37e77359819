package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/recoverctl/recoverctl/internal/model"
)

const dbStatusDeleting = "deleting"

func (p *Provider) listDatabases(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := rds.NewDescribeDBInstancesPaginator(p.rdsClient, &rds.DescribeDBInstancesInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, db := range page.DBInstances {
			id := deref(db.DBInstanceIdentifier)
			if !env.Owns(id) {
				continue
			}
			var deps []string
			if db.DBSubnetGroup != nil {
				deps = append(deps, deref(db.DBSubnetGroup.DBSubnetGroupName))
			}
			for _, sg := range db.VpcSecurityGroups {
				deps = append(deps, deref(sg.VpcSecurityGroupId))
			}
			out = append(out, model.ResourceDescriptor{Name: id, ID: id, DependsOn: deps})
		}
	}
	return out, nil
}

func (p *Provider) listDBSubnetGroups(ctx context.Context, env model.EnvironmentIdentity) ([]model.ResourceDescriptor, error) {
	var out []model.ResourceDescriptor
	pager := rds.NewDescribeDBSubnetGroupsPaginator(p.rdsClient, &rds.DescribeDBSubnetGroupsInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, g := range page.DBSubnetGroups {
			name := deref(g.DBSubnetGroupName)
			if !env.Owns(name) {
				continue
			}
			var deps []string
			for _, s := range g.Subnets {
				deps = append(deps, deref(s.SubnetIdentifier))
			}
			out = append(out, model.ResourceDescriptor{Name: name, ID: name, DependsOn: deps})
		}
	}
	return out, nil
}

// DatabaseStatus returns the instance's reported status, e.g. "available".
func (p *Provider) DatabaseStatus(ctx context.Context, identifier string) (string, error) {
	if err := p.ensureClient(ctx); err != nil {
		return "", err
	}
	resp, err := p.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: &identifier,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.DBInstances) == 0 {
		return "", fmt.Errorf("database %s: %w", identifier, model.ErrNotFound)
	}
	return deref(resp.DBInstances[0].DBInstanceStatus), nil
}

// deleteDatabase turns off deletion protection and deletes without a final
// snapshot. An instance already deleting is left alone.
func (p *Provider) deleteDatabase(ctx context.Context, identifier string) error {
	resp, err := p.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: &identifier,
	})
	if err != nil {
		return classify(err)
	}
	if len(resp.DBInstances) == 0 {
		return nil
	}
	db := resp.DBInstances[0]
	if deref(db.DBInstanceStatus) == dbStatusDeleting {
		return nil
	}

	if db.DeletionProtection != nil && *db.DeletionProtection {
		_, err := p.rdsClient.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
			DBInstanceIdentifier: &identifier,
			DeletionProtection:   boolPtr(false),
			ApplyImmediately:     boolPtr(true),
		})
		if err != nil {
			return fmt.Errorf("disable deletion protection on %s: %w", identifier, classify(err))
		}
	}

	_, err = p.rdsClient.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier:   &identifier,
		SkipFinalSnapshot:      boolPtr(true),
		DeleteAutomatedBackups: boolPtr(true),
	})
	return classify(err)
}

func (p *Provider) databaseExists(ctx context.Context, identifier string) (bool, error) {
	resp, err := p.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: &identifier,
	})
	if err != nil {
		return false, err
	}
	return len(resp.DBInstances) > 0, nil
}

func (p *Provider) deleteDBSubnetGroup(ctx context.Context, name string) error {
	_, err := p.rdsClient.DeleteDBSubnetGroup(ctx, &rds.DeleteDBSubnetGroupInput{DBSubnetGroupName: &name})
	return classify(err)
}

func (p *Provider) dbSubnetGroupExists(ctx context.Context, name string) (bool, error) {
	resp, err := p.rdsClient.DescribeDBSubnetGroups(ctx, &rds.DescribeDBSubnetGroupsInput{DBSubnetGroupName: &name})
	if err != nil {
		return false, err
	}
	return len(resp.DBSubnetGroups) > 0, nil
}

// lookupRDS returns the identifier, which is also the terraform import ID.
func (p *Provider) lookupRDS(ctx context.Context, kind model.Kind, name string) (string, error) {
	var (
		exists bool
		err    error
	)
	if kind == model.KindDatabase {
		exists, err = p.databaseExists(ctx, name)
	} else {
		exists, err = p.dbSubnetGroupExists(ctx, name)
	}
	if err != nil || !exists {
		return "", err
	}
	return name, nil
}
