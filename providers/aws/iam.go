package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/iam"
)

// lookupRole returns the role name; terraform imports IAM roles by name.
func (p *Provider) lookupRole(ctx context.Context, name string) (string, error) {
	resp, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: &name})
	if err != nil || resp.Role == nil {
		return "", err
	}
	return deref(resp.Role.RoleName), nil
}
