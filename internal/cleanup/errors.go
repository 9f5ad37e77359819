package cleanup

import (
	"fmt"
	"strings"

	"github.com/recoverctl/recoverctl/internal/model"
)

// OrderingViolationError reports a deletion the provider refused because a
// dependent still references the resource. It is never retried or forced:
// the usual cause is drift the operator has to look at.
type OrderingViolationError struct {
	Resource   model.ResourceDescriptor
	Dependents []model.ResourceDescriptor
	Err        error
}

func (e *OrderingViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot delete %s: still referenced", e.Resource)
	if len(e.Dependents) == 0 {
		b.WriteString(" by a resource outside this environment")
	} else {
		b.WriteString("\n  dependency chain:")
		for _, d := range e.Dependents {
			fmt.Fprintf(&b, "\n    %s -> %s", d, e.Resource)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "\n  provider said: %v", e.Err)
	}
	fmt.Fprintf(&b, "\n  inspect with: %s", e.Remediation())
	return b.String()
}

func (e *OrderingViolationError) Unwrap() error { return e.Err }

// Remediation is a read-only command that shows what still holds the
// resource.
func (e *OrderingViolationError) Remediation() string {
	r := e.Resource
	region := ""
	if r.Location != "" {
		region = " --region " + r.Location
	}
	switch r.Kind {
	case model.KindSubnet:
		return fmt.Sprintf("aws ec2 describe-network-interfaces --filters Name=subnet-id,Values=%s%s", r.ID, region)
	case model.KindSecurityGroup:
		return fmt.Sprintf("aws ec2 describe-network-interfaces --filters Name=group-id,Values=%s%s", r.ID, region)
	case model.KindNetwork:
		return fmt.Sprintf("aws ec2 describe-network-interfaces --filters Name=vpc-id,Values=%s%s", r.ID, region)
	case model.KindDBSubnetGroup:
		return fmt.Sprintf("aws rds describe-db-instances --query \"DBInstances[?DBSubnetGroup.DBSubnetGroupName=='%s']\"%s", r.ID, region)
	case model.KindConnector:
		return fmt.Sprintf("aws apprunner list-services%s", region)
	}
	return "recoverctl cleanup --dry-run --location " + r.Location
}

// WaitTimeoutError reports a deletion that was accepted but never finished
// within its bound.
type WaitTimeoutError struct {
	Resource model.ResourceDescriptor
	Err      error
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("%v; dependencies of %s were not deleted", e.Err, e.Resource)
}

func (e *WaitTimeoutError) Unwrap() error { return e.Err }
