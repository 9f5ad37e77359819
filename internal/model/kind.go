package model

import (
	"fmt"
	"sort"
)

// Kind names a class of provider resource managed by a stack.
type Kind string

const (
	KindDomainBinding      Kind = "domain_binding"
	KindService            Kind = "service"
	KindConnector          Kind = "connector"
	KindDatabase           Kind = "database"
	KindEndpoint           Kind = "vpc_endpoint"
	KindDBSubnetGroup      Kind = "db_subnet_group"
	KindNATGateway         Kind = "nat_gateway"
	KindElasticIP          Kind = "elastic_ip"
	KindInternetGateway    Kind = "internet_gateway"
	KindSecurityGroup      Kind = "security_group"
	KindSubnet             Kind = "subnet"
	KindRouteTable         Kind = "route_table"
	KindNetwork            Kind = "network"
	KindServiceAccount     Kind = "service_account"
	KindSecret             Kind = "secret"
	KindArtifactRepository Kind = "artifact_repository"
	KindBucket             Kind = "bucket"
)

// ConflictStrategy is how the apply engine resolves an "already exists"
// rejection for a kind.
type ConflictStrategy string

const (
	ConflictImport   ConflictStrategy = "import"
	ConflictRecreate ConflictStrategy = "recreate"
)

// Readiness tells the readiness gate whose word to trust for a kind.
type Readiness string

const (
	// ReadinessReported trusts the provider's status field.
	ReadinessReported Readiness = "reported"
	// ReadinessObserved requires a live protocol probe.
	ReadinessObserved Readiness = "observed"
	ReadinessNone     Readiness = "none"
)

// KindSpec is the per-kind behavior table consumed by cleanup, apply and
// readiness.
type KindSpec struct {
	Kind            Kind
	TerraformType   string
	Global          bool
	Conflict        ConflictStrategy
	DeletionRank    int
	WaitForDeletion bool
	Readiness       Readiness
}

var kindSpecs = []KindSpec{
	{Kind: KindDomainBinding, TerraformType: "aws_apprunner_custom_domain_association", Conflict: ConflictRecreate, DeletionRank: 5, WaitForDeletion: true, Readiness: ReadinessObserved},
	{Kind: KindService, TerraformType: "aws_apprunner_service", Conflict: ConflictImport, DeletionRank: 10, WaitForDeletion: true, Readiness: ReadinessObserved},
	{Kind: KindConnector, TerraformType: "aws_apprunner_vpc_connector", Conflict: ConflictImport, DeletionRank: 20, WaitForDeletion: true, Readiness: ReadinessNone},
	{Kind: KindDatabase, TerraformType: "aws_db_instance", Conflict: ConflictImport, DeletionRank: 30, WaitForDeletion: true, Readiness: ReadinessReported},
	{Kind: KindEndpoint, TerraformType: "aws_vpc_endpoint", Conflict: ConflictImport, DeletionRank: 40, WaitForDeletion: true, Readiness: ReadinessNone},
	{Kind: KindDBSubnetGroup, TerraformType: "aws_db_subnet_group", Conflict: ConflictImport, DeletionRank: 50, Readiness: ReadinessNone},
	{Kind: KindNATGateway, TerraformType: "aws_nat_gateway", Conflict: ConflictImport, DeletionRank: 60, WaitForDeletion: true, Readiness: ReadinessNone},
	{Kind: KindElasticIP, TerraformType: "aws_eip", Conflict: ConflictImport, DeletionRank: 65, Readiness: ReadinessNone},
	{Kind: KindInternetGateway, TerraformType: "aws_internet_gateway", Conflict: ConflictImport, DeletionRank: 70, Readiness: ReadinessNone},
	{Kind: KindSecurityGroup, TerraformType: "aws_security_group", Conflict: ConflictImport, DeletionRank: 80, Readiness: ReadinessNone},
	{Kind: KindSubnet, TerraformType: "aws_subnet", Conflict: ConflictImport, DeletionRank: 90, Readiness: ReadinessNone},
	{Kind: KindRouteTable, TerraformType: "aws_route_table", Conflict: ConflictImport, DeletionRank: 100, Readiness: ReadinessNone},
	{Kind: KindNetwork, TerraformType: "aws_vpc", Conflict: ConflictImport, DeletionRank: 110, Readiness: ReadinessNone},

	{Kind: KindServiceAccount, TerraformType: "aws_iam_role", Global: true, Conflict: ConflictImport, Readiness: ReadinessNone},
	{Kind: KindSecret, TerraformType: "aws_secretsmanager_secret", Global: true, Conflict: ConflictImport, Readiness: ReadinessNone},
	{Kind: KindArtifactRepository, TerraformType: "aws_ecr_repository", Global: true, Conflict: ConflictImport, Readiness: ReadinessNone},
	{Kind: KindBucket, TerraformType: "aws_s3_bucket", Global: true, Conflict: ConflictImport, Readiness: ReadinessNone},
}

var (
	byKind   = make(map[Kind]KindSpec, len(kindSpecs))
	byTFType = make(map[string]KindSpec, len(kindSpecs))
)

func init() {
	for _, s := range kindSpecs {
		byKind[s.Kind] = s
		byTFType[s.TerraformType] = s
	}
}

// SpecFor returns the table entry for k.
func SpecFor(k Kind) (KindSpec, error) {
	s, ok := byKind[k]
	if !ok {
		return KindSpec{}, fmt.Errorf("unknown resource kind %q", k)
	}
	return s, nil
}

// SpecForTerraformType maps a terraform resource type (aws_vpc) back to its
// kind entry.
func SpecForTerraformType(tfType string) (KindSpec, bool) {
	s, ok := byTFType[tfType]
	return s, ok
}

// DeletableKinds returns every non-global kind ordered by deletion rank.
func DeletableKinds() []KindSpec {
	var out []KindSpec
	for _, s := range kindSpecs {
		if !s.Global {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeletionRank < out[j].DeletionRank })
	return out
}

// GlobalKinds returns the kinds that outlive any single environment.
func GlobalKinds() []KindSpec {
	var out []KindSpec
	for _, s := range kindSpecs {
		if s.Global {
			out = append(out, s)
		}
	}
	return out
}
