package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeletableKindsRespectStructuralOrder(t *testing.T) {
	rank := map[Kind]int{}
	for i, s := range DeletableKinds() {
		assert.False(t, s.Global, "%s must not be deletable", s.Kind)
		rank[s.Kind] = i
	}

	before := [][2]Kind{
		{KindDomainBinding, KindService},
		{KindService, KindConnector},
		{KindConnector, KindSubnet},
		{KindService, KindDatabase},
		{KindDatabase, KindEndpoint},
		{KindDatabase, KindDBSubnetGroup},
		{KindEndpoint, KindDBSubnetGroup},
		{KindNATGateway, KindElasticIP},
		{KindNATGateway, KindSubnet},
		{KindSecurityGroup, KindNetwork},
		{KindSubnet, KindNetwork},
		{KindRouteTable, KindNetwork},
	}
	for _, pair := range before {
		assert.Less(t, rank[pair[0]], rank[pair[1]], "%s must be deleted before %s", pair[0], pair[1])
	}
}

func TestGlobalKindsAreImported(t *testing.T) {
	globals := GlobalKinds()
	require.Len(t, globals, 4)
	for _, s := range globals {
		assert.Equal(t, ConflictImport, s.Conflict)
	}
}

func TestDomainBindingIsRecreatedAndObserved(t *testing.T) {
	s, err := SpecFor(KindDomainBinding)
	require.NoError(t, err)
	assert.Equal(t, ConflictRecreate, s.Conflict)
	assert.Equal(t, ReadinessObserved, s.Readiness)
	assert.True(t, s.WaitForDeletion, "disassociation is asynchronous")

	db, err := SpecFor(KindDatabase)
	require.NoError(t, err)
	assert.Equal(t, ReadinessReported, db.Readiness)
	assert.True(t, db.WaitForDeletion)
}

func TestSpecForTerraformType(t *testing.T) {
	s, ok := SpecForTerraformType("aws_apprunner_vpc_connector")
	require.True(t, ok)
	assert.Equal(t, KindConnector, s.Kind)

	_, ok = SpecForTerraformType("aws_lambda_function")
	assert.False(t, ok)

	_, err := SpecFor("nonsense")
	assert.Error(t, err)
}

func TestIdentityOwnership(t *testing.T) {
	id := NewIdentity("shop", "dr1", "eu-west-1", "eu-west-1a")
	assert.Equal(t, "shop-dr1", id.NamePrefix)
	assert.True(t, id.Owns("shop-dr1-vpc"))
	assert.True(t, id.Owns("shop-dr1"))
	assert.False(t, id.Owns("shop-dr10-vpc"))
	assert.False(t, id.Owns("shop-prod-vpc"))
	assert.Equal(t, "shop-dr1-db", id.Name("db"))
}

func TestRunType(t *testing.T) {
	assert.Equal(t, "rebuild", RunType(ModeRebuild, "us-east-1"))
	assert.Equal(t, "evacuate-eu-west-1", RunType(ModeEvacuate, "eu-west-1"))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Evacuate ")
	require.NoError(t, err)
	assert.Equal(t, ModeEvacuate, m)

	_, err = ParseMode("migrate")
	assert.Error(t, err)
}

func TestLinkInvertsDependsOn(t *testing.T) {
	descs := Link([]ResourceDescriptor{
		{Kind: KindNetwork, ID: "vpc-1"},
		{Kind: KindSubnet, ID: "subnet-1", DependsOn: []string{"vpc-1"}},
		{Kind: KindConnector, ID: "conn-1", DependsOn: []string{"subnet-1", "sg-missing"}},
	})

	require.Len(t, descs[0].Dependents, 1)
	assert.Equal(t, "subnet-1", descs[0].Dependents[0].ID)
	require.Len(t, descs[1].Dependents, 1)
	assert.Equal(t, "conn-1", descs[1].Dependents[0].ID)
	assert.Empty(t, descs[2].Dependents)
}
