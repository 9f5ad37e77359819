package tf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const applyStream = `{"@level":"info","@message":"Terraform 1.9.8","type":"version","terraform":"1.9.8","ui":"1.2"}
{"@level":"info","@message":"aws_iam_role.app: Creating...","type":"apply_start","hook":{"resource":{"addr":"aws_iam_role.app"}}}
not json at all
{"@level":"error","@message":"Error: creating IAM Role (shop-app)","type":"diagnostic","diagnostic":{"severity":"error","summary":"creating IAM Role (shop-app): operation error IAM: CreateRole, EntityAlreadyExists: Role with name shop-app already exists.","detail":"","address":"aws_iam_role.app"}}
{"@level":"warn","@message":"Warning: Argument is deprecated","type":"diagnostic","diagnostic":{"severity":"warning","summary":"Argument is deprecated","detail":"use something else"}}
`

func TestParseDiagnostics(t *testing.T) {
	diags := ParseDiagnostics(strings.NewReader(applyStream))
	require.Len(t, diags, 2)

	assert.True(t, diags[0].IsError())
	assert.Equal(t, "aws_iam_role.app", diags[0].Address)
	assert.Contains(t, diags[0].Summary, "EntityAlreadyExists")

	assert.False(t, diags[1].IsError())
	assert.Empty(t, diags[1].Address)
}

func TestApplyErrorMessage(t *testing.T) {
	err := error(&ApplyError{
		Diagnostics: ParseDiagnostics(strings.NewReader(applyStream)),
		Err:         errors.New("exit status 1"),
	})

	ae, ok := AsApplyError(err)
	require.True(t, ok)
	assert.Len(t, ae.Errors(), 1)
	assert.Contains(t, err.Error(), "(aws_iam_role.app)")
	assert.NotContains(t, err.Error(), "deprecated")

	bare := &ApplyError{Err: errors.New("exit status 1")}
	assert.Equal(t, "terraform apply: exit status 1", bare.Error())

	_, ok = AsApplyError(errors.New("plain"))
	assert.False(t, ok)
}

func TestResourceType(t *testing.T) {
	tests := map[string]string{
		"aws_vpc.main":                        "aws_vpc",
		`aws_subnet.private["a"]`:             "aws_subnet",
		"aws_db_instance.db[0]":               "aws_db_instance",
		"module.net.aws_route_table.private":  "aws_route_table",
		"module.a.module.b.aws_eip.nat":       "aws_eip",
		"data.aws_caller_identity.current":    "",
		"aws_vpc":                             "",
		"":                                    "",
	}
	for addr, want := range tests {
		assert.Equal(t, want, ResourceType(addr), addr)
	}
}

func TestStateFind(t *testing.T) {
	st := &State{Resources: []ManagedResource{
		{Address: "aws_vpc.main", Type: "aws_vpc", Identifiers: []string{"vpc-0abc"}},
		{Address: "aws_db_instance.db", Type: "aws_db_instance", Identifiers: []string{"db-XYZ", "shop-dr1-db"}},
	}}

	addr, ok := st.Find("aws_db_instance", "", "shop-dr1-db")
	assert.True(t, ok)
	assert.Equal(t, "aws_db_instance.db", addr)

	_, ok = st.Find("aws_subnet", "vpc-0abc")
	assert.False(t, ok, "type must match")

	assert.True(t, st.Has("aws_vpc.main"))
	assert.Equal(t, []string{"aws_db_instance.db", "aws_vpc.main"}, st.Addresses())

	var empty *State
	assert.False(t, empty.Has("aws_vpc.main"))
	assert.Nil(t, empty.Addresses())
}

func TestFromTFJSON(t *testing.T) {
	st := &tfjson.State{Values: &tfjson.StateValues{RootModule: &tfjson.StateModule{
		Resources: []*tfjson.StateResource{
			{Address: "aws_vpc.main", Mode: tfjson.ManagedResourceMode, Type: "aws_vpc", AttributeValues: map[string]interface{}{"id": "vpc-1", "arn": "arn:aws:ec2:vpc/vpc-1"}},
			{Address: "data.aws_region.current", Mode: tfjson.DataResourceMode, Type: "aws_region"},
		},
		ChildModules: []*tfjson.StateModule{{
			Resources: []*tfjson.StateResource{
				{Address: "module.db.aws_db_instance.this", Mode: tfjson.ManagedResourceMode, Type: "aws_db_instance", AttributeValues: map[string]interface{}{"id": "db-1", "identifier": "shop-dr1-db"}},
			},
		}},
	}}}

	out := fromTFJSON(st)
	require.Len(t, out.Resources, 2)
	assert.Equal(t, []string{"vpc-1", "arn:aws:ec2:vpc/vpc-1"}, out.Resources[0].Identifiers)
	addr, ok := out.Find("aws_db_instance", "shop-dr1-db")
	assert.True(t, ok)
	assert.Equal(t, "module.db.aws_db_instance.this", addr)

	assert.Empty(t, fromTFJSON(nil).Resources)
	assert.Empty(t, fromTFJSON(&tfjson.State{}).Resources)
}

func TestVarAssignmentsSorted(t *testing.T) {
	got := varAssignments(map[string]string{"region": "eu-west-1", "env": "dr1", "app": "shop"})
	assert.Equal(t, []string{"app=shop", "env=dr1", "region=eu-west-1"}, got)
}

func writeLock(t *testing.T, dir string, created time.Time) {
	t.Helper()
	body := `{"ID":"4f1c","Operation":"OperationTypeApply","Who":"ops@bastion","Created":"` + created.Format(time.RFC3339Nano) + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, LocalLockFile), []byte(body), 0o644))
}

func TestRemoveStaleLock(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("needs /bin/false as a stand-in terraform binary")
	}
	dir := t.TempDir()
	exec, err := tfexec.NewTerraform(dir, "/bin/false")
	require.NoError(t, err)
	tr := &Terraform{tf: exec, workDir: dir}
	ctx := context.Background()

	removed, err := tr.RemoveStaleLock(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, removed, "no lock file")

	writeLock(t, dir, time.Now().Add(-time.Minute))
	_, err = tr.RemoveStaleLock(ctx, 30*time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "force-unlock 4f1c")
	assert.FileExists(t, filepath.Join(dir, LocalLockFile))

	writeLock(t, dir, time.Now().Add(-2*time.Hour))
	removed, err = tr.RemoveStaleLock(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, filepath.Join(dir, LocalLockFile))
}
