package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tfjson "github.com/hashicorp/terraform-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/internal/telemetry"
	"github.com/recoverctl/recoverctl/internal/tf"
	"github.com/recoverctl/recoverctl/internal/tf/tftest"
	"github.com/recoverctl/recoverctl/providers/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func testGate() *readiness.Gate {
	return &readiness.Gate{Clock: &fakeClock{now: time.Unix(1_700_000_000, 0)}}
}

var env = model.NewIdentity("shop", "dr1", "eu-west-1", "eu-west-1a")

const (
	vpcAddr     = "aws_vpc.main"
	subnetAddr  = "aws_subnet.private"
	roleAddr    = "aws_iam_role.app"
	apiAddr     = "aws_apprunner_service.api"
	workerAddr  = "aws_apprunner_service.worker"
	bindingAddr = "aws_apprunner_custom_domain_association.app"
	domain      = "app.example.com"
)

func network() []tftest.Declared {
	return []tftest.Declared{
		{Address: vpcAddr, Kind: model.KindNetwork, Name: "shop-dr1-vpc"},
		{Address: subnetAddr, Kind: model.KindSubnet, Name: "shop-dr1-private-a", DependsOn: []string{vpcAddr}},
	}
}

func networkCatalog() []model.CatalogEntry {
	return []model.CatalogEntry{
		{Kind: model.KindNetwork, Name: "shop-dr1-vpc", Address: vpcAddr},
		{Kind: model.KindSubnet, Name: "shop-dr1-private-a", Address: subnetAddr},
	}
}

func TestConflictIsImportedAndRetriedOnce(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	subnetID, err := p.Create(model.KindSubnet, "shop-dr1-private-a")
	require.NoError(t, err)
	engine := tftest.New(p, network()...)

	metrics := telemetry.NewMetrics()
	r := New(engine, p, env, Desired{Catalog: networkCatalog()}, testGate(), metrics)
	res, err := r.Apply(ctx, "foundation", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{subnetAddr}, res.Imported)
	assert.Equal(t, []string{"apply:", "import:" + subnetAddr + "=" + subnetID, "apply:"}, engine.Calls())
}

func TestSecondConflictIsFatalWithoutThirdAttempt(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	_, err := p.Create(model.KindSubnet, "shop-dr1-private-a")
	require.NoError(t, err)
	engine := tftest.New(p, network()...)
	engine.FailApply(tftest.Conflict(subnetAddr), tftest.Conflict(subnetAddr))

	res, err := New(engine, p, env, Desired{Catalog: networkCatalog()}, testGate(), nil).Apply(ctx, "foundation", nil)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, subnetAddr, ce.Address)
	assert.Equal(t, model.KindSubnet, ce.Kind)
	assert.Contains(t, err.Error(), "terraform import")
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, engine.CountCalls("apply"))
}

func TestGlobalResourcesArePreImported(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	_, err := p.Create(model.KindServiceAccount, "shop-app")
	require.NoError(t, err)
	engine := tftest.New(p,
		tftest.Declared{Address: roleAddr, Kind: model.KindServiceAccount, Name: "shop-app"},
		tftest.Declared{Address: "aws_s3_bucket.assets", Kind: model.KindBucket, Name: "shop-assets"},
	)
	desired := Desired{Catalog: []model.CatalogEntry{
		{Kind: model.KindServiceAccount, Name: "shop-app", Address: roleAddr},
		{Kind: model.KindBucket, Name: "shop-assets", Address: "aws_s3_bucket.assets"},
	}}

	res, err := New(engine, p, env, desired, testGate(), nil).Apply(ctx, "foundation", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts, "no conflict once the role is in state")
	assert.Equal(t, []string{roleAddr}, res.Imported, "absent bucket is left for apply to create")
	assert.Equal(t, "import:"+roleAddr+"=shop-app", engine.Calls()[0])
}

func TestNonConflictFailureIsSurfacedVerbatim(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	engine := tftest.New(p, network()...)
	engine.FailApply(&tf.ApplyError{
		Err: errors.New("exit status 1"),
		Diagnostics: []tf.Diagnostic{{
			Severity: tfjson.DiagnosticSeverityError,
			Summary:  "Invalid provider configuration",
		}},
	})

	res, err := New(engine, p, env, Desired{}, testGate(), nil).Apply(ctx, "foundation", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid provider configuration")
	var ce *ConflictError
	assert.False(t, errors.As(err, &ce))
	assert.Equal(t, 1, res.Attempts)
}

func TestConflictOnUncataloguedAddressIsFatal(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	_, err := p.Create(model.KindSubnet, "shop-dr1-private-a")
	require.NoError(t, err)
	engine := tftest.New(p, network()...)

	res, err := New(engine, p, env, Desired{}, testGate(), nil).Apply(ctx, "foundation", nil)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Reason, "catalog")
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, engine.CountCalls("import"))
}

func bindingStack() []tftest.Declared {
	return []tftest.Declared{
		{Address: apiAddr, Kind: model.KindService, Name: "shop-dr1-api"},
		{Address: bindingAddr, Kind: model.KindDomainBinding, Name: domain, Target: "shop-dr1-api"},
		{Address: workerAddr, Kind: model.KindService, Name: "shop-dr1-worker"},
	}
}

func desiredBinding() model.DomainBinding {
	return model.DomainBinding{Domain: domain, TargetService: "shop-dr1-api", HostedZoneID: "Z123", Address: bindingAddr}
}

func TestBindingConflictIsRecreatedNotImported(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	_, err := p.Bind(domain, "shop-dr1-api")
	require.NoError(t, err)
	engine := tftest.New(p, bindingStack()...)

	res, err := New(engine, p, env, Desired{Bindings: []model.DomainBinding{desiredBinding()}}, testGate(), nil).Apply(ctx, "services", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{bindingAddr}, res.Recreated)
	assert.Zero(t, engine.CountCalls("import"))
}

func TestBindingRemovalIsAwaitedBeforeRetry(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	p.DeleteLag = 3
	_, err := p.Bind(domain, "shop-dr1-api")
	require.NoError(t, err)
	engine := tftest.New(p, bindingStack()...)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(engine, p, env, Desired{Bindings: []model.DomainBinding{desiredBinding()}}, &readiness.Gate{Clock: clock}, nil)
	r.UnbindInterval = 10 * time.Second
	start := clock.Now()

	res, err := r.Apply(ctx, "services", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{bindingAddr}, res.Recreated)
	assert.Equal(t, 20*time.Second, clock.Now().Sub(start), "two polls saw the binding before it was gone")

	b, err := p.FindBinding(ctx, env, domain)
	require.NoError(t, err)
	assert.Equal(t, "shop-dr1-api", b.ServiceName)
}

func TestBindingRemovalTimeoutIsAConflict(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	p.DeleteLag = 1_000_000
	_, err := p.Bind(domain, "shop-dr1-api")
	require.NoError(t, err)
	engine := tftest.New(p, bindingStack()...)

	r := New(engine, p, env, Desired{Bindings: []model.DomainBinding{desiredBinding()}}, testGate(), nil)
	r.UnbindTimeout = time.Minute
	r.UnbindInterval = 10 * time.Second

	res, err := r.Apply(ctx, "services", nil)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, bindingAddr, ce.Address)
	assert.Equal(t, model.ConflictRecreate, ce.Strategy)
	assert.Contains(t, ce.Reason, "still being removed")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, engine.CountCalls("apply"), "no retry while the domain is still associated")
}

func TestDomainBindingDriftIsRebound(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	p.DeleteLag = 2
	_, err := p.Bind(domain, "shop-dr1-api-old")
	require.NoError(t, err)
	engine := tftest.New(p, bindingStack()...)
	engine.Put(bindingAddr, "aws_apprunner_custom_domain_association", domain+",arn:old")

	r := New(engine, p, env, Desired{Bindings: []model.DomainBinding{desiredBinding()}}, testGate(), nil)
	res, err := r.ApplyStaged(ctx, []Stage{{
		Name:     "services",
		Targets:  []string{apiAddr, bindingAddr},
		Bindings: []model.DomainBinding{desiredBinding()},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{bindingAddr}, res.Recreated)
	assert.Equal(t, 1, engine.CountCalls("state-rm:"+bindingAddr))

	b, err := p.FindBinding(ctx, env, domain)
	require.NoError(t, err)
	assert.Equal(t, "shop-dr1-api", b.ServiceName)

	var cname string
	for _, rec := range p.Records("Z123") {
		if rec.Name == domain && rec.Type == "CNAME" {
			cname = rec.Value
		}
	}
	assert.Equal(t, "shop-dr1-api.eu-west-1.awsapprunner.com", cname, "the domain resolves to the new target")
}

func TestFreshEvacuationStagedApply(t *testing.T) {
	ctx := context.Background()
	p := memory.New("eu-west-1")
	engine := tftest.New(p, bindingStack()...)

	var probes int
	tlsReady := func(context.Context) (bool, error) {
		probes++
		if probes < 3 {
			return false, errors.New("x509: certificate is valid for *.awsapprunner.com")
		}
		return true, nil
	}
	r := New(engine, p, env, Desired{Bindings: []model.DomainBinding{desiredBinding()}}, testGate(), nil)
	res, err := r.ApplyStaged(ctx, []Stage{
		{
			Name:     "prerequisites",
			Targets:  []string{apiAddr, bindingAddr},
			Bindings: []model.DomainBinding{desiredBinding()},
			Gate:     &Gate{Name: "tls:" + domain, Condition: tlsReady, Timeout: 20 * time.Minute, Interval: 30 * time.Second, Fatal: true},
		},
		{Name: "dependents", Targets: []string{workerAddr}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 3, probes)
	assert.Equal(t, []string{"apply:" + apiAddr + "," + bindingAddr, "apply:" + workerAddr}, engine.Calls())
	assert.Len(t, p.Records("Z123"), 2, "validation record plus CNAME")
	assert.Len(t, p.Live(), 3)
}

func TestStageGateTimeout(t *testing.T) {
	never := func(context.Context) (bool, error) { return false, nil }
	stages := func(fatal bool) []Stage {
		return []Stage{
			{Name: "prerequisites", Targets: []string{apiAddr}, Gate: &Gate{Name: "health", Condition: never, Timeout: time.Minute, Interval: 10 * time.Second, Fatal: fatal}},
			{Name: "dependents", Targets: []string{workerAddr}},
		}
	}

	t.Run("fatal", func(t *testing.T) {
		p := memory.New("eu-west-1")
		engine := tftest.New(p, bindingStack()...)
		_, err := New(engine, p, env, Desired{}, testGate(), nil).ApplyStaged(context.Background(), stages(true))
		assert.ErrorContains(t, err, "health not ready")
		assert.Equal(t, 1, engine.CountCalls("apply"), "dependent stage never applied")
	})

	t.Run("warn", func(t *testing.T) {
		p := memory.New("eu-west-1")
		engine := tftest.New(p, bindingStack()...)
		res, err := New(engine, p, env, Desired{}, testGate(), nil).ApplyStaged(context.Background(), stages(false))
		require.NoError(t, err)
		assert.Len(t, res.Warnings, 1)
		assert.Equal(t, 2, engine.CountCalls("apply"))
	})
}

func TestIsConflict(t *testing.T) {
	tests := []struct {
		summary string
		want    bool
	}{
		{"creating IAM Role (shop-app): EntityAlreadyExists: Role with name shop-app already exists.", true},
		{"creating EC2 Subnet: InvalidSubnet.Conflict: The CIDR '10.0.1.0/24' conflicts with another subnet", false},
		{"creating App Runner Custom Domain Association: InvalidRequestException: Domain app.example.com is already associated", true},
		{"creating RDS DB Instance: DBInstanceAlreadyExists: DB instance already exists", true},
		{"Invalid provider configuration", false},
	}
	for _, tt := range tests {
		d := tf.Diagnostic{Severity: tfjson.DiagnosticSeverityError, Summary: tt.summary}
		assert.Equal(t, tt.want, IsConflict(d), tt.summary)
	}
	assert.False(t, IsConflict(tf.Diagnostic{Severity: tfjson.DiagnosticSeverityWarning, Summary: "already exists"}))
}

func TestTargeted(t *testing.T) {
	assert.True(t, Targeted("aws_subnet.private", nil))
	assert.True(t, Targeted(`module.net.aws_subnet.private["a"]`, []string{"module.net"}))
	assert.True(t, Targeted(`aws_subnet.private["a"]`, []string{"aws_subnet.private"}))
	assert.False(t, Targeted("aws_subnet.public", []string{"aws_subnet.private"}))
}
