package phases

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverctl/recoverctl/internal/artifact"
	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/config"
	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
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

type registry struct {
	mu      sync.Mutex
	digests map[string]string
	copies  []string
}

func (r *registry) Digest(_ context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.digests[ref]; ok {
		return d, nil
	}
	return "", fmt.Errorf("MANIFEST_UNKNOWN: %s", ref)
}

func (r *registry) Copy(_ context.Context, src, dst string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digests[dst] = r.digests[src]
	r.copies = append(r.copies, src+"->"+dst)
	return nil
}

type builder struct{ built []artifact.Recipe }

func (b *builder) Build(_ context.Context, recipe artifact.Recipe, _ string) (string, error) {
	b.built = append(b.built, recipe)
	return "sha256:built", nil
}

const (
	homeRegion = "us-east-1"
	region     = "eu-west-1"
	zoneID     = "Z0123456789"
	homeImage  = "000000000000.dkr.ecr.us-east-1.amazonaws.com/shop/api:v1"
)

type fixture struct {
	cfg    *config.Config
	target *memory.Provider
	home   *memory.Provider
	engine *tftest.Engine
	reg    *registry
	build  *builder
	deps   *Deps
	store  checkpoint.Store
	out    *bytes.Buffer
}

func declared() []tftest.Declared {
	return []tftest.Declared{
		{Address: "aws_vpc.main", Kind: model.KindNetwork, Name: "shop-dr1-vpc"},
		{Address: "aws_subnet.private", Kind: model.KindSubnet, Name: "shop-dr1-private", DependsOn: []string{"aws_vpc.main"}},
		{Address: "aws_db_subnet_group.main", Kind: model.KindDBSubnetGroup, Name: "shop-dr1-db-subnets", DependsOn: []string{"aws_subnet.private"}},
		{Address: "aws_db_instance.main", Kind: model.KindDatabase, Name: "shop-dr1-db", DependsOn: []string{"aws_db_subnet_group.main"}},
		{Address: "aws_secretsmanager_secret.db_password", Kind: model.KindSecret, Name: "shop/db-password"},
		{Address: "aws_iam_role.runtime", Kind: model.KindServiceAccount, Name: "shop-runtime"},
		{Address: "aws_apprunner_service.api", Kind: model.KindService, Name: "shop-dr1-api"},
		{Address: "aws_apprunner_custom_domain_association.api", Kind: model.KindDomainBinding, Name: "api.shop.example.com", Target: "shop-dr1-api"},
		{Address: "aws_apprunner_service.web", Kind: model.KindService, Name: "shop-dr1-web", DependsOn: []string{"aws_apprunner_service.api"}},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		App:        "shop",
		EnvID:      "dr1",
		Location:   region,
		Zone:       region + "a",
		HomeRegion: homeRegion,
		StateDir:   t.TempDir(),
		Terraform:  config.TerraformConfig{Dir: t.TempDir(), LockMaxAge: 30 * time.Minute},
		Catalog: []model.CatalogEntry{
			{Kind: model.KindServiceAccount, Name: "shop-runtime", Address: "aws_iam_role.runtime"},
			{Kind: model.KindSecret, Name: "shop/db-password", Address: "aws_secretsmanager_secret.db_password"},
		},
		Bindings: []model.DomainBinding{{
			Domain:        "api.shop.example.com",
			TargetService: "shop-dr1-api",
			HostedZoneID:  zoneID,
			Address:       "aws_apprunner_custom_domain_association.api",
		}},
		Artifacts: []model.Artifact{{Name: "api", Kind: "service", Repository: "shop/api", Tag: "v1"}},
		Recipes:   map[string]artifact.Recipe{"service": {Context: "services/api"}},
		Secrets:   []model.SecretSpec{{Name: "shop/db-password", HomeSecretID: "prod/db-password", EnvVar: "DB_PASSWORD"}},
		Foundation: config.FoundationConfig{
			Targets: []string{
				"aws_vpc.main", "aws_subnet.private", "aws_db_subnet_group.main", "aws_db_instance.main",
				"aws_secretsmanager_secret.db_password", "aws_iam_role.runtime",
			},
			Database:        "shop-dr1-db",
			DatabaseTimeout: time.Minute,
		},
		Stages: []config.StageConfig{
			{
				Name:     "prerequisite",
				Targets:  []string{"aws_apprunner_service.api", "aws_apprunner_custom_domain_association.api"},
				Bindings: []string{"api.shop.example.com"},
				Gate: &config.GateConfig{
					Kind: model.KindDomainBinding, Name: "api.shop.example.com", URL: srv.URL,
					Timeout: time.Minute, Interval: time.Second, Fatal: true,
				},
			},
			{Name: "dependents", Targets: []string{"aws_apprunner_service.web"}},
		},
		Verify: []config.GateConfig{{Kind: model.KindService, Name: "shop-dr1-web", URL: srv.URL + "/health", Timeout: time.Minute, Interval: time.Second}},
	}

	target := memory.New(region)
	home := memory.New(homeRegion)
	home.SeedSecret("prod/db-password", "home-value")
	_, err := target.Create(model.KindServiceAccount, "shop-runtime")
	require.NoError(t, err)

	eng := tftest.New(target, declared()...)
	reg := &registry{digests: map[string]string{homeImage: "sha256:abc"}}
	b := &builder{}
	f := &fixture{
		cfg:    cfg,
		target: target,
		home:   home,
		engine: eng,
		reg:    reg,
		build:  b,
		store:  checkpoint.NewFileStore(cfg.StateDir, model.RunType(model.ModeEvacuate, region)),
		out:    &bytes.Buffer{},
	}
	f.deps = &Deps{
		Config:    cfg,
		Engine:    eng,
		Target:    target,
		Home:      home,
		Registry:  reg,
		Builder:   b,
		HTTP:      srv.Client(),
		Gate:      &readiness.Gate{Clock: &fakeClock{now: time.Unix(1_700_000_000, 0)}},
		LookPath:  func(string) (string, error) { return "/usr/local/bin/terraform", nil },
		LookupEnv: func(string) (string, bool) { return "", false },
	}
	return f
}

func (f *fixture) runContext(mode model.Mode) *engine.RunContext {
	return &engine.RunContext{
		Mode:          mode,
		Identity:      f.cfg.Identity(),
		HomeRegion:    f.cfg.HomeRegion,
		ResumeCommand: "recoverctl resume --mode evacuate --env dr1",
		Console:       engine.NewConsole(f.out),
	}
}

func (f *fixture) orchestrator(mode model.Mode) *engine.Orchestrator {
	phases, err := For(mode, f.deps)
	if err != nil {
		panic(err)
	}
	return engine.New(phases, f.store, nil, nil)
}

func (f *fixture) seedOrphans(t *testing.T) (vpc, subnet string) {
	t.Helper()
	vpc, err := f.target.Create(model.KindNetwork, "shop-dr1-vpc")
	require.NoError(t, err)
	subnet, err = f.target.Create(model.KindSubnet, "shop-dr1-private", vpc)
	require.NoError(t, err)
	return vpc, subnet
}

func liveNames(p *memory.Provider) map[string]model.Kind {
	out := make(map[string]model.Kind)
	for _, r := range p.Live() {
		out[r.Name] = r.Kind
	}
	return out
}

func TestPhaseLists(t *testing.T) {
	d := &Deps{}
	names := func(ps []engine.Phase) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.Name())
		}
		return out
	}
	assert.Equal(t, []string{Preflight, EngineInit, Cleanup, Foundation, SecretSync, Artifacts, Services, Verify}, names(Evacuate(d)))
	assert.Equal(t, []string{Preflight, EngineInit, DestroyHome, Cleanup, Foundation, SecretSync, Artifacts, Services, Verify}, names(Rebuild(d)))
	_, err := For(model.Mode("failover"), d)
	assert.Error(t, err)
}

func TestFreshEvacuation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orphanVPC, orphanSubnet := f.seedOrphans(t)
	rc := f.runContext(model.ModeEvacuate)

	report, err := f.orchestrator(model.ModeEvacuate).Run(ctx, rc, 1)
	require.NoError(t, err, f.out.String())
	require.Len(t, report.Phases, 8)
	for _, p := range report.Phases {
		assert.Equal(t, checkpoint.StatusCompleted, p.Status, p.Name)
	}

	calls := f.target.Calls()
	assert.Contains(t, calls, "delete:"+orphanSubnet)
	assert.Contains(t, calls, "delete:"+orphanVPC)
	assert.Contains(t, f.engine.Calls(), "import:aws_iam_role.runtime=shop-runtime")

	live := liveNames(f.target)
	for name, kind := range map[string]model.Kind{
		"shop-dr1-vpc":         model.KindNetwork,
		"shop-dr1-db":          model.KindDatabase,
		"shop-dr1-api":         model.KindService,
		"shop-dr1-web":         model.KindService,
		"api.shop.example.com": model.KindDomainBinding,
		"shop-runtime":         model.KindServiceAccount,
	} {
		assert.Equal(t, kind, live[name], name)
	}

	value, err := f.target.SecretValue(ctx, "shop/db-password")
	require.NoError(t, err)
	assert.Equal(t, "home-value", value)

	require.Len(t, f.reg.copies, 1)
	image, ok := rc.Get("image.api")
	require.True(t, ok)
	assert.Equal(t, "000000000000.dkr.ecr.eu-west-1.amazonaws.com/shop/api@sha256:abc", image)

	records := f.target.Records(zoneID)
	require.Len(t, records, 2)

	cp, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint cleared on success")
}

func TestResumeStartsAtFailedPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.home.Unreachable = errors.New("dial tcp: i/o timeout")

	_, err := f.orchestrator(model.ModeEvacuate).Run(ctx, f.runContext(model.ModeEvacuate), 1)
	var pe *engine.PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 5, pe.Phase)
	assert.Equal(t, SecretSync, pe.Name)
	assert.Contains(t, err.Error(), "recoverctl resume")

	cp, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, "false", cp.Outputs[OutputHomeReachable])
	applies := f.engine.CountCalls("apply:")
	assert.Equal(t, 1, applies)

	// the operator exports the value and resumes
	f.deps.LookupEnv = func(k string) (string, bool) {
		if k == "DB_PASSWORD" {
			return "env-value", true
		}
		return "", false
	}
	rc := f.runContext(model.ModeEvacuate)
	o := f.orchestrator(model.ModeEvacuate)
	start, _, err := o.Resume(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, 5, start)

	report, err := o.Run(ctx, rc, start)
	require.NoError(t, err, f.out.String())
	assert.Len(t, report.Phases, 4)
	assert.Equal(t, 1, f.engine.CountCalls("init"), "earlier phases are not rerun")
	assert.Equal(t, applies+2, f.engine.CountCalls("apply:"))

	value, err := f.target.SecretValue(ctx, "shop/db-password")
	require.NoError(t, err)
	assert.Equal(t, "env-value", value)
	require.Len(t, f.build.built, 1, "home unreachable, image rebuilt")
	assert.Empty(t, f.reg.copies)
}

func TestDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedOrphans(t)
	before := f.target.Calls()
	rc := f.runContext(model.ModeEvacuate)
	rc.DryRun = true

	_, err := f.orchestrator(model.ModeEvacuate).Run(ctx, rc, 1)
	require.NoError(t, err, f.out.String())

	assert.Equal(t, before, f.target.Calls())
	assert.Equal(t, []string{"init"}, f.engine.Calls())
	assert.Empty(t, f.reg.copies)
	assert.Empty(t, f.build.built)
	cp, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)

	out := f.out.String()
	assert.Contains(t, out, "would delete")
	assert.Contains(t, out, "would copy")
	assert.Contains(t, out, "created by the foundation apply")
}

func TestRebuildKeepsGlobalResources(t *testing.T) {
	ctx := context.Background()
	target := memory.New(homeRegion)
	oldVPC, err := target.Create(model.KindNetwork, "shop-prod-vpc")
	require.NoError(t, err)
	_, err = target.Create(model.KindServiceAccount, "shop-runtime")
	require.NoError(t, err)

	eng := tftest.New(target,
		tftest.Declared{Address: "aws_vpc.main", Kind: model.KindNetwork, Name: "shop-prod-vpc"},
		tftest.Declared{Address: "aws_iam_role.runtime", Kind: model.KindServiceAccount, Name: "shop-runtime"},
	)
	eng.Put("aws_vpc.main", "aws_vpc", oldVPC, "shop-prod-vpc")
	eng.Put("aws_iam_role.runtime", "aws_iam_role", "shop-runtime")

	cfg := &config.Config{
		App: "shop", EnvID: "prod", Location: homeRegion, Zone: homeRegion + "a", HomeRegion: homeRegion,
		StateDir:   t.TempDir(),
		Terraform:  config.TerraformConfig{Dir: t.TempDir(), LockMaxAge: 30 * time.Minute},
		Catalog:    []model.CatalogEntry{{Kind: model.KindServiceAccount, Name: "shop-runtime", Address: "aws_iam_role.runtime"}},
		Foundation: config.FoundationConfig{Targets: []string{"aws_vpc.main", "aws_iam_role.runtime"}},
	}
	d := &Deps{
		Config:   cfg,
		Engine:   eng,
		Target:   target,
		Home:     target,
		Gate:     &readiness.Gate{Clock: &fakeClock{}},
		LookPath: func(string) (string, error) { return "terraform", nil },
	}
	rc := &engine.RunContext{Mode: model.ModeRebuild, Identity: cfg.Identity(), HomeRegion: homeRegion}
	store := checkpoint.NewFileStore(cfg.StateDir, model.RunType(model.ModeRebuild, homeRegion))

	_, err = engine.New(Rebuild(d), store, nil, nil).Run(ctx, rc, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"unlock", "init", "destroy:aws_vpc.main", "apply:aws_vpc.main,aws_iam_role.runtime"}, eng.Calls())
	assert.Contains(t, target.Calls(), "delete:"+oldVPC)
	id, err := target.LookupID(ctx, model.KindServiceAccount, "shop-runtime")
	require.NoError(t, err)
	assert.Equal(t, "shop-runtime", id)
	assert.Equal(t, model.KindNetwork, liveNames(target)["shop-prod-vpc"], "network recreated")
}

func TestPreflight(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture, rc *engine.RunContext)
		check string
	}{
		{
			name:  "terraform missing",
			setup: func(f *fixture, _ *engine.RunContext) { f.deps.LookPath = func(string) (string, error) { return "", errors.New("not found") } },
			check: "terraform binary",
		},
		{
			name:  "terraform directory missing",
			setup: func(f *fixture, _ *engine.RunContext) { f.cfg.Terraform.Dir = "/nonexistent/stack" },
			check: "terraform directory",
		},
		{
			name:  "target credentials rejected",
			setup: func(f *fixture, _ *engine.RunContext) { f.target.Unreachable = errors.New("ExpiredToken") },
			check: "credentials for eu-west-1",
		},
		{
			name: "identity differs from config",
			setup: func(f *fixture, rc *engine.RunContext) {
				rc.Identity = model.NewIdentity("shop", "dr2", region, region+"a")
			},
			check: "environment identity",
		},
		{
			name: "rebuild needs home",
			setup: func(f *fixture, rc *engine.RunContext) {
				rc.Mode = model.ModeRebuild
				f.home.Unreachable = errors.New("region down")
			},
			check: "home region us-east-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rc := f.runContext(model.ModeEvacuate)
			tt.setup(f, rc)
			res := f.deps.preflight(context.Background(), rc)
			require.Equal(t, checkpoint.StatusFailed, res.Status)
			var pe *PreflightError
			require.True(t, errors.As(res.Err, &pe), "got %v", res.Err)
			assert.Equal(t, tt.check, pe.Check)
			assert.NotEmpty(t, pe.Remediation)
		})
	}
}

func TestPreflightHomeUnreachableIsNotFatalForEvacuation(t *testing.T) {
	f := newFixture(t)
	f.home.Unreachable = errors.New("region down")
	rc := f.runContext(model.ModeEvacuate)

	res := f.deps.preflight(context.Background(), rc)
	require.Equal(t, checkpoint.StatusCompleted, res.Status, res.Message)
	assert.False(t, homeReachable(rc))
	assert.Contains(t, res.Message, "unreachable")
}

func TestEngineInitStaleLock(t *testing.T) {
	f := newFixture(t)
	rc := f.runContext(model.ModeEvacuate)

	f.engine.LockAge = 45 * time.Minute
	res := f.deps.engineInit(context.Background(), rc)
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.Contains(t, f.out.String(), "stale terraform state lock")

	f.engine.LockAge = 5 * time.Minute
	res = f.deps.engineInit(context.Background(), rc)
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "force-unlock")
}

func TestVerifyOnlyWarns(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	f := newFixture(t)
	f.deps.HTTP = srv.Client()
	f.cfg.Verify = []config.GateConfig{{Kind: model.KindService, Name: "shop-dr1-web", URL: srv.URL + "/health", Timeout: time.Minute, Interval: 10 * time.Second}}

	res := f.deps.verify(context.Background(), f.runContext(model.ModeEvacuate))
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.Equal(t, "0/1 verification probes passed", res.Message)
	assert.Contains(t, f.out.String(), "status 503")
}

func TestDestroyTargetsSkipGlobals(t *testing.T) {
	eng := tftest.New(nil)
	eng.Put("aws_vpc.main", "aws_vpc", "vpc-1")
	eng.Put("module.db.aws_db_instance.main", "aws_db_instance", "shop-prod-db")
	eng.Put("aws_iam_role.runtime", "aws_iam_role", "shop-runtime")
	eng.Put("aws_secretsmanager_secret.db", "aws_secretsmanager_secret", "shop/db")
	state, err := eng.State(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"aws_vpc.main", "module.db.aws_db_instance.main"}, destroyTargets(state, nil))
	assert.Equal(t, []string{"module.db.aws_db_instance.main"}, destroyTargets(state, []string{"module.db"}))
}

func TestImageOutputs(t *testing.T) {
	name, ok := imageVar("image.api-gateway")
	assert.True(t, ok)
	assert.Equal(t, "image_api_gateway", name)
	_, ok = imageVar("account")
	assert.False(t, ok)

	assert.Equal(t, "host:5000/shop/api@sha256:1", pinned("host:5000/shop/api:v1", "sha256:1"))
	assert.Equal(t, "host:5000/shop/api@sha256:1", pinned("host:5000/shop/api", "sha256:1"))
}
