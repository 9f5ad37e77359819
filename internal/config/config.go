// Package config loads the environment settings and stack manifest a run
// works from. Values are layered flag > RECOVERCTL_* env > config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/recoverctl/recoverctl/internal/artifact"
	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/secretsync"
)

// EnvPrefix prefixes every environment variable recoverctl reads.
const EnvPrefix = "RECOVERCTL"

var envOnlyKeys = []string{"app", "env", "location", "zone", "home-region", "profile", "state-dir", "source-root", "terraform.dir", "checkpoint.backend", "checkpoint.bucket"}

// Config is the resolved configuration of one run.
type Config struct {
	App        string `mapstructure:"app" validate:"required,hostname_rfc1123"`
	EnvID      string `mapstructure:"env"`
	Location   string `mapstructure:"location"`
	Zone       string `mapstructure:"zone"`
	HomeRegion string `mapstructure:"home-region"`
	Profile    string `mapstructure:"profile"`
	StateDir   string `mapstructure:"state-dir"`
	// SourceRoot is where artifact recipes' build contexts are resolved.
	SourceRoot string `mapstructure:"source-root"`

	Terraform  TerraformConfig          `mapstructure:"terraform"`
	Checkpoint checkpoint.BackendConfig `mapstructure:"checkpoint"`
	Vault      *secretsync.VaultConfig  `mapstructure:"vault"`
	Cleanup    CleanupConfig            `mapstructure:"cleanup"`

	Catalog    []model.CatalogEntry       `mapstructure:"catalog" validate:"dive"`
	Bindings   []model.DomainBinding      `mapstructure:"bindings" validate:"dive"`
	Artifacts  []model.Artifact           `mapstructure:"artifacts" validate:"dive"`
	Recipes    map[string]artifact.Recipe `mapstructure:"recipes" validate:"dive"`
	Secrets    []model.SecretSpec         `mapstructure:"secrets" validate:"dive"`
	Foundation FoundationConfig           `mapstructure:"foundation"`
	Stages     []StageConfig              `mapstructure:"stages" validate:"dive"`
	// Verify probes run at the end of a run; failures only warn.
	Verify []GateConfig `mapstructure:"verify" validate:"dive"`
}

type TerraformConfig struct {
	Dir      string   `mapstructure:"dir" validate:"required"`
	Binary   string   `mapstructure:"binary"`
	VarFiles []string `mapstructure:"var_files"`
	// Vars are passed to every apply in addition to the identity variables.
	Vars map[string]string `mapstructure:"vars"`
	// LockMaxAge is how old a local state lock must be to count as stale.
	LockMaxAge time.Duration `mapstructure:"lock_max_age"`
}

type CleanupConfig struct {
	Concurrency         int           `mapstructure:"concurrency" validate:"omitempty,min=1,max=32"`
	WaitInterval        time.Duration `mapstructure:"wait_interval"`
	WaitTimeout         time.Duration `mapstructure:"wait_timeout"`
	DatabaseWaitTimeout time.Duration `mapstructure:"database_wait_timeout"`
}

// FoundationConfig is the network, database and secret-container apply.
type FoundationConfig struct {
	Targets []string `mapstructure:"targets"`
	// Database is the identifier whose reported status gates the phase.
	Database        string        `mapstructure:"database"`
	DatabaseTimeout time.Duration `mapstructure:"database_timeout"`
	// Destroy lists the addresses the rebuild mode destroys first; empty
	// destroys everything in state.
	Destroy []string `mapstructure:"destroy"`
}

// StageConfig is one step of the staged service apply.
type StageConfig struct {
	Name    string   `mapstructure:"name" validate:"required"`
	Targets []string `mapstructure:"targets" validate:"required,min=1"`
	// Bindings are domains whose binding this stage creates.
	Bindings []string    `mapstructure:"bindings"`
	Gate     *GateConfig `mapstructure:"gate"`
}

// GateConfig names a readiness check.
type GateConfig struct {
	Kind model.Kind `mapstructure:"kind" validate:"required,kind"`
	// Name is the domain of a binding, the name of a service or the
	// identifier of a database.
	Name     string        `mapstructure:"name" validate:"required"`
	URL      string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
	Fatal    bool          `mapstructure:"fatal"`
}

// Gate defaults.
const (
	DefaultGateTimeout     = 20 * time.Minute
	DefaultGateInterval    = 30 * time.Second
	DefaultDatabaseTimeout = 40 * time.Minute
	DefaultLockMaxAge      = 30 * time.Minute
)

// NewViper returns a viper that reads RECOVERCTL_* variables and, when
// configFile is empty, looks for recoverctl.yaml in the working directory
// and the user config directory.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// keys that may come only from the environment still need to be known
	// to Unmarshal
	for _, key := range envOnlyKeys {
		_ = v.BindEnv(key)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		return v
	}
	v.SetConfigName("recoverctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "recoverctl"))
	}
	return v
}

// ReadFile reads the config file. A missing file is only an error when it
// was named explicitly.
func ReadFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && !strict {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config, fills defaults and validates it for mode.
func Load(v *viper.Viper, mode model.Mode) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults(mode)
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(mode model.Mode) {
	if mode == model.ModeRebuild && c.Location == "" {
		c.Location = c.HomeRegion
	}
	if c.StateDir == "" {
		c.StateDir = ".recoverctl"
	}
	if c.Terraform.Dir == "" {
		c.Terraform.Dir = "."
	}
	if c.Terraform.LockMaxAge <= 0 {
		c.Terraform.LockMaxAge = DefaultLockMaxAge
	}
	if c.Foundation.DatabaseTimeout <= 0 {
		c.Foundation.DatabaseTimeout = DefaultDatabaseTimeout
	}
	for i := range c.Stages {
		if g := c.Stages[i].Gate; g != nil {
			g.defaults()
		}
	}
	for i := range c.Verify {
		c.Verify[i].defaults()
	}
	for i := range c.Artifacts {
		if c.Artifacts[i].Tag == "" {
			c.Artifacts[i].Tag = "latest"
		}
	}
}

func (g *GateConfig) defaults() {
	if g.Timeout <= 0 {
		g.Timeout = DefaultGateTimeout
	}
	if g.Interval <= 0 {
		g.Interval = DefaultGateInterval
	}
}

// identityKey is a key with no safe default: a wrong guess would point the
// run at somebody else's stack.
type identityKey struct {
	key   string
	value string
}

// Validate hard-fails on missing identity keys, then checks the rest of the
// manifest.
func (c *Config) Validate(mode model.Mode) error {
	var missing []string
	for _, k := range []identityKey{
		{"env", c.EnvID},
		{"home-region", c.HomeRegion},
		{"location", c.Location},
		{"zone", c.Zone},
	} {
		if strings.TrimSpace(k.value) == "" {
			missing = append(missing, fmt.Sprintf("%s (--%s, %s or %q in the config file)", k.key, k.key, EnvName(k.key), k.key))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, "; "))
	}

	switch mode {
	case model.ModeEvacuate:
		if c.Location == c.HomeRegion {
			return fmt.Errorf("evacuation location %s is the home region; use rebuild to recreate the stack in place", c.Location)
		}
	case model.ModeRebuild:
		if c.Location != c.HomeRegion {
			return fmt.Errorf("rebuild runs in the home region %s, not %s", c.HomeRegion, c.Location)
		}
	}
	if !strings.HasPrefix(c.Zone, c.Location) {
		return fmt.Errorf("zone %s is not in location %s", c.Zone, c.Location)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return c.crossCheck()
}

// crossCheck covers the references between manifest sections.
func (c *Config) crossCheck() error {
	domains := make(map[string]bool, len(c.Bindings))
	for _, b := range c.Bindings {
		domains[b.Domain] = true
	}
	for _, st := range c.Stages {
		for _, d := range st.Bindings {
			if !domains[d] {
				return fmt.Errorf("stage %s creates binding %s, which is not in bindings", st.Name, d)
			}
		}
	}
	for _, a := range c.Artifacts {
		if _, ok := c.Recipes[a.Kind]; !ok {
			return fmt.Errorf("artifact %s has kind %q with no recipe; rebuild would be impossible", a.Name, a.Kind)
		}
	}
	for _, e := range c.Catalog {
		if _, err := model.SpecFor(e.Kind); err != nil {
			return fmt.Errorf("catalog entry %s: %w", e.Address, err)
		}
	}
	return nil
}

// Identity derives the environment identity.
func (c *Config) Identity() model.EnvironmentIdentity {
	return model.NewIdentity(c.App, c.EnvID, c.Location, c.Zone)
}

// BindingsFor returns the binding entries of the given domains.
func (c *Config) BindingsFor(domains []string) []model.DomainBinding {
	var out []model.DomainBinding
	for _, d := range domains {
		for _, b := range c.Bindings {
			if b.Domain == d {
				out = append(out, b)
			}
		}
	}
	return out
}

// TerraformVars are the variables every apply receives.
func (c *Config) TerraformVars() map[string]string {
	id := c.Identity()
	vars := map[string]string{
		"environment_id": c.EnvID,
		"name_prefix":    id.NamePrefix,
		"region":         c.Location,
		"zone":           c.Zone,
	}
	for k, v := range c.Terraform.Vars {
		vars[k] = v
	}
	return vars
}

// EnvName is the environment variable for a key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("kind", func(fl validator.FieldLevel) bool {
		_, err := model.SpecFor(model.Kind(fl.Field().String()))
		return err == nil
	})
	return v
}
