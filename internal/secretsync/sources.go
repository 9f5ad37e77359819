package secretsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/recoverctl/recoverctl/internal/model"
)

// VaultConfig locates the external source of truth.
type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
	Mount     string `mapstructure:"mount"`
	// Token defaults to VAULT_TOKEN.
	Token string `mapstructure:"-"`
}

// VaultSource reads KV v2 secrets. A spec's VaultPath is "path" or
// "path#key"; without a key the "value" field, or the only field, is used.
type VaultSource struct {
	client *vault.Client
	mount  string
}

func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	apiCfg := vault.DefaultConfig()
	if addr := strings.TrimSpace(cfg.Address); addr != "" {
		apiCfg.Address = addr
	}
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultSource{client: client, mount: mount}, nil
}

func (v *VaultSource) Name() string { return "vault" }

func (v *VaultSource) Value(ctx context.Context, spec model.SecretSpec) (string, error) {
	path, key := splitPath(spec.VaultPath)
	if path == "" {
		return "", fmt.Errorf("no vault path for %s: %w", spec.Name, model.ErrNotFound)
	}
	secret, err := v.client.KVv2(v.mount).Get(ctx, path)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return "", fmt.Errorf("vault %s/%s: %w", v.mount, path, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("vault %s/%s: %w", v.mount, path, err)
	}
	if secret == nil || len(secret.Data) == 0 {
		return "", fmt.Errorf("vault %s/%s is empty: %w", v.mount, path, model.ErrNotFound)
	}
	return selectValue(secret.Data, key)
}

func splitPath(raw string) (string, string) {
	path, key, _ := strings.Cut(strings.TrimSpace(raw), "#")
	return strings.Trim(strings.TrimSpace(path), "/"), strings.TrimSpace(key)
}

func selectValue(data map[string]any, key string) (string, error) {
	if key == "" {
		key = "value"
		if len(data) == 1 {
			for k := range data {
				key = k
			}
		}
	}
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault secret has no field %q", key)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case nil:
		return "", fmt.Errorf("vault field %q is null", key)
	default:
		return fmt.Sprint(v), nil
	}
}

// SecretReader reads a secret's current value. aws.Provider satisfies it.
type SecretReader interface {
	SecretValue(ctx context.Context, secretID string) (string, error)
}

// HomeSource copies the value the home location's store holds.
type HomeSource struct {
	Reader SecretReader
}

func (h HomeSource) Name() string { return "home" }

func (h HomeSource) Value(ctx context.Context, spec model.SecretSpec) (string, error) {
	if h.Reader == nil {
		return "", fmt.Errorf("home store unavailable: %w", model.ErrNotFound)
	}
	id := spec.HomeSecretID
	if id == "" {
		id = spec.Name
	}
	return h.Reader.SecretValue(ctx, id)
}

// EnvSource reads the spec's environment variable.
type EnvSource struct {
	Lookup func(string) (string, bool)
}

func (e EnvSource) Name() string { return "env" }

func (e EnvSource) Value(_ context.Context, spec model.SecretSpec) (string, error) {
	if spec.EnvVar == "" {
		return "", model.ErrNotFound
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(spec.EnvVar)
	if !ok || v == "" {
		return "", fmt.Errorf("$%s unset: %w", spec.EnvVar, model.ErrNotFound)
	}
	return v, nil
}
