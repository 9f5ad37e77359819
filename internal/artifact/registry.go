package artifact

import (
	"context"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"

	"github.com/recoverctl/recoverctl/providers/aws"
)

// CredentialSource issues registry credentials. aws.Provider satisfies it.
type CredentialSource interface {
	RegistryCredentials(ctx context.Context) (aws.RegistryCredentials, error)
}

// Keychain resolves ECR hosts to short-lived tokens and everything else
// through the default docker keychain.
type Keychain struct {
	mu      sync.Mutex
	sources []CredentialSource
	creds   map[string]authn.AuthConfig
}

func NewKeychain(sources ...CredentialSource) *Keychain {
	return &Keychain{sources: sources, creds: make(map[string]authn.AuthConfig)}
}

// Load fetches a token from every source. A source that fails is skipped;
// its registry falls back to the default keychain.
func (k *Keychain) Load(ctx context.Context) error {
	var firstErr error
	for _, s := range k.sources {
		c, err := s.RegistryCredentials(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		k.Add(c)
	}
	return firstErr
}

// Add registers credentials for one registry host.
func (k *Keychain) Add(c aws.RegistryCredentials) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.creds[strings.ToLower(c.Host)] = authn.AuthConfig{Username: c.Username, Password: c.Password}
}

// Credentials returns the stored credentials for host.
func (k *Keychain) Credentials(host string) (authn.AuthConfig, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.creds[strings.ToLower(host)]
	return c, ok
}

func (k *Keychain) Resolve(res authn.Resource) (authn.Authenticator, error) {
	if c, ok := k.Credentials(res.RegistryStr()); ok {
		return authn.FromConfig(c), nil
	}
	return authn.DefaultKeychain.Resolve(res)
}

// CraneRegistry talks to registries with crane.
type CraneRegistry struct {
	Keychain authn.Keychain
}

func (c CraneRegistry) options(ctx context.Context) []crane.Option {
	kc := c.Keychain
	if kc == nil {
		kc = authn.DefaultKeychain
	}
	return []crane.Option{crane.WithContext(ctx), crane.WithAuthFromKeychain(kc)}
}

func (c CraneRegistry) Digest(ctx context.Context, ref string) (string, error) {
	return crane.Digest(ref, c.options(ctx)...)
}

func (c CraneRegistry) Copy(ctx context.Context, src, dst string) error {
	return crane.Copy(src, dst, c.options(ctx)...)
}
