package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
)

// RegistryCredentials authenticate against the region's ECR registry.
type RegistryCredentials struct {
	Username string
	Password string
	// Host is the registry host without scheme.
	Host string
}

// RegistryCredentials exchanges the caller's identity for a registry token.
func (p *Provider) RegistryCredentials(ctx context.Context) (RegistryCredentials, error) {
	if err := p.ensureClient(ctx); err != nil {
		return RegistryCredentials{}, err
	}
	resp, err := p.ecrClient.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return RegistryCredentials{}, fmt.Errorf("ecr authorization in %s: %w", p.region, classify(err))
	}
	if len(resp.AuthorizationData) == 0 {
		return RegistryCredentials{}, fmt.Errorf("ecr returned no authorization data in %s", p.region)
	}
	data := resp.AuthorizationData[0]
	return decodeAuthorization(deref(data.AuthorizationToken), deref(data.ProxyEndpoint))
}

func decodeAuthorization(token, endpoint string) (RegistryCredentials, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return RegistryCredentials{}, fmt.Errorf("decode ecr token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return RegistryCredentials{}, fmt.Errorf("ecr token is not user:password")
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return RegistryCredentials{Username: user, Password: pass, Host: host}, nil
}

// RepositoryURI returns host/name for a repository in this region.
func (p *Provider) RepositoryURI(ctx context.Context, name string) (string, error) {
	if err := p.ensureClient(ctx); err != nil {
		return "", err
	}
	resp, err := p.ecrClient.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Repositories) == 0 {
		return "", fmt.Errorf("repository %s not found in %s", name, p.region)
	}
	return deref(resp.Repositories[0].RepositoryUri), nil
}

func (p *Provider) lookupRepository(ctx context.Context, name string) (string, error) {
	resp, err := p.ecrClient.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err != nil || len(resp.Repositories) == 0 {
		return "", err
	}
	return deref(resp.Repositories[0].RepositoryName), nil
}
