package artifact

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/recoverctl/recoverctl/providers/docker"
)

// ImageBuilder is the Docker engine surface a rebuild needs.
type ImageBuilder interface {
	BuildAndPush(ctx context.Context, req docker.BuildRequest) (string, error)
}

// DockerBuilder rebuilds recipes on the local Docker engine and pushes
// with credentials from the keychain.
type DockerBuilder struct {
	Engine   ImageBuilder
	Keychain *Keychain
	// SourceRoot anchors relative recipe contexts.
	SourceRoot string
}

func (d DockerBuilder) Build(ctx context.Context, recipe Recipe, ref string) (string, error) {
	req, err := d.request(recipe, ref)
	if err != nil {
		return "", err
	}
	return d.Engine.BuildAndPush(ctx, req)
}

func (d DockerBuilder) request(recipe Recipe, ref string) (docker.BuildRequest, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return docker.BuildRequest{}, fmt.Errorf("parse image reference %s: %w", ref, err)
	}
	host := parsed.Context().RegistryStr()

	dir := recipe.Context
	if !filepath.IsAbs(dir) && d.SourceRoot != "" {
		dir = filepath.Join(d.SourceRoot, dir)
	}
	req := docker.BuildRequest{
		ContextDir: dir,
		Dockerfile: recipe.Dockerfile,
		Target:     recipe.Target,
		BuildArgs:  recipe.BuildArgs,
		Tag:        ref,
		Registry:   host,
	}
	if d.Keychain != nil {
		if c, ok := d.Keychain.Credentials(host); ok {
			req.Username, req.Password = c.Username, c.Password
		}
	}
	return req, nil
}
