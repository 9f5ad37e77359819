// Package docker builds and pushes images through the local Docker engine.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
)

// BuildRequest describes one image build.
type BuildRequest struct {
	ContextDir string
	// Dockerfile is relative to ContextDir; empty means "Dockerfile".
	Dockerfile string
	Target     string
	BuildArgs  map[string]string
	// Tag is the full reference the image is pushed as.
	Tag string
	// Username and Password authenticate the push.
	Username string
	Password string
	Registry string
}

type Builder struct {
	client *client.Client
	// Output receives the build and push progress stream.
	Output io.Writer
}

func New() *Builder {
	return &Builder{Output: os.Stderr}
}

func (b *Builder) ensureClient() error {
	if b.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("connect to docker engine: %w", err)
	}
	b.client = cli
	return nil
}

// Ping checks that the engine answers.
func (b *Builder) Ping(ctx context.Context) error {
	if err := b.ensureClient(); err != nil {
		return err
	}
	if _, err := b.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker engine not reachable: %w", err)
	}
	return nil
}

// BuildAndPush builds req, pushes it and returns the registry digest.
func (b *Builder) BuildAndPush(ctx context.Context, req BuildRequest) (string, error) {
	if err := b.ensureClient(); err != nil {
		return "", err
	}
	dir, err := filepath.Abs(req.ContextDir)
	if err != nil {
		return "", fmt.Errorf("resolve build context %s: %w", req.ContextDir, err)
	}
	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context tar: %w", err)
	}
	defer tar.Close()

	resp, err := b.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  req.Dockerfile,
		Target:      req.Target,
		BuildArgs:   buildArgs(req.BuildArgs),
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return "", fmt.Errorf("build image %s: %w", req.Tag, err)
	}
	defer resp.Body.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, b.out(), 0, false, nil); err != nil {
		return "", fmt.Errorf("build image %s: %w", req.Tag, err)
	}

	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      req.Username,
		Password:      req.Password,
		ServerAddress: req.Registry,
	})
	if err != nil {
		return "", err
	}
	push, err := b.client.ImagePush(ctx, req.Tag, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("push image %s: %w", req.Tag, err)
	}
	defer push.Close()

	var digest string
	err = jsonmessage.DisplayJSONMessagesStream(push, b.out(), 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		if d := pushDigest(*msg.Aux); d != "" {
			digest = d
		}
	})
	if err != nil {
		return "", fmt.Errorf("push image %s: %w", req.Tag, err)
	}
	if digest == "" {
		return "", fmt.Errorf("push of %s reported no digest", req.Tag)
	}
	return digest, nil
}

func (b *Builder) out() io.Writer {
	if b.Output == nil {
		return io.Discard
	}
	return b.Output
}

func buildArgs(m map[string]string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]*string, len(m))
	for _, k := range keys {
		v := m[k]
		out[k] = &v
	}
	return out
}
