package imagemgr

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// pullImageFromRegistry fetches a job's resolved dist/osx_image/custom_image
// selector from an OCI registry and flattens it to a single rootfs tar
// layer, the input materializeExt4 turns into a bootable ext4 image.
func pullImageFromRegistry(ctx context.Context, jobImageRef string) (io.ReadCloser, OCIConfig, error) {
	remoteImg, err := fetchRemoteImage(ctx, jobImageRef)
	if err != nil {
		return nil, OCIConfig{}, err
	}

	cfg, err := ociConfigOf(remoteImg, jobImageRef)
	if err != nil {
		return nil, OCIConfig{}, err
	}

	return mutate.Extract(remoteImg), cfg, nil
}

func fetchRemoteImage(ctx context.Context, jobImageRef string) (v1.Image, error) {
	digestRef, err := name.NewDigest(jobImageRef)
	if err != nil {
		return nil, fmt.Errorf("job image %q is not a digest reference: %w", jobImageRef, err)
	}

	img, err := remote.Image(digestRef, remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("pull job rootfs image %q: %w", jobImageRef, err)
	}
	return img, nil
}

func ociConfigOf(img v1.Image, jobImageRef string) (OCIConfig, error) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return OCIConfig{}, fmt.Errorf("read OCI config for job image %q: %w", jobImageRef, err)
	}
	return OCIConfig{
		Entrypoint: append([]string(nil), cfg.Config.Entrypoint...),
		Cmd:        append([]string(nil), cfg.Config.Cmd...),
		Env:        append([]string(nil), cfg.Config.Env...),
		Workdir:    cfg.Config.WorkingDir,
		User:       cfg.Config.User,
	}, nil
}
