package snapshot

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// InitDir is where the postgres image entrypoint picks up initialisation scripts
const InitDir = "/docker-entrypoint-initdb.d"

// Label keys set on packaged images
const (
	LabelRunID   = "io.github.stacklok.feed-preload.run-id"
	LabelCreated = "org.opencontainers.image.created"
)

// ImageOptions configures PackageImage
type ImageOptions struct {
	// Tag is the reference written into the tarball manifest
	Tag string

	// TarballPath is the output file
	TarballPath string

	// BaseImage is pulled from its registry when set; otherwise the image has only the export layer
	BaseImage string

	// RunID is recorded as an image label
	RunID string

	// Created is the image creation time
	Created time.Time
}

// ImageResult describes a written image tarball
type ImageResult struct {
	Reference string
	Digest    string
	Path      string
}

// PackageImage wraps the artifact into a single layer at InitDir/<artifact name>,
// appends it to the base image and writes the result as a docker-loadable tarball.
func PackageImage(ctx context.Context, artifactPath string, opts ImageOptions) (*ImageResult, error) {
	if _, err := os.Stat(artifactPath); err != nil {
		return nil, fmt.Errorf("export artifact not found: %w", err)
	}

	tag, err := name.NewTag(opts.Tag)
	if err != nil {
		return nil, fmt.Errorf("invalid image tag %q: %w", opts.Tag, err)
	}

	base, err := baseImage(ctx, opts.BaseImage)
	if err != nil {
		return nil, err
	}

	inImage := path.Join(InitDir, filepath.Base(artifactPath))
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return layerStream(artifactPath, inImage)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create export layer: %w", err)
	}

	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return nil, fmt.Errorf("failed to append export layer: %w", err)
	}

	img, err = withLabels(img, opts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.TarballPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create image output directory: %w", err)
	}
	if err := tarball.WriteToFile(opts.TarballPath, tag, img); err != nil {
		return nil, fmt.Errorf("failed to write image tarball: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("failed to compute image digest: %w", err)
	}

	slog.Info("Image tarball written",
		"image", tag.String(),
		"digest", digest.String(),
		"path", opts.TarballPath,
	)

	return &ImageResult{
		Reference: tag.String(),
		Digest:    digest.String(),
		Path:      opts.TarballPath,
	}, nil
}

func baseImage(ctx context.Context, ref string) (v1.Image, error) {
	if ref == "" {
		return empty.Image, nil
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid base image %q: %w", ref, err)
	}

	slog.Info("Pulling base image", "image", parsed.String())
	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pull base image %s: %w", parsed.String(), err)
	}
	return img, nil
}

func withLabels(img v1.Image, opts ImageOptions) (v1.Image, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read image config: %w", err)
	}

	cfg := cfgFile.Config.DeepCopy()
	if cfg.Labels == nil {
		cfg.Labels = map[string]string{}
	}
	if opts.RunID != "" {
		cfg.Labels[LabelRunID] = opts.RunID
	}
	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	cfg.Labels[LabelCreated] = created.UTC().Format(time.RFC3339)

	img, err = mutate.Config(img, *cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set image labels: %w", err)
	}
	img, err = mutate.CreatedAt(img, v1.Time{Time: created})
	if err != nil {
		return nil, fmt.Errorf("failed to set image creation time: %w", err)
	}
	return img, nil
}

// layerStream produces an uncompressed tar holding the artifact at inImage.
// The artifact is streamed, never loaded whole.
func layerStream(artifactPath, inImage string) (io.ReadCloser, error) {
	// #nosec G304 -- artifactPath is the export copied by this run
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		tw := tar.NewWriter(pw)

		dir := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     path.Dir(inImage)[1:] + "/",
			Mode:     0o755,
			ModTime:  info.ModTime(),
		}
		file := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     inImage[1:],
			Mode:     0o644,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		}

		err := tw.WriteHeader(dir)
		if err == nil {
			err = tw.WriteHeader(file)
		}
		if err == nil {
			_, err = io.Copy(tw, f)
		}
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}
