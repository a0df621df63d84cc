package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anchore-bootstrap.sql.gz")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestPackageImage(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("feed-data"), 4096)
	artifact := writeArtifact(t, content)
	out := filepath.Join(t.TempDir(), "images", "preload.tar")
	created := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	result, err := PackageImage(context.Background(), artifact, ImageOptions{
		Tag:         "anchore/engine-db-preload:dev",
		TarballPath: out,
		RunID:       "run-123",
		Created:     created,
	})
	require.NoError(t, err)

	assert.Contains(t, result.Reference, "anchore/engine-db-preload:dev")
	assert.Equal(t, out, result.Path)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, result.Digest)

	tag, err := name.NewTag("anchore/engine-db-preload:dev")
	require.NoError(t, err)
	img, err := tarball.ImageFromPath(out, &tag)
	require.NoError(t, err)

	cfgFile, err := img.ConfigFile()
	require.NoError(t, err)
	assert.Equal(t, "run-123", cfgFile.Config.Labels[LabelRunID])
	assert.Equal(t, "2026-05-04T03:02:01Z", cfgFile.Config.Labels[LabelCreated])
	assert.True(t, cfgFile.Created.Time.Equal(created))

	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 1)

	rc, err := layers[0].Uncompressed()
	require.NoError(t, err)
	defer rc.Close()

	files := map[string][]byte{}
	var dirs []string
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, hdr.Name)
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = data
	}

	assert.Equal(t, []string{"docker-entrypoint-initdb.d/"}, dirs)
	require.Contains(t, files, "docker-entrypoint-initdb.d/anchore-bootstrap.sql.gz")
	assert.Equal(t, content, files["docker-entrypoint-initdb.d/anchore-bootstrap.sql.gz"])
}

func TestPackageImage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		artifact func(t *testing.T) string
		opts     ImageOptions
		wantErr  string
	}{
		{
			name: "missing artifact",
			artifact: func(t *testing.T) string {
				t.Helper()
				return filepath.Join(t.TempDir(), "missing.sql.gz")
			},
			opts:    ImageOptions{Tag: "preload:dev"},
			wantErr: "export artifact not found",
		},
		{
			name: "invalid tag",
			artifact: func(t *testing.T) string {
				t.Helper()
				return writeArtifact(t, []byte("x"))
			},
			opts:    ImageOptions{Tag: "Not A Tag"},
			wantErr: "invalid image tag",
		},
		{
			name: "invalid base image",
			artifact: func(t *testing.T) string {
				t.Helper()
				return writeArtifact(t, []byte("x"))
			},
			opts:    ImageOptions{Tag: "preload:dev", BaseImage: "::bad::"},
			wantErr: "invalid base image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := tt.opts
			opts.TarballPath = filepath.Join(t.TempDir(), "out.tar")

			result, err := PackageImage(context.Background(), tt.artifact(t), opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, result)
		})
	}
}
