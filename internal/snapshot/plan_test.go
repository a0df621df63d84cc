package snapshot

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/feed-preload/internal/config"
	"github.com/stacklok/feed-preload/internal/discovery"
)

func names(plan Plan) []string {
	out := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, s.Name)
	}
	return out
}

func TestBuildPlan_Defaults(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	services := &discovery.Services{
		Engine:   discovery.Container{ID: "e1", Name: "preload-anchore-engine-1", Service: "anchore-engine"},
		Database: discovery.Container{ID: "d1", Name: "preload-anchore-db-1", Service: "anchore-db"},
	}

	plan := BuildPlan(cfg, services)

	require.Equal(t, []string{StepStopEngine, StepDump, StepCopy, StepTeardown}, names(plan))

	stop := plan.Steps[0]
	assert.Equal(t, "docker", stop.Executable)
	assert.Equal(t, []string{"compose", "stop", "anchore-engine"}, stop.Args)

	dump := plan.Steps[1]
	assert.Equal(t, "docker", dump.Executable)
	require.Len(t, dump.Args, 7)
	assert.Equal(t, []string{"compose", "exec", "-T", "anchore-db", "/bin/bash", "-c"}, dump.Args[:6])
	script := dump.Args[6]
	assert.True(t, strings.HasPrefix(script, "pg_dump -U postgres -Z 9 --exclude-table-data=anchore --exclude-table-data=users"), script)
	assert.True(t, strings.HasSuffix(script, "> /docker-entrypoint-initdb.d/anchore-bootstrap.sql.gz"), script)
	assert.Equal(t, len(config.DefaultExcludeTableData), strings.Count(script, "--exclude-table-data="))
	assert.NotContains(t, script, "nvdv2")

	cp := plan.Steps[2]
	assert.Equal(t, "docker", cp.Executable)
	assert.Equal(t, []string{"cp", "preload-anchore-db-1:/docker-entrypoint-initdb.d/anchore-bootstrap.sql.gz", "."}, cp.Args)

	down := plan.Steps[3]
	assert.Equal(t, []string{"compose", "down", "--volumes"}, down.Args)

	assert.Equal(t, "anchore-bootstrap.sql.gz", plan.ArtifactPath)
}

func TestBuildPlan_Variants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*config.Config)
		services *discovery.Services
		check    func(t *testing.T, plan Plan)
	}{
		{
			name: "legacy compose binary with project and file",
			mutate: func(c *config.Config) {
				c.Compose.Command = []string{"docker-compose"}
				c.Compose.ProjectName = "preload"
				c.Compose.File = "compose.yaml"
			},
			check: func(t *testing.T, plan Plan) {
				t.Helper()
				stop := plan.Steps[0]
				assert.Equal(t, "docker-compose", stop.Executable)
				assert.Equal(t, []string{"--project-name", "preload", "--file", "compose.yaml", "stop", "anchore-engine"}, stop.Args)
			},
		},
		{
			name: "no container name falls back to compose cp",
			check: func(t *testing.T, plan Plan) {
				t.Helper()
				cp := plan.Steps[2]
				assert.Equal(t, "docker", cp.Executable)
				assert.Equal(t, []string{"compose", "cp", "anchore-db:/docker-entrypoint-initdb.d/anchore-bootstrap.sql.gz", "."}, cp.Args)
			},
		},
		{
			name: "configured container wins over discovery",
			mutate: func(c *config.Config) {
				c.Compose.DBContainer = "anchore-db"
			},
			services: &discovery.Services{Database: discovery.Container{Name: "preload-anchore-db-1"}},
			check: func(t *testing.T, plan Plan) {
				t.Helper()
				assert.Equal(t, "anchore-db:/docker-entrypoint-initdb.d/anchore-bootstrap.sql.gz", plan.Steps[2].Args[1])
			},
		},
		{
			name: "slim excludes the reference tables",
			mutate: func(c *config.Config) {
				c.Snapshot.Slim = true
			},
			check: func(t *testing.T, plan Plan) {
				t.Helper()
				script := plan.Steps[1].Args[len(plan.Steps[1].Args)-1]
				assert.Contains(t, script, "--exclude-table-data=feed_data_nvdv2_vulnerabilities")
			},
		},
		{
			name: "operands needing quotes are quoted",
			mutate: func(c *config.Config) {
				c.Snapshot.DBUser = "anchore admin"
				c.Snapshot.ExportPath = "/tmp/dump's.sql.gz"
				c.Snapshot.OutputDir = "out"
				c.Snapshot.CompressionLevel = 5
			},
			check: func(t *testing.T, plan Plan) {
				t.Helper()
				script := plan.Steps[1].Args[len(plan.Steps[1].Args)-1]
				assert.Contains(t, script, "-U 'anchore admin' -Z 5")
				assert.True(t, strings.HasSuffix(script, `> '/tmp/dump'"'"'s.sql.gz'`), script)
				assert.Equal(t, filepath.Join("out", "dump's.sql.gz"), plan.ArtifactPath)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			tt.check(t, BuildPlan(cfg, tt.services))
		})
	}
}

func TestBuildPlan_DoesNotAliasComposeCommand(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Compose.Command = make([]string, 2, 8)
	copy(cfg.Compose.Command, []string{"docker", "compose"})

	plan := BuildPlan(cfg, nil)

	assert.Equal(t, []string{"compose", "stop", "anchore-engine"}, plan.Steps[0].Args)
	assert.Equal(t, []string{"compose", "down", "--volumes"}, plan.Steps[3].Args)
}
