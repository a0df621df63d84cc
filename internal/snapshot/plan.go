// Package snapshot builds the database export command sequence and packages its result.
package snapshot

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/stacklok/feed-preload/internal/config"
	"github.com/stacklok/feed-preload/internal/discovery"
	"github.com/stacklok/feed-preload/internal/runner"
)

// Step names, stable across releases since they appear in metrics and the run report
const (
	StepStopEngine = "stop-engine"
	StepDump       = "dump"
	StepCopy       = "copy"
	StepTeardown   = "teardown"
)

// Plan is the ordered export sequence and where its artifact lands
type Plan struct {
	Steps []runner.Step

	// ArtifactPath is the host path of the copied export
	ArtifactPath string
}

// BuildPlan returns the export sequence for cfg.
// services may be nil when discovery was skipped.
func BuildPlan(cfg *config.Config, services *discovery.Services) Plan {
	compose := composeBase(&cfg.Compose)
	snap := &cfg.Snapshot

	steps := []runner.Step{
		composeStep(compose, StepStopEngine,
			fmt.Sprintf("Stop the %s service so the database is quiescent", cfg.Compose.EngineService),
			"stop", cfg.Compose.EngineService),
		composeStep(compose, StepDump,
			"Dump the database inside its container",
			"exec", "-T", cfg.Compose.DBService, "/bin/bash", "-c", dumpCommand(snap, cfg.ExcludedTables())),
		copyStep(cfg, compose, services),
		composeStep(compose, StepTeardown,
			"Remove the compose deployment and its volumes",
			"down", "--volumes"),
	}

	return Plan{
		Steps:        steps,
		ArtifactPath: filepath.Join(snap.OutputDir, path.Base(snap.ExportPath)),
	}
}

// composeBase returns the compose invocation with project-wide flags
func composeBase(c *config.ComposeConfig) []string {
	base := append([]string(nil), c.Command...)
	if c.ProjectName != "" {
		base = append(base, "--project-name", c.ProjectName)
	}
	if c.File != "" {
		base = append(base, "--file", c.File)
	}
	return base
}

func composeStep(base []string, name, description string, args ...string) runner.Step {
	return runner.Step{
		Name:        name,
		Executable:  base[0],
		Args:        append(append([]string(nil), base[1:]...), args...),
		Description: description,
	}
}

// dumpCommand is run by bash inside the db container; every operand is quoted
func dumpCommand(snap *config.SnapshotConfig, excluded []string) string {
	parts := []string{
		"pg_dump",
		"-U", shellescape.Quote(snap.DBUser),
		"-Z", fmt.Sprintf("%d", snap.CompressionLevel),
	}
	for _, table := range excluded {
		parts = append(parts, shellescape.Quote("--exclude-table-data="+table))
	}
	parts = append(parts, ">", shellescape.Quote(snap.ExportPath))
	return strings.Join(parts, " ")
}

// copyStep copies the export out of the db container.
// docker cp needs a container name; without one, compose cp resolves the service.
func copyStep(cfg *config.Config, compose []string, services *discovery.Services) runner.Step {
	container := cfg.Compose.DBContainer
	if container == "" && services != nil {
		container = services.Database.Name
	}

	description := fmt.Sprintf("Copy the export to %s", cfg.Snapshot.OutputDir)
	if container != "" {
		return runner.Step{
			Name:        StepCopy,
			Executable:  "docker",
			Args:        []string{"cp", container + ":" + cfg.Snapshot.ExportPath, cfg.Snapshot.OutputDir},
			Description: description,
		}
	}
	return composeStep(compose, StepCopy, description,
		"cp", cfg.Compose.DBService+":"+cfg.Snapshot.ExportPath, cfg.Snapshot.OutputDir)
}
