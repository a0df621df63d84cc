// Package status provides the run report and its persistence.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

//go:generate mockgen -destination=mocks/mock_persistence.go -package=mocks -source=persistence.go Persistence

// DefaultReportFileName is the default run report file name
const DefaultReportFileName = "feed-preload-status.json"

// Persistence defines the interface for run report persistence
type Persistence interface {
	// Save writes the run status, replacing any previous report
	Save(ctx context.Context, status *RunStatus) error

	// Load reads the last saved run status.
	// Returns an empty RunStatus if no report exists yet.
	Load(ctx context.Context) (*RunStatus, error)
}

// filePersistence implements Persistence on a single local file.
// The encoding follows the extension: .yaml/.yml is YAML, anything else JSON.
type filePersistence struct {
	path string
}

// NewFilePersistence creates a new file-based report persistence
func NewFilePersistence(path string) Persistence {
	return &filePersistence{path: path}
}

func (f *filePersistence) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(f.path))
	return ext == ".yaml" || ext == ".yml"
}

// Save writes the status to a temporary file and renames it into place
func (f *filePersistence) Save(_ context.Context, status *RunStatus) error {
	if status == nil {
		return errors.New("status is nil")
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return fmt.Errorf("failed to create report directory for '%s': %w", f.path, err)
	}

	var (
		data []byte
		err  error
	)
	if f.isYAML() {
		data, err = yaml.Marshal(status)
	} else {
		data, err = json.MarshalIndent(status, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary report file '%s': %w", tempPath, err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename report file '%s': %w", f.path, err)
	}

	return nil
}

// Load reads the status back from the report file
func (f *filePersistence) Load(_ context.Context) (*RunStatus, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read report file '%s': %w", f.path, err)
	}

	var status RunStatus
	if f.isYAML() {
		err = yaml.Unmarshal(data, &status)
	} else {
		err = json.Unmarshal(data, &status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal report file '%s': %w", f.path, err)
	}

	return &status, nil
}
