package preload

import (
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/feed-preload/internal/feeds"
	"github.com/stacklok/feed-preload/internal/httpclient"
	"github.com/stacklok/feed-preload/internal/runner"
	"github.com/stacklok/feed-preload/internal/status"
)

// Process exit codes
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// TransportError is a network-level failure talking to the engine
type TransportError = httpclient.TransportError

// BadResponseError is a non-2xx answer from the engine
type BadResponseError = httpclient.HTTPError

// DiscoveryError is returned when a required compose service has no running container
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("required services are not running: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// AvailabilityTimeoutError is returned when the engine never answered its health endpoint
type AvailabilityTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *AvailabilityTimeoutError) Error() string {
	return fmt.Sprintf("engine not available after %s: %v", e.Timeout, e.Err)
}

func (e *AvailabilityTimeoutError) Unwrap() error {
	return e.Err
}

// SyncTimeoutError is returned when the feeds were not ready before the deadline
type SyncTimeoutError struct {
	Elapsed time.Duration
	Cycles  int
	// Progress is the last successfully fetched progress
	Progress feeds.AggregateProgress
	Err      error
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("feed sync not complete after %s (%d cycles, %d/%d groups synced): %v",
		e.Elapsed.Round(time.Second), e.Cycles, e.Progress.SyncedCount, e.Progress.TotalCount, e.Err)
}

func (e *SyncTimeoutError) Unwrap() error {
	return e.Err
}

// SyncFailedError is returned when the sync could not be triggered or polling hit an unrecoverable error
type SyncFailedError struct {
	Err error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("feed sync failed: %v", e.Err)
}

func (e *SyncFailedError) Unwrap() error {
	return e.Err
}

// ExternalCommandError is returned when a snapshot step could not start or exited non-zero
type ExternalCommandError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *ExternalCommandError) Error() string {
	return fmt.Sprintf("snapshot step %s failed: %v", e.Step, e.Err)
}

func (e *ExternalCommandError) Unwrap() error {
	return e.Err
}

// InterruptedError is returned when the operator aborted the run
type InterruptedError struct {
	Phase status.RunPhase
	Err   error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted during %s: %v", e.Phase, e.Err)
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

// PackagingError is returned when the export could not be packaged into an image
type PackagingError struct {
	Err error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("failed to package export: %v", e.Err)
}

func (e *PackagingError) Unwrap() error {
	return e.Err
}

// ExitCode maps a Run error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var interrupted *InterruptedError
	if errors.As(err, &interrupted) {
		return ExitInterrupted
	}
	return ExitFailure
}

func newExternalCommandError(err error) *ExternalCommandError {
	cmdErr := &ExternalCommandError{Err: err, ExitCode: -1}
	var runErr *runner.CommandError
	if errors.As(err, &runErr) {
		cmdErr.Step = runErr.Step.Name
		cmdErr.ExitCode = runErr.ExitCode
	}
	return cmdErr
}
