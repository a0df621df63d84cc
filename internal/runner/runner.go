// Package runner executes external commands as typed, ordered steps.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Step is a single external command
type Step struct {
	// Name is a short identifier used in logs, metrics and the run report
	Name        string
	Executable  string
	Args        []string
	Description string
}

// String returns the command line, for logs only
func (s Step) String() string {
	return strings.Join(append([]string{s.Executable}, s.Args...), " ")
}

// Result holds the captured output of a step
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks -source=runner.go Runner

// Runner executes a step
type Runner interface {
	// Run executes the step and returns its captured output. A non-zero exit is a *CommandError.
	Run(ctx context.Context, step Step) (*Result, error)
}

// CommandError is returned when a step could not start or exited non-zero
type CommandError struct {
	Step     Step
	ExitCode int
	Stderr   string
	Err      error
}

// Error returns the error message
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("step %q (%s) failed", e.Step.Name, e.Step.String())
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying exec error
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Option configures an ExecRunner
type Option func(*ExecRunner)

// WithWorkingDir sets the directory commands run in
func WithWorkingDir(dir string) Option {
	return func(r *ExecRunner) {
		r.workDir = dir
	}
}

// WithEnv appends variables to the inherited environment
func WithEnv(env map[string]string) Option {
	return func(r *ExecRunner) {
		r.env = env
	}
}

// WithOutput streams command output to w in addition to capturing it
func WithOutput(w io.Writer) Option {
	return func(r *ExecRunner) {
		r.output = w
	}
}

// ExecRunner runs steps with os/exec
type ExecRunner struct {
	workDir string
	env     map[string]string
	output  io.Writer
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates an ExecRunner
func NewExecRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner
func (r *ExecRunner) Run(ctx context.Context, step Step) (*Result, error) {
	// #nosec G204 -- executables and arguments come from the validated configuration
	cmd := exec.CommandContext(ctx, step.Executable, step.Args...)
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}
	if len(r.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range r.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	if r.output != nil {
		cmd.Stdout = io.MultiWriter(&stdout, r.output)
		cmd.Stderr = io.MultiWriter(&stderr, r.output)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	slog.Debug("Running step", "step", step.Name, "command", step.String())

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, &CommandError{
			Step:     step,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Err:      err,
		}
	}
	return result, nil
}

// Outcome is passed to the observer after each step of RunAll
type Outcome struct {
	Index  int
	Step   Step
	Result *Result
	Err    error
}

// RunAll runs steps in order and stops at the first failure.
// observe, if not nil, is called before each step with a nil Result and after it with the outcome.
func RunAll(ctx context.Context, r Runner, steps []Step, observe func(Outcome)) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if observe != nil {
			observe(Outcome{Index: i, Step: step})
		}

		slog.Info("Running step", "step", step.Name, "description", step.Description, "index", i+1, "of", len(steps))
		result, err := r.Run(ctx, step)
		if result == nil {
			result = &Result{}
		}
		if observe != nil {
			observe(Outcome{Index: i, Step: step, Result: result, Err: err})
		}
		if err != nil {
			return err
		}
		slog.Info("Step complete", "step", step.Name, "duration", result.Duration.Round(time.Millisecond))
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
