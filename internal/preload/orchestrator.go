// Package preload runs a feed preload end to end: wait for the engine's feed sync to complete,
// export the database and optionally package the export as an image.
package preload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/stacklok/feed-preload/internal/config"
	"github.com/stacklok/feed-preload/internal/discovery"
	"github.com/stacklok/feed-preload/internal/feeds"
	"github.com/stacklok/feed-preload/internal/filtering"
	"github.com/stacklok/feed-preload/internal/lockfile"
	"github.com/stacklok/feed-preload/internal/otel"
	"github.com/stacklok/feed-preload/internal/poller"
	"github.com/stacklok/feed-preload/internal/runner"
	"github.com/stacklok/feed-preload/internal/snapshot"
	"github.com/stacklok/feed-preload/internal/status"
	"github.com/stacklok/feed-preload/internal/telemetry"
)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithDiscoverer enables the running-container check. Without it discovery is skipped.
func WithDiscoverer(d discovery.Discoverer) Option {
	return func(o *Orchestrator) {
		o.discoverer = d
	}
}

// WithPersistence sets where the run report is saved
func WithPersistence(p status.Persistence) Option {
	return func(o *Orchestrator) {
		o.persistence = p
	}
}

// WithClock sets the clock used by the poll loop and for report timestamps
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithPollMetrics sets the readiness poll metrics
func WithPollMetrics(m *telemetry.PollMetrics) Option {
	return func(o *Orchestrator) {
		o.pollMetrics = m
	}
}

// WithStepMetrics sets the snapshot step metrics
func WithStepMetrics(m *telemetry.StepMetrics) Option {
	return func(o *Orchestrator) {
		o.stepMetrics = m
	}
}

// WithTracer sets the tracer for run, phase and step spans
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithOutput sets where the final per-group progress table is written
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.output = w
	}
}

// WithRunID sets the identifier recorded in the report, spans and image labels
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		o.runID = id
	}
}

// Orchestrator drives one preload run. It is not safe for concurrent use.
type Orchestrator struct {
	cfg    *config.Config
	api    feeds.API
	runner runner.Runner

	discoverer  discovery.Discoverer
	persistence status.Persistence
	clock       clock.Clock
	pollMetrics *telemetry.PollMetrics
	stepMetrics *telemetry.StepMetrics
	tracer      trace.Tracer
	output      io.Writer
	runID       string

	status *status.RunStatus
}

// New creates an Orchestrator. cfg must be a validated configuration.
func New(cfg *config.Config, api feeds.API, r runner.Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		api:    api,
		runner: r,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the sequence once, stopping at the first failure. Nothing is rolled back.
// The returned status is never nil and reflects the final report.
func (o *Orchestrator) Run(ctx context.Context) (*status.RunStatus, error) {
	o.status = &status.RunStatus{
		RunID:     o.runID,
		Phase:     status.RunPhasePending,
		Engine:    o.cfg.Engine.BaseURL,
		StartedAt: o.clock.Now(),
	}

	ctx, span := otel.StartSpan(ctx, o.tracer, "preload.run", trace.WithAttributes(
		otel.AttrRunID.String(o.runID),
		otel.AttrEngineURL.String(o.cfg.Engine.BaseURL),
	))
	defer span.End()

	slog.Info("Starting feed preload", "run_id", o.runID, "engine", o.cfg.Engine.BaseURL)

	err := o.run(ctx)
	o.complete(ctx, err)
	otel.RecordError(span, err)
	return o.status, err
}

func (o *Orchestrator) run(ctx context.Context) error {
	lock, err := lockfile.Acquire(o.cfg.LockPath)
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release run lock", "path", lock.Path(), "error", err)
		}
	}()

	services, err := o.discover(ctx)
	if err != nil {
		return err
	}

	if err := o.waitForEngine(ctx); err != nil {
		return err
	}

	if err := o.triggerSync(ctx); err != nil {
		return err
	}

	progress, err := o.waitForSync(ctx)
	if err != nil {
		return err
	}

	// An interrupt racing with readiness must not start the export
	if ctx.Err() != nil {
		return o.interrupted(ctx)
	}

	plan := snapshot.BuildPlan(o.cfg, services)
	if err := o.export(ctx, plan); err != nil {
		return err
	}

	if err := o.packageImage(ctx, plan.ArtifactPath); err != nil {
		return err
	}

	if o.output != nil {
		if err := feeds.WriteProgressTable(o.output, progress); err != nil {
			slog.Warn("Failed to write progress table", "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) discover(ctx context.Context) (*discovery.Services, error) {
	if o.discoverer == nil {
		slog.Info("Skipping container discovery")
		return nil, nil
	}

	o.setPhase(ctx, status.RunPhaseDiscovering, "Looking for the engine and database containers")
	ctx, span := otel.StartSpan(ctx, o.tracer, "preload.discover")
	defer span.End()

	services, err := o.discoverer.Discover(ctx)
	if err != nil {
		otel.RecordError(span, err)
		if ctx.Err() != nil {
			return nil, o.interrupted(ctx)
		}
		return nil, &DiscoveryError{Err: err}
	}

	span.SetAttributes(otel.AttrContainerID.String(services.Database.ID))
	return services, nil
}

func (o *Orchestrator) waitForEngine(ctx context.Context) error {
	if o.cfg.Wait.SkipAvailability {
		slog.Info("Skipping engine availability check")
		return nil
	}

	o.setPhase(ctx, status.RunPhaseWaitingForEngine, "Waiting for the engine API to answer")
	ctx, span := otel.StartSpan(ctx, o.tracer, "preload.wait_for_engine")
	defer span.End()

	timeout := o.cfg.AvailabilityTimeout()
	err := poller.WaitForAvailability(ctx, o.api, poller.AvailabilityConfig{
		Interval: o.cfg.AvailabilityInterval(),
		Timeout:  timeout,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, poller.ErrInterrupted):
		return o.interrupted(ctx)
	default:
		otel.RecordError(span, err)
		return &AvailabilityTimeoutError{Timeout: timeout, Err: err}
	}
}

// triggerSync requests a sync. The engine may hold the request open for the whole sync,
// so a client timeout is not a failure: the poll loop decides.
func (o *Orchestrator) triggerSync(ctx context.Context) error {
	o.setPhase(ctx, status.RunPhaseTriggering, "Requesting a feed sync")

	err := o.api.TriggerSync(ctx)
	if err == nil {
		slog.Info("Feed sync triggered")
		return nil
	}
	if ctx.Err() != nil {
		return o.interrupted(ctx)
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.Timeout() {
		slog.Warn("Feed sync request timed out, polling anyway", "error", err)
		return nil
	}
	return &SyncFailedError{Err: err}
}

func (o *Orchestrator) waitForSync(ctx context.Context) (feeds.AggregateProgress, error) {
	o.setPhase(ctx, status.RunPhaseSyncing, "Waiting for the feed sync to complete")
	ctx, span := otel.StartSpan(ctx, o.tracer, "preload.wait_for_sync")
	defer span.End()

	groups, err := filtering.NewGroupFilter(o.cfg.Wait.IncludeGroups, o.cfg.Wait.ExcludeGroups)
	if err != nil {
		return feeds.AggregateProgress{}, &SyncFailedError{Err: err}
	}
	evaluator := feeds.NewEvaluator(
		feeds.WithFreshnessWindow(o.cfg.GroupFreshness()),
		feeds.WithEvaluatorClock(o.clock),
		feeds.WithGroupFilter(groups),
	)
	p := poller.New(o.api, poller.Config{
		Interval:              o.cfg.Interval(),
		Deadline:              o.cfg.Timeout(),
		ConfirmationThreshold: o.cfg.Wait.Confirmations,
		MaxConsecutiveErrors:  o.cfg.Wait.MaxConsecutiveErrors,
	},
		poller.WithClock(o.clock),
		poller.WithEvaluator(evaluator),
		poller.WithMetrics(o.pollMetrics),
		poller.WithReporter(func(progress poller.Progress) {
			o.recordProgress(ctx, progress)
		}),
	)

	result, err := p.Wait(ctx)
	o.recordPollResult(ctx, result)
	span.SetAttributes(
		otel.AttrPollState.String(result.State.State.String()),
		otel.AttrPollCycles.Int(result.Cycles),
		otel.AttrGroupsSynced.Int(result.LastProgress.SyncedCount),
		otel.AttrGroupsTotal.Int(result.LastProgress.TotalCount),
	)
	if err == nil {
		return result.LastProgress, nil
	}

	otel.RecordError(span, err)
	switch {
	case errors.Is(err, poller.ErrInterrupted):
		return result.LastProgress, o.interrupted(ctx)
	case errors.Is(err, poller.ErrDeadlineExceeded):
		return result.LastProgress, &SyncTimeoutError{
			Elapsed:  result.Elapsed,
			Cycles:   result.Cycles,
			Progress: result.LastProgress,
			Err:      err,
		}
	default:
		return result.LastProgress, &SyncFailedError{Err: err}
	}
}

func (o *Orchestrator) recordProgress(ctx context.Context, progress poller.Progress) {
	poll := o.pollStatus()
	poll.State = progress.State.State.String()
	poll.Cycles = progress.Cycle
	poll.Confirmations = progress.State.Confirmations
	poll.ElapsedSeconds = progress.Elapsed.Seconds()

	if progress.Err != nil {
		poll.LastError = progress.Err.Error()
	} else {
		agg := progress.Aggregate
		poll.GroupsSynced = agg.SyncedCount
		poll.GroupsTotal = agg.TotalCount
		poll.SyncedGroups = sets.List(agg.SyncedNames)
		poll.PendingGroups = sets.List(agg.UnsyncedNames)
	}
	o.save(ctx)
}

// recordPollResult covers the transitions that happen without a fetch: deadline and interrupt
func (o *Orchestrator) recordPollResult(ctx context.Context, result *poller.Result) {
	poll := o.pollStatus()
	poll.State = result.State.State.String()
	poll.Cycles = result.Cycles
	poll.Confirmations = result.State.Confirmations
	poll.ElapsedSeconds = result.Elapsed.Seconds()
	o.save(ctx)
}

func (o *Orchestrator) pollStatus() *status.PollStatus {
	if o.status.Poll == nil {
		o.status.Poll = &status.PollStatus{}
	}
	return o.status.Poll
}

func (o *Orchestrator) export(ctx context.Context, plan snapshot.Plan) error {
	o.setPhase(ctx, status.RunPhaseExporting, "Exporting the database")

	o.status.Steps = make([]status.StepStatus, len(plan.Steps))
	for i, step := range plan.Steps {
		o.status.Steps[i] = status.StepStatus{
			Name:        step.Name,
			Description: step.Description,
			Command:     step.String(),
			Phase:       status.StepPhasePending,
		}
	}

	var stepSpan trace.Span
	observe := func(outcome runner.Outcome) {
		st := &o.status.Steps[outcome.Index]
		if outcome.Result == nil {
			now := o.clock.Now()
			st.Phase = status.StepPhaseRunning
			st.StartedAt = &now
			_, stepSpan = otel.StartSpan(ctx, o.tracer, "snapshot."+outcome.Step.Name,
				trace.WithAttributes(otel.AttrStepName.String(outcome.Step.Name)))
			o.save(ctx)
			return
		}

		exitCode := outcome.Result.ExitCode
		st.ExitCode = &exitCode
		st.DurationSeconds = outcome.Result.Duration.Seconds()
		st.Phase = status.StepPhaseSucceeded
		if outcome.Err != nil {
			st.Phase = status.StepPhaseFailed
			st.Error = outcome.Err.Error()
		}

		stepSpan.SetAttributes(otel.AttrStepExitCode.Int(exitCode))
		otel.RecordError(stepSpan, outcome.Err)
		stepSpan.End()

		o.stepMetrics.RecordStepDuration(ctx, outcome.Step.Name, outcome.Result.Duration, outcome.Err == nil)
		o.save(ctx)
	}

	if err := runner.RunAll(ctx, o.runner, plan.Steps, observe); err != nil {
		if ctx.Err() != nil {
			return o.interrupted(ctx)
		}
		return newExternalCommandError(err)
	}

	info, err := os.Stat(plan.ArtifactPath)
	if err != nil {
		return &ExternalCommandError{
			Step: snapshot.StepCopy,
			Err:  fmt.Errorf("export artifact missing after copy: %w", err),
		}
	}
	o.status.Artifact = &status.ArtifactStatus{
		Path:      plan.ArtifactPath,
		SizeBytes: info.Size(),
	}
	slog.Info("Database export complete", "path", plan.ArtifactPath, "size_bytes", info.Size())
	return nil
}

func (o *Orchestrator) packageImage(ctx context.Context, artifactPath string) error {
	snap := &o.cfg.Snapshot
	if snap.ImageTarball == "" {
		return nil
	}

	o.setPhase(ctx, status.RunPhasePackaging, "Packaging the export into an image")
	ctx, span := otel.StartSpan(ctx, o.tracer, "snapshot.package")
	defer span.End()

	result, err := snapshot.PackageImage(ctx, artifactPath, snapshot.ImageOptions{
		Tag:         snap.ImageTag,
		TarballPath: snap.ImageTarball,
		BaseImage:   snap.BaseImage,
		RunID:       o.runID,
		Created:     o.clock.Now(),
	})
	if err != nil {
		otel.RecordError(span, err)
		if ctx.Err() != nil {
			return o.interrupted(ctx)
		}
		return &PackagingError{Err: err}
	}

	span.SetAttributes(otel.AttrImageReference.String(result.Reference))
	o.status.Artifact.Image = result.Reference
	o.status.Artifact.ImageTarball = result.Path
	o.status.Artifact.ImageDigest = result.Digest
	return nil
}

func (o *Orchestrator) interrupted(ctx context.Context) error {
	return &InterruptedError{Phase: o.status.Phase, Err: context.Cause(ctx)}
}

func (o *Orchestrator) setPhase(ctx context.Context, phase status.RunPhase, message string) {
	now := o.clock.Now()
	o.status.Phase = phase
	o.status.Message = message
	o.status.UpdatedAt = &now
	slog.Debug("Run phase changed", "phase", phase)
	o.save(ctx)
}

func (o *Orchestrator) complete(ctx context.Context, err error) {
	now := o.clock.Now()
	last := o.status.Phase
	o.status.UpdatedAt = &now
	o.status.FinishedAt = &now
	o.status.ExitCode = ExitCode(err)

	switch o.status.ExitCode {
	case ExitSuccess:
		o.status.Phase = status.RunPhaseComplete
		o.status.Message = "Preload complete"
		slog.Info("Feed preload complete", "run_id", o.runID, "duration", now.Sub(o.status.StartedAt).Round(time.Second))
	case ExitInterrupted:
		o.status.Phase = status.RunPhaseInterrupted
		o.status.Message = fmt.Sprintf("Interrupted during %s", last)
		o.status.Error = err.Error()
		slog.Warn("Feed preload interrupted", "run_id", o.runID, "phase", last)
	default:
		o.status.Phase = status.RunPhaseFailed
		o.status.Message = fmt.Sprintf("Failed during %s", last)
		o.status.Error = err.Error()
		slog.Error("Feed preload failed", "run_id", o.runID, "phase", last, "error", err)
	}

	// The report is written even when the run context is already cancelled
	o.save(context.WithoutCancel(ctx))
}

func (o *Orchestrator) save(ctx context.Context) {
	if o.persistence == nil {
		return
	}
	if err := o.persistence.Save(ctx, o.status); err != nil {
		slog.Warn("Failed to save run report", "error", err)
	}
}
