package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/stacklok/feed-preload/internal/feeds"
	"github.com/stacklok/feed-preload/internal/httpclient"
	"github.com/stacklok/feed-preload/internal/telemetry"
)

var (
	// ErrDeadlineExceeded is returned when the feeds were not ready before the deadline
	ErrDeadlineExceeded = errors.New("deadline exceeded waiting for feed sync")
	// ErrInterrupted is returned when the wait was cancelled
	ErrInterrupted = errors.New("feed sync wait interrupted")
	// ErrUnrecoverable is returned when a fetch failed in a way that retrying cannot fix
	ErrUnrecoverable = errors.New("unrecoverable error polling feed status")
	// ErrTooManyErrors is returned when MaxConsecutiveErrors retryable errors happened in a row
	ErrTooManyErrors = errors.New("too many consecutive errors polling feed status")
)

// StatusSource fetches the current feed sync status
type StatusSource interface {
	FetchStatus(ctx context.Context) ([]feeds.SyncRecordStatus, error)
}

// Config holds the poll loop settings. Values are trusted; clamping happens in the config layer.
type Config struct {
	// Interval is the sleep between two cycles
	Interval time.Duration
	// Deadline bounds the total wait, checked after every sleep
	Deadline time.Duration
	// ConfirmationThreshold is the number of confirmations to exceed before Ready, at least MinThreshold
	ConfirmationThreshold int
	// MaxConsecutiveErrors turns a run of retryable errors into Failed. Zero means unlimited.
	MaxConsecutiveErrors int
}

// Progress is emitted after every cycle
type Progress struct {
	Cycle     int
	Elapsed   time.Duration
	Event     Event
	State     PollState
	Aggregate feeds.AggregateProgress
	// Err is the fetch error when Event is RetryableError or FatalError
	Err error
}

// Reporter receives per-cycle progress
type Reporter func(Progress)

// Result describes how a wait ended
type Result struct {
	State   PollState
	Cycles  int
	Elapsed time.Duration
	// LastProgress is the aggregate of the last successful fetch
	LastProgress feeds.AggregateProgress
	// LastErr is the most recent fetch error, if any
	LastErr error
}

// Option configures a Poller
type Option func(*Poller)

// WithClock sets the clock used for sleeping and the deadline
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithReporter sets the per-cycle progress callback
func WithReporter(r Reporter) Option {
	return func(p *Poller) {
		p.reporter = r
	}
}

// WithMetrics sets the poll metrics
func WithMetrics(m *telemetry.PollMetrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithEvaluator replaces the default evaluator
func WithEvaluator(e *feeds.Evaluator) Option {
	return func(p *Poller) {
		p.evaluator = e
	}
}

// Poller waits for every feed to be fully synced
type Poller struct {
	source    StatusSource
	cfg       Config
	evaluator *feeds.Evaluator
	clock     clock.Clock
	reporter  Reporter
	metrics   *telemetry.PollMetrics
}

// New creates a Poller
func New(source StatusSource, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		source:    source,
		cfg:       cfg,
		evaluator: feeds.NewEvaluator(),
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait polls until Ready, TimedOut, Failed or Interrupted. It always returns a non-nil Result;
// the error is nil only for Ready.
func (p *Poller) Wait(ctx context.Context) (*Result, error) {
	start := p.clock.Now()
	result := &Result{State: PollState{State: Polling}}
	consecutiveErrors := 0

	slog.Info("Waiting for feed sync",
		"interval", p.cfg.Interval,
		"deadline", p.cfg.Deadline,
		"confirmations", p.cfg.ConfirmationThreshold)

	for cycle := 1; ; cycle++ {
		result.Cycles = cycle

		records, err := p.source.FetchStatus(ctx)

		var event Event
		var aggregate feeds.AggregateProgress
		switch {
		case err == nil:
			consecutiveErrors = 0
			aggregate = p.evaluator.Evaluate(records)
			result.LastProgress = aggregate
			event = NotSynced
			if aggregate.AllFullySynced {
				event = FullySynced
			}
		case ctx.Err() != nil:
			event = Cancelled
		case feeds.IsRetryable(err):
			result.LastErr = err
			consecutiveErrors++
			event = RetryableError
			logRetryable(err)
			if p.cfg.MaxConsecutiveErrors > 0 && consecutiveErrors >= p.cfg.MaxConsecutiveErrors {
				event = FatalError
				result.LastErr = fmt.Errorf("%w (%d): %w", ErrTooManyErrors, consecutiveErrors, err)
			}
		default:
			result.LastErr = fmt.Errorf("%w: %w", ErrUnrecoverable, err)
			event = FatalError
		}

		result.State = Transition(result.State, event, p.cfg.ConfirmationThreshold)
		result.Elapsed = p.clock.Since(start)
		p.report(ctx, Progress{
			Cycle:     cycle,
			Elapsed:   result.Elapsed,
			Event:     event,
			State:     result.State,
			Aggregate: aggregate,
			Err:       err,
		})

		if result.State.State.Terminal() {
			return p.finish(ctx, result)
		}

		select {
		case <-ctx.Done():
			result.State = Transition(result.State, Cancelled, p.cfg.ConfirmationThreshold)
			result.Elapsed = p.clock.Since(start)
			return p.finish(ctx, result)
		case <-p.clock.After(p.cfg.Interval):
		}

		result.Elapsed = p.clock.Since(start)
		if result.Elapsed > p.cfg.Deadline {
			result.State = Transition(result.State, DeadlineExceeded, p.cfg.ConfirmationThreshold)
			return p.finish(ctx, result)
		}
	}
}

func (p *Poller) finish(ctx context.Context, result *Result) (*Result, error) {
	var err error
	switch result.State.State {
	case Ready:
		slog.Info("Feed sync complete",
			"elapsed", result.Elapsed,
			"cycles", result.Cycles,
			"groups", result.LastProgress.TotalCount)
	case TimedOut:
		err = fmt.Errorf("%w after %s", ErrDeadlineExceeded, result.Elapsed.Round(time.Second))
		if result.LastErr != nil {
			err = fmt.Errorf("%w (last error: %v)", err, result.LastErr)
		}
	case Interrupted:
		err = fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	case Failed:
		err = result.LastErr
	default:
		err = fmt.Errorf("%w: poller stopped in state %s", ErrUnrecoverable, result.State.State)
	}

	if p.metrics != nil {
		p.metrics.RecordWaitDuration(ctx, result.State.State.String(), result.Elapsed)
	}
	return result, err
}

func (p *Poller) report(ctx context.Context, progress Progress) {
	agg := progress.Aggregate
	if progress.Err == nil {
		slog.Info("Feed sync progress",
			"cycle", progress.Cycle,
			"state", progress.State.State.String(),
			"confirmations", progress.State.Confirmations,
			"synced", agg.SyncedCount,
			"total", agg.TotalCount,
			"feeds_fully_synced", fmt.Sprintf("%d/%d", agg.FullySyncedRecords, agg.TotalRecords),
			"elapsed", progress.Elapsed.Round(time.Second))
		slog.Debug("Feed group detail",
			"synced", sets.List(agg.SyncedNames),
			"unsynced", sets.List(agg.UnsyncedNames))
	}

	if p.metrics != nil {
		p.metrics.RecordCycle(ctx, progress.State.State.String(), agg.SyncedCount, agg.TotalCount)
	}
	if p.reporter != nil {
		p.reporter(progress)
	}
}

func logRetryable(err error) {
	var httpErr *httpclient.HTTPError
	var transportErr *httpclient.TransportError
	switch {
	case errors.As(err, &httpErr):
		slog.Warn("Engine returned a bad response, will retry",
			"status", httpErr.StatusCode,
			"url", httpErr.URL,
			"body", httpErr.Body)
	case errors.As(err, &transportErr):
		slog.Warn("Engine unreachable, will retry",
			"url", transportErr.URL,
			"timeout", transportErr.Timeout(),
			"error", transportErr.Err)
	default:
		slog.Warn("Unreadable feed status, will retry", "error", err)
	}
}
