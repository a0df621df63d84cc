package preload_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/mock/gomock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/stacklok/feed-preload/internal/config"
	"github.com/stacklok/feed-preload/internal/discovery"
	"github.com/stacklok/feed-preload/internal/feeds"
	"github.com/stacklok/feed-preload/internal/runner"
	runnermocks "github.com/stacklok/feed-preload/internal/runner/mocks"
	"github.com/stacklok/feed-preload/internal/snapshot"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// autoClock advances the fake clock by the full duration whenever the poll loop sleeps
type autoClock struct {
	*testingclock.FakeClock
}

func newAutoClock() autoClock {
	return autoClock{FakeClock: testingclock.NewFakeClock(start)}
}

func (c autoClock) After(d time.Duration) <-chan time.Time {
	c.Step(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// timeoutError is a net.Error reporting a timeout
type timeoutError struct{}

func (timeoutError) Error() string   { return "Client.Timeout exceeded while awaiting headers" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// stepNamed matches a runner.Step by name
type stepNamed string

func (m stepNamed) Matches(x any) bool {
	step, ok := x.(runner.Step)
	return ok && step.Name == string(m)
}

func (m stepNamed) String() string {
	return "is step " + string(m)
}

func newTestConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.LockPath = filepath.Join(dir, ".feed-preload.lock")
	cfg.Snapshot.OutputDir = dir
	cfg.Wait.AvailabilityInterval = "5ms"
	return cfg
}

func testServices() *discovery.Services {
	return &discovery.Services{
		Engine:   discovery.Container{ID: "engine-id", Name: "preload-anchore-engine-1", Service: "anchore-engine"},
		Database: discovery.Container{ID: "db-id", Name: "preload-anchore-db-1", Service: "anchore-db"},
	}
}

func syncedRecords() []feeds.SyncRecordStatus {
	at := start.Add(-time.Hour)
	return []feeds.SyncRecordStatus{
		{
			LastFullSync: &at,
			Groups: []feeds.SyncGroupStatus{
				{Name: "alpine:3.19", LastSync: &at},
				{Name: "debian:12", LastSync: &at},
			},
		},
		{
			LastFullSync: &at,
			Groups:       []feeds.SyncGroupStatus{{Name: "nvdv2:cves", LastSync: &at}},
		},
	}
}

func pendingRecords() []feeds.SyncRecordStatus {
	at := start.Add(-time.Hour)
	return []feeds.SyncRecordStatus{{
		Groups: []feeds.SyncGroupStatus{
			{Name: "alpine:3.19", LastSync: &at},
			{Name: "debian:12"},
		},
	}}
}

func succeeded(_ context.Context, _ runner.Step) (*runner.Result, error) {
	return &runner.Result{Duration: time.Second}, nil
}

// expectExport expects the four export steps in order; the copy step writes content as the artifact
func expectExport(r *runnermocks.MockRunner, cfg *config.Config, content []byte) {
	artifact := snapshot.BuildPlan(cfg, nil).ArtifactPath
	gomock.InOrder(
		r.EXPECT().Run(gomock.Any(), stepNamed(snapshot.StepStopEngine)).DoAndReturn(succeeded),
		r.EXPECT().Run(gomock.Any(), stepNamed(snapshot.StepDump)).DoAndReturn(succeeded),
		r.EXPECT().Run(gomock.Any(), stepNamed(snapshot.StepCopy)).DoAndReturn(
			func(_ context.Context, _ runner.Step) (*runner.Result, error) {
				if err := os.WriteFile(artifact, content, 0o600); err != nil {
					return nil, err
				}
				return &runner.Result{Duration: time.Second}, nil
			}),
		r.EXPECT().Run(gomock.Any(), stepNamed(snapshot.StepTeardown)).DoAndReturn(succeeded),
	)
}
