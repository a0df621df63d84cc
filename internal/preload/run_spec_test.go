package preload_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/feed-preload/internal/config"
	"github.com/stacklok/feed-preload/internal/feeds"
	feedmocks "github.com/stacklok/feed-preload/internal/feeds/mocks"
	"github.com/stacklok/feed-preload/internal/httpclient"
	"github.com/stacklok/feed-preload/internal/poller"
	"github.com/stacklok/feed-preload/internal/preload"
	runnermocks "github.com/stacklok/feed-preload/internal/runner/mocks"
	"github.com/stacklok/feed-preload/internal/status"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctrl       *gomock.Controller
		api        *feedmocks.MockAPI
		run        *runnermocks.MockRunner
		cfg        *config.Config
		reportPath string
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		api = feedmocks.NewMockAPI(ctrl)
		run = runnermocks.NewMockRunner(ctrl)

		dir := GinkgoT().TempDir()
		cfg = newTestConfig(dir)
		cfg.Wait.SkipAvailability = true
		reportPath = filepath.Join(dir, "feed-preload-status.yaml")

		api.EXPECT().TriggerSync(gomock.Any()).Return(nil)
	})

	newOrchestrator := func() *preload.Orchestrator {
		return preload.New(cfg, api, run,
			preload.WithClock(newAutoClock()),
			preload.WithPersistence(status.NewFilePersistence(reportPath)),
			preload.WithRunID("spec-run"),
		)
	}

	loadReport := func() *status.RunStatus {
		st, err := status.NewFilePersistence(reportPath).Load(context.Background())
		Expect(err).NotTo(HaveOccurred())
		return st
	}

	Context("when the full sync marker flaps", func() {
		BeforeEach(func() {
			gomock.InOrder(
				api.EXPECT().FetchStatus(gomock.Any()).Return(syncedRecords(), nil).Times(3),
				api.EXPECT().FetchStatus(gomock.Any()).Return(pendingRecords(), nil),
				api.EXPECT().FetchStatus(gomock.Any()).Return(syncedRecords(), nil).Times(6),
			)
			expectExport(run, cfg, []byte("dump"))
		})

		It("restarts the confirmation count and exports only once the sync holds", func() {
			st, err := newOrchestrator().Run(context.Background())

			Expect(err).NotTo(HaveOccurred())
			Expect(st.Phase).To(Equal(status.RunPhaseComplete))
			Expect(st.Poll.Cycles).To(Equal(10))
			Expect(st.Poll.Confirmations).To(Equal(6))

			report := loadReport()
			Expect(report.RunID).To(Equal("spec-run"))
			Expect(report.Phase).To(Equal(status.RunPhaseComplete))
			Expect(report.Artifact).NotTo(BeNil())
			Expect(report.Artifact.SizeBytes).To(BeEquivalentTo(len("dump")))
		})
	})

	Context("when the engine keeps failing but recovers before the deadline", func() {
		BeforeEach(func() {
			gomock.InOrder(
				api.EXPECT().FetchStatus(gomock.Any()).
					Return(nil, httpclient.NewHTTPError(502, "http://engine/v1/system/feeds", "Bad Gateway", "")).
					Times(4),
				api.EXPECT().FetchStatus(gomock.Any()).
					Return(nil, &httpclient.TransportError{Method: "GET", URL: "u", Err: timeoutError{}}).
					Times(2),
				api.EXPECT().FetchStatus(gomock.Any()).Return(syncedRecords(), nil).Times(6),
			)
			expectExport(run, cfg, []byte("dump"))
		})

		It("treats bad responses and transport errors as retryable", func() {
			st, err := newOrchestrator().Run(context.Background())

			Expect(err).NotTo(HaveOccurred())
			Expect(st.Poll.Cycles).To(Equal(12))
			Expect(st.Poll.State).To(Equal(poller.Ready.String()))
			Expect(st.Poll.LastError).To(ContainSubstring("GET u"))
		})
	})

	Context("when the operator interrupts mid-poll", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			DeferCleanup(cancel)

			gomock.InOrder(
				api.EXPECT().FetchStatus(gomock.Any()).Return(pendingRecords(), nil).Times(2),
				api.EXPECT().FetchStatus(gomock.Any()).DoAndReturn(
					func(ctx context.Context) ([]feeds.SyncRecordStatus, error) {
						cancel()
						return nil, &httpclient.TransportError{Method: "GET", URL: "u", Err: ctx.Err()}
					}),
			)
		})

		It("reports an interruption and never runs the export", func() {
			st, err := newOrchestrator().Run(ctx)

			var interrupted *preload.InterruptedError
			Expect(err).To(BeAssignableToTypeOf(interrupted))
			Expect(preload.ExitCode(err)).To(Equal(preload.ExitInterrupted))
			Expect(st.Steps).To(BeEmpty())

			report := loadReport()
			Expect(report.Phase).To(Equal(status.RunPhaseInterrupted))
			Expect(report.ExitCode).To(Equal(130))
			Expect(report.Message).To(Equal("Interrupted during Syncing"))
			Expect(report.Poll.State).To(Equal(poller.Interrupted.String()))
		})
	})

	Context("when the feeds never finish", func() {
		BeforeEach(func() {
			cfg.Wait.TimeoutMinutes = config.MinTimeoutMinutes
			cfg.Wait.IntervalSeconds = config.MaxIntervalSeconds
			api.EXPECT().FetchStatus(gomock.Any()).Return(pendingRecords(), nil).MinTimes(5)
		})

		It("times out without starting the export", func() {
			st, err := newOrchestrator().Run(context.Background())

			var timeout *preload.SyncTimeoutError
			Expect(err).To(BeAssignableToTypeOf(timeout))
			Expect(preload.ExitCode(err)).To(Equal(preload.ExitFailure))
			Expect(st.Phase).To(Equal(status.RunPhaseFailed))
			Expect(st.Poll.State).To(Equal(poller.TimedOut.String()))
			Expect(st.Poll.ElapsedSeconds).To(BeNumerically(">", 300))
		})
	})
})
