package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/feed-preload/internal/config"
	"github.com/stacklok/feed-preload/internal/discovery"
	"github.com/stacklok/feed-preload/internal/feeds"
	"github.com/stacklok/feed-preload/internal/httpclient"
	"github.com/stacklok/feed-preload/internal/logging"
	"github.com/stacklok/feed-preload/internal/preload"
	"github.com/stacklok/feed-preload/internal/runner"
	"github.com/stacklok/feed-preload/internal/status"
	"github.com/stacklok/feed-preload/internal/telemetry"
	"github.com/stacklok/feed-preload/internal/versions"
)

const (
	tracerName               = "github.com/stacklok/feed-preload"
	telemetryShutdownTimeout = 10 * time.Second
	defaultEnvFile           = ".env"
)

var runCmd = &cobra.Command{
	Use:   "run [timeout_minutes] [poll_interval_seconds]",
	Short: "Wait for the feed sync to complete and export the database",
	Long: `Trigger a feed sync on a running engine deployment, wait until every feed is fully synced,
then stop the engine, export its database with pg_dump, copy the export out and tear the
deployment down.

timeout_minutes is clamped to [5, 300] (default 30); poll_interval_seconds to [1, 60] (default 5).
Unreadable values fall back to the defaults.

Settings are read from the --config file, then FEED_PRELOAD_* environment variables and flags.
Exit codes: 0 success, 1 failure, 130 interrupted.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runPreload,
}

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	runCmd.Flags().String("env-file", "", "Load environment variables from this dotenv file (default .env when present)")
	runCmd.Flags().String("base-url", "", "Engine API base URL, e.g. http://localhost:8228/v1")
	runCmd.Flags().String("username", "", "Engine API username")
	runCmd.Flags().Bool("insecure", false, "Skip TLS certificate verification")
	runCmd.Flags().Int("confirmations", config.DefaultConfirmations,
		"Consecutive fully synced polls to exceed before the feeds count as ready")
	runCmd.Flags().Bool("skip-availability", false, "Do not wait for the engine health endpoint before triggering")
	runCmd.Flags().Bool("skip-discovery", false, "Do not check for running compose containers")
	runCmd.Flags().Bool("slim", false, "Exclude the large reference dataset tables from the export")
	runCmd.Flags().String("output-dir", "", "Directory receiving the export")
	runCmd.Flags().String("image-tarball", "", "Also package the export as an image tarball at this path")
	runCmd.Flags().String("report", "", "Write the run report to this file (.json, .yaml or .yml)")
	runCmd.Flags().Lookup("report").NoOptDefVal = status.DefaultReportFileName

	// Flags are bound under their own name, so FEED_PRELOAD_<NAME> sets them too
	runCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			slog.Error("Error binding flag", "flag", flag.Name, "error", err)
		}
	})
	viper.SetEnvPrefix(logging.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func runPreload(cmd *cobra.Command, args []string) error {
	// From here on errors are reported by the run summary
	cmd.SilenceErrors = true
	stderr := cmd.ErrOrStderr()

	if err := loadEnvFile(viper.GetString("env-file")); err != nil {
		writeSummary(stderr, nil, err)
		return err
	}

	cfg, err := loadConfig(viper.GetViper(), args)
	if err != nil {
		writeSummary(stderr, nil, err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := execute(ctx, cmd, cfg)
	writeSummary(stderr, st, err)
	return err
}

func execute(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*status.RunStatus, error) {
	runID := uuid.NewString()
	info := versions.GetVersionInfo()

	tel, err := telemetry.New(ctx,
		telemetry.WithTelemetryConfig(cfg.Telemetry),
		telemetry.WithVersion(info.Version),
		telemetry.WithRunID(runID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down telemetry", "error", err)
		}
	}()

	api, err := newEngineClient(cfg, tel)
	if err != nil {
		return nil, err
	}

	pollMetrics, err := telemetry.NewPollMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create poll metrics: %w", err)
	}
	stepMetrics, err := telemetry.NewStepMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create step metrics: %w", err)
	}

	runnerOpts := []runner.Option{}
	if viper.GetBool("debug") {
		runnerOpts = append(runnerOpts, runner.WithOutput(cmd.ErrOrStderr()))
	}

	opts := []preload.Option{
		preload.WithRunID(runID),
		preload.WithTracer(tel.Tracer(tracerName)),
		preload.WithPollMetrics(pollMetrics),
		preload.WithStepMetrics(stepMetrics),
		preload.WithOutput(cmd.OutOrStdout()),
	}
	if cfg.ReportPath != "" {
		opts = append(opts, preload.WithPersistence(status.NewFilePersistence(cfg.ReportPath)))
	}

	if !cfg.Compose.SkipDiscovery {
		docker, err := discovery.NewDockerClient()
		if err != nil {
			return nil, &preload.DiscoveryError{Err: err}
		}
		defer func() {
			if err := docker.Close(); err != nil {
				slog.Debug("Failed to close docker client", "error", err)
			}
		}()
		opts = append(opts, preload.WithDiscoverer(discovery.NewDockerDiscoverer(docker, discovery.Config{
			EngineService:   cfg.Compose.EngineService,
			DatabaseService: cfg.Compose.DBService,
			Project:         cfg.Compose.ProjectName,
		})))
	}

	o := preload.New(cfg, api, runner.NewExecRunner(runnerOpts...), opts...)
	return o.Run(ctx)
}

// loadEnvFile loads an explicit dotenv file, or .env when it exists. Variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(defaultEnvFile); err != nil {
			return nil
		}
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	slog.Debug("Loaded environment file", "path", path)
	return nil
}

func loadConfig(v *viper.Viper, args []string) (*config.Config, error) {
	opts := []config.Option{}
	if path := v.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	opts = append(opts, config.WithOverride(configOverrides(v, args)))

	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Debug("Configuration loaded",
		"engine", cfg.Engine.BaseURL,
		"timeout", cfg.Timeout(),
		"interval", cfg.Interval(),
		"confirmations", cfg.Wait.Confirmations,
		"slim", cfg.Snapshot.Slim)
	return cfg, nil
}

// configOverrides applies positional arguments and every flag or environment variable that was set
func configOverrides(v *viper.Viper, args []string) func(*config.Config) {
	return func(cfg *config.Config) {
		if len(args) > 0 {
			cfg.Wait.TimeoutMinutes = config.ParseTimeoutMinutes(args[0])
		}
		if len(args) > 1 {
			cfg.Wait.IntervalSeconds = config.ParseIntervalSeconds(args[1])
		}

		if v.IsSet("base-url") {
			cfg.Engine.BaseURL = v.GetString("base-url")
		}
		if v.IsSet("username") {
			cfg.Engine.Username = v.GetString("username")
		}
		if v.IsSet("insecure") {
			cfg.Engine.VerifyTLS = !v.GetBool("insecure")
		}
		if v.IsSet("confirmations") {
			cfg.Wait.Confirmations = v.GetInt("confirmations")
		}
		if v.GetBool("skip-availability") {
			cfg.Wait.SkipAvailability = true
		}
		if v.GetBool("skip-discovery") {
			cfg.Compose.SkipDiscovery = true
		}
		if v.GetBool("slim") {
			cfg.Snapshot.Slim = true
		}
		if v.IsSet("output-dir") {
			cfg.Snapshot.OutputDir = v.GetString("output-dir")
		}
		if v.IsSet("image-tarball") {
			cfg.Snapshot.ImageTarball = v.GetString("image-tarball")
		}
		if v.IsSet("report") {
			cfg.ReportPath = v.GetString("report")
		}
	}
}

func newEngineClient(cfg *config.Config, tel *telemetry.Telemetry) (*feeds.Client, error) {
	password, err := cfg.Engine.GetPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to read engine password: %w", err)
	}

	httpMetrics, err := telemetry.NewHTTPMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	client := httpclient.NewDefaultClient(
		httpclient.WithTimeout(cfg.RequestTimeout()),
		httpclient.WithBasicAuth(httpclient.Credentials{
			Username: cfg.Engine.Username,
			Password: password,
		}),
		httpclient.WithInsecureSkipVerify(!cfg.Engine.VerifyTLS),
		httpclient.WithTransportWrapper(httpMetrics.Transport),
		httpclient.WithTransportWrapper(telemetry.TracingTransport(tel.TracerProvider())),
	)

	return feeds.NewClient(cfg.Engine.BaseURL, client, feeds.WithHealthPath(cfg.Engine.HealthPath)), nil
}
