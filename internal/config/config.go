// Package config provides configuration loading and management for feed-preload.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/feed-preload/internal/filtering"
	"github.com/stacklok/feed-preload/internal/telemetry"
)

const (
	// DefaultTimeoutMinutes is the total feed sync wait when none or an unreadable value is given
	DefaultTimeoutMinutes = 30
	// MinTimeoutMinutes is the lower clamp for the feed sync wait
	MinTimeoutMinutes = 5
	// MaxTimeoutMinutes is the upper clamp for the feed sync wait
	MaxTimeoutMinutes = 300

	// DefaultIntervalSeconds is the poll interval when none or an unreadable value is given
	DefaultIntervalSeconds = 5.0
	// MinIntervalSeconds is the lower clamp for the poll interval
	MinIntervalSeconds = 1.0
	// MaxIntervalSeconds is the upper clamp for the poll interval
	MaxIntervalSeconds = 60.0

	// DefaultConfirmations is the number of confirmations to exceed before declaring readiness
	DefaultConfirmations = 5
	// MinConfirmations keeps a single fully synced reading from declaring readiness
	MinConfirmations = 1

	// DefaultBaseURL is the engine API of a local compose deployment
	DefaultBaseURL = "http://localhost:8228/v1"
	// DefaultUsername is the engine's default admin user
	DefaultUsername = "admin"
	// DefaultRequestTimeout bounds a single engine API request
	DefaultRequestTimeout = "20s"
	// DefaultAvailabilityInterval is the delay between two health checks
	DefaultAvailabilityInterval = "5s"

	// PasswordEnvVar supplies the engine password when no password file is configured
	PasswordEnvVar = "FEED_PRELOAD_ENGINE_PASSWORD"

	// DefaultEngineService is the compose service running the engine
	DefaultEngineService = "anchore-engine"
	// DefaultDBService is the compose service running PostgreSQL
	DefaultDBService = "anchore-db"

	// DefaultDBUser is the PostgreSQL user running the export
	DefaultDBUser = "postgres"
	// DefaultExportPath is where the compressed export is written inside the database container
	DefaultExportPath = "/docker-entrypoint-initdb.d/anchore-bootstrap.sql.gz"
	// DefaultCompressionLevel is the pg_dump compression level
	DefaultCompressionLevel = 9
	// DefaultImageTag is the tag given to the packaged image
	DefaultImageTag = "anchore/engine-db-preload:dev"
	// DefaultLockPath guards the working directory against a second concurrent run
	DefaultLockPath = ".feed-preload.lock"
)

// DefaultExcludeTableData lists service-local tables whose rows must not be baked into the snapshot
var DefaultExcludeTableData = []string{
	"anchore",
	"users",
	"services",
	"leases",
	"tasks",
	"queues",
	"queuemeta",
	"accounts",
	"account_users",
	"user_access_credentials",
}

// DefaultSlimTables lists the large reference dataset tables excluded by --slim
var DefaultSlimTables = []string{
	"feed_data_nvdv2_vulnerabilities",
	"feed_data_cpev2_vulnerabilities",
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path      string
	overrides []func(*Config)
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// WithOverride applies fn after the file is read and before clamping and validation.
// Overrides run in the order given.
func WithOverride(fn func(*Config)) Option {
	return func(cfg *loaderConfig) error {
		if fn != nil {
			cfg.overrides = append(cfg.overrides, fn)
		}
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Wait     WaitConfig     `yaml:"wait"`
	Compose  ComposeConfig  `yaml:"compose"`
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// ReportPath is where the run report is written. Empty disables the report.
	ReportPath string `yaml:"reportPath,omitempty"`

	// LockPath is the lock file guarding against concurrent runs. Empty disables locking.
	LockPath string `yaml:"lockPath,omitempty"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// EngineConfig defines how to reach the engine API
type EngineConfig struct {
	// BaseURL is the API root, e.g. "http://localhost:8228/v1"
	BaseURL string `yaml:"baseURL"`

	Username string `yaml:"username"`

	// Password is an inline password. PasswordFile and the environment take precedence.
	Password string `yaml:"password,omitempty"`

	// PasswordFile is the path to a file containing the password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// VerifyTLS enables certificate verification. Local deployments use self-signed certificates.
	VerifyTLS bool `yaml:"verifyTLS"`

	// RequestTimeout bounds a single request (e.g. "20s"). It is cut below the poll interval when it would reach it.
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// HealthPath is the availability endpoint relative to BaseURL
	HealthPath string `yaml:"healthPath,omitempty"`
}

// WaitConfig defines the availability and feed sync waits
type WaitConfig struct {
	// TimeoutMinutes is the total feed sync wait, clamped to [5, 300]
	TimeoutMinutes int `yaml:"timeoutMinutes"`

	// IntervalSeconds is the poll interval, clamped to [1.0, 60.0]
	IntervalSeconds float64 `yaml:"intervalSeconds"`

	// Confirmations is the number of consecutive fully-synced cycles to exceed before readiness
	Confirmations int `yaml:"confirmations"`

	// MaxConsecutiveErrors fails the wait after this many retryable errors in a row. Zero means unlimited.
	MaxConsecutiveErrors int `yaml:"maxConsecutiveErrors,omitempty"`

	// SkipAvailability skips the pre-flight health check
	SkipAvailability bool `yaml:"skipAvailability,omitempty"`

	// AvailabilityTimeout bounds the pre-flight wait. Defaults to the feed sync timeout.
	AvailabilityTimeout string `yaml:"availabilityTimeout,omitempty"`

	// AvailabilityInterval is the delay between two health checks
	AvailabilityInterval string `yaml:"availabilityInterval,omitempty"`

	// GroupFreshness, when set (e.g. "12h"), reports groups synced longer ago as pending.
	// It never affects readiness.
	GroupFreshness string `yaml:"groupFreshness,omitempty"`

	// IncludeGroups and ExcludeGroups are glob patterns (e.g. "nvdv2:*") selecting the groups
	// shown in progress reports. Readiness is decided per feed and ignores them.
	IncludeGroups []string `yaml:"includeGroups,omitempty"`
	ExcludeGroups []string `yaml:"excludeGroups,omitempty"`
}

// ComposeConfig defines the docker compose deployment
type ComposeConfig struct {
	// Command is the compose invocation, e.g. ["docker", "compose"] or ["docker-compose"]
	Command []string `yaml:"command,omitempty"`

	// ProjectName is passed as --project-name and restricts discovery
	ProjectName string `yaml:"projectName,omitempty"`

	// File is passed as --file
	File string `yaml:"file,omitempty"`

	EngineService string `yaml:"engineService"`
	DBService     string `yaml:"dbService"`

	// DBContainer is the container name used by docker cp. Empty uses the discovered container,
	// or "compose cp" on the service when discovery is skipped.
	DBContainer string `yaml:"dbContainer,omitempty"`

	// SkipDiscovery skips the running-container check
	SkipDiscovery bool `yaml:"skipDiscovery,omitempty"`
}

// SnapshotConfig defines the database export and packaging
type SnapshotConfig struct {
	DBUser           string   `yaml:"dbUser"`
	ExportPath       string   `yaml:"exportPath"`
	CompressionLevel int      `yaml:"compressionLevel"`
	ExcludeTableData []string `yaml:"excludeTableData,omitempty"`

	// Slim additionally excludes the data of SlimTables
	Slim       bool     `yaml:"slim,omitempty"`
	SlimTables []string `yaml:"slimTables,omitempty"`

	// OutputDir receives the copied export
	OutputDir string `yaml:"outputDir"`

	// ImageTag is the tag of the packaged image
	ImageTag string `yaml:"imageTag,omitempty"`

	// ImageTarball, when set, packages the export into an image tarball at this path
	ImageTarball string `yaml:"imageTarball,omitempty"`

	// BaseImage is the image the export layer is appended to, e.g. "postgres:9.6".
	// Empty produces a data-only image.
	BaseImage string `yaml:"baseImage,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BaseURL:        DefaultBaseURL,
			Username:       DefaultUsername,
			RequestTimeout: DefaultRequestTimeout,
		},
		Wait: WaitConfig{
			TimeoutMinutes:       DefaultTimeoutMinutes,
			IntervalSeconds:      DefaultIntervalSeconds,
			Confirmations:        DefaultConfirmations,
			AvailabilityInterval: DefaultAvailabilityInterval,
		},
		Compose: ComposeConfig{
			Command:       []string{"docker", "compose"},
			EngineService: DefaultEngineService,
			DBService:     DefaultDBService,
		},
		Snapshot: SnapshotConfig{
			DBUser:           DefaultDBUser,
			ExportPath:       DefaultExportPath,
			CompressionLevel: DefaultCompressionLevel,
			ExcludeTableData: append([]string(nil), DefaultExcludeTableData...),
			SlimTables:       append([]string(nil), DefaultSlimTables...),
			OutputDir:        ".",
			ImageTag:         DefaultImageTag,
		},
		LockPath: DefaultLockPath,
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file (if any), then overrides.
// The result is clamped and validated and must not be modified afterwards.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	config := Default()

	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Unmarshal over the defaults so omitted keys keep their default value
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	for _, override := range loaderCfg.overrides {
		override(config)
	}

	config.clamp()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ClampTimeoutMinutes bounds minutes to [MinTimeoutMinutes, MaxTimeoutMinutes]; zero means the default
func ClampTimeoutMinutes(minutes int) int {
	switch {
	case minutes == 0:
		return DefaultTimeoutMinutes
	case minutes < MinTimeoutMinutes:
		return MinTimeoutMinutes
	case minutes > MaxTimeoutMinutes:
		return MaxTimeoutMinutes
	default:
		return minutes
	}
}

// ClampIntervalSeconds bounds seconds to [MinIntervalSeconds, MaxIntervalSeconds]; zero and NaN mean the default
func ClampIntervalSeconds(seconds float64) float64 {
	switch {
	case seconds == 0 || math.IsNaN(seconds):
		return DefaultIntervalSeconds
	case seconds < MinIntervalSeconds:
		return MinIntervalSeconds
	case seconds > MaxIntervalSeconds:
		return MaxIntervalSeconds
	default:
		return seconds
	}
}

// ParseTimeoutMinutes parses a positional timeout argument, falling back to the default when unreadable
func ParseTimeoutMinutes(s string) int {
	minutes, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return DefaultTimeoutMinutes
	}
	if minutes == 0 {
		return MinTimeoutMinutes
	}
	return ClampTimeoutMinutes(minutes)
}

// ParseIntervalSeconds parses a positional interval argument, falling back to the default when unreadable
func ParseIntervalSeconds(s string) float64 {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(seconds) {
		return DefaultIntervalSeconds
	}
	if seconds == 0 {
		return MinIntervalSeconds
	}
	return ClampIntervalSeconds(seconds)
}

func (c *Config) clamp() {
	c.Wait.TimeoutMinutes = ClampTimeoutMinutes(c.Wait.TimeoutMinutes)
	c.Wait.IntervalSeconds = ClampIntervalSeconds(c.Wait.IntervalSeconds)
	c.Engine.BaseURL = strings.TrimSuffix(c.Engine.BaseURL, "/")
}

// Timeout returns the total feed sync wait
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Wait.TimeoutMinutes) * time.Minute
}

// Interval returns the poll interval
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Wait.IntervalSeconds * float64(time.Second))
}

// RequestTimeout returns the per-request timeout, always strictly shorter than the poll interval.
// A timeout that would reach the interval is cut to 90% of it.
func (c *Config) RequestTimeout() time.Duration {
	timeout := durationOrZero(c.Engine.RequestTimeout)
	if timeout <= 0 {
		timeout = durationOrZero(DefaultRequestTimeout)
	}
	if interval := c.Interval(); timeout >= interval {
		return interval - interval/10
	}
	return timeout
}

// AvailabilityTimeout returns the pre-flight wait bound, defaulting to the feed sync timeout
func (c *Config) AvailabilityTimeout() time.Duration {
	if d := durationOrZero(c.Wait.AvailabilityTimeout); d > 0 {
		return d
	}
	return c.Timeout()
}

// AvailabilityInterval returns the delay between two health checks
func (c *Config) AvailabilityInterval() time.Duration {
	if d := durationOrZero(c.Wait.AvailabilityInterval); d > 0 {
		return d
	}
	return durationOrZero(DefaultAvailabilityInterval)
}

// GroupFreshness returns the reporting freshness window, zero when disabled
func (c *Config) GroupFreshness() time.Duration {
	return durationOrZero(c.Wait.GroupFreshness)
}

// ExcludedTables returns the tables whose data is excluded from the export
func (c *Config) ExcludedTables() []string {
	tables := append([]string(nil), c.Snapshot.ExcludeTableData...)
	if c.Snapshot.Slim {
		tables = append(tables, c.Snapshot.SlimTables...)
	}
	return dedupe(tables)
}

// GetPassword returns the engine password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the FEED_PRELOAD_ENGINE_PASSWORD environment variable
// 3. The inline Password
func (e *EngineConfig) GetPassword() (string, error) {
	if e.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(e.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", e.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(PasswordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	if e.Password != "" {
		return e.Password, nil
	}

	return "", fmt.Errorf(
		"no engine password configured: set engine.passwordFile, engine.password or the %s environment variable",
		PasswordEnvVar,
	)
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error
	errs = append(errs, c.Engine.validate()...)
	errs = append(errs, c.Wait.validate()...)
	errs = append(errs, c.Compose.validate()...)
	errs = append(errs, c.Snapshot.validate()...)

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (e *EngineConfig) validate() []error {
	var errs []error

	u, err := url.Parse(e.BaseURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("engine.baseURL: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("engine.baseURL must use http or https, got %q", e.BaseURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("engine.baseURL must include a host, got %q", e.BaseURL))
	}

	if e.Username == "" {
		errs = append(errs, fmt.Errorf("engine.username is required"))
	}
	if err := validateDuration("engine.requestTimeout", e.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (w *WaitConfig) validate() []error {
	var errs []error
	if w.Confirmations < MinConfirmations {
		errs = append(errs, fmt.Errorf("wait.confirmations must be at least %d, got %d", MinConfirmations, w.Confirmations))
	}
	if w.MaxConsecutiveErrors < 0 {
		errs = append(errs, fmt.Errorf("wait.maxConsecutiveErrors must not be negative, got %d", w.MaxConsecutiveErrors))
	}
	for field, value := range map[string]string{
		"wait.availabilityTimeout":  w.AvailabilityTimeout,
		"wait.availabilityInterval": w.AvailabilityInterval,
		"wait.groupFreshness":       w.GroupFreshness,
	} {
		if err := validateDuration(field, value); err != nil {
			errs = append(errs, err)
		}
	}
	if err := filtering.ValidatePatterns(w.IncludeGroups); err != nil {
		errs = append(errs, fmt.Errorf("wait.includeGroups: %w", err))
	}
	if err := filtering.ValidatePatterns(w.ExcludeGroups); err != nil {
		errs = append(errs, fmt.Errorf("wait.excludeGroups: %w", err))
	}
	return errs
}

func (c *ComposeConfig) validate() []error {
	var errs []error
	if len(c.Command) == 0 || c.Command[0] == "" {
		errs = append(errs, fmt.Errorf("compose.command is required"))
	}
	if c.EngineService == "" {
		errs = append(errs, fmt.Errorf("compose.engineService is required"))
	}
	if c.DBService == "" {
		errs = append(errs, fmt.Errorf("compose.dbService is required"))
	}
	return errs
}

func (s *SnapshotConfig) validate() []error {
	var errs []error
	if s.DBUser == "" {
		errs = append(errs, fmt.Errorf("snapshot.dbUser is required"))
	}
	if !path.IsAbs(s.ExportPath) {
		errs = append(errs, fmt.Errorf("snapshot.exportPath must be an absolute path inside the container, got %q", s.ExportPath))
	}
	if s.CompressionLevel < 0 || s.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf("snapshot.compressionLevel must be between 0 and 9, got %d", s.CompressionLevel))
	}
	for _, table := range append(append([]string(nil), s.ExcludeTableData...), s.SlimTables...) {
		if !tableNamePattern.MatchString(table) {
			errs = append(errs, fmt.Errorf("snapshot: invalid table name %q", table))
		}
	}
	if s.OutputDir == "" {
		errs = append(errs, fmt.Errorf("snapshot.outputDir is required"))
	}
	if s.ImageTarball != "" {
		if _, err := name.NewTag(s.ImageTag); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.imageTag: %w", err))
		}
	}
	if s.BaseImage != "" {
		if _, err := name.ParseReference(s.BaseImage); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.baseImage: %w", err))
		}
	}
	return errs
}

func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '20s', '12h'): %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", field, value)
	}
	return nil
}

// durationOrZero returns zero for empty or invalid values; validate reports the latter
func durationOrZero(value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
