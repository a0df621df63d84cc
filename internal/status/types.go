package status

import "time"

// RunPhase represents the phase a preload run is in
type RunPhase string

const (
	// RunPhasePending means the run has not started any work yet
	RunPhasePending RunPhase = "Pending"

	// RunPhaseDiscovering means the compose containers are being located
	RunPhaseDiscovering RunPhase = "Discovering"

	// RunPhaseWaitingForEngine means the engine API is not yet answering
	RunPhaseWaitingForEngine RunPhase = "WaitingForEngine"

	// RunPhaseTriggering means the feed sync is being requested
	RunPhaseTriggering RunPhase = "Triggering"

	// RunPhaseSyncing means the readiness poll is running
	RunPhaseSyncing RunPhase = "Syncing"

	// RunPhaseExporting means the external command sequence is running
	RunPhaseExporting RunPhase = "Exporting"

	// RunPhasePackaging means the export is being wrapped into an image
	RunPhasePackaging RunPhase = "Packaging"

	// RunPhaseComplete means the run finished successfully
	RunPhaseComplete RunPhase = "Complete"

	// RunPhaseFailed means the run stopped on a fatal error
	RunPhaseFailed RunPhase = "Failed"

	// RunPhaseInterrupted means the run was cancelled by a signal
	RunPhaseInterrupted RunPhase = "Interrupted"
)

// Terminal reports whether no further phase change follows
func (p RunPhase) Terminal() bool {
	switch p {
	case RunPhaseComplete, RunPhaseFailed, RunPhaseInterrupted:
		return true
	default:
		return false
	}
}

// StepPhase represents the state of a single external step
type StepPhase string

const (
	StepPhasePending   StepPhase = "Pending"
	StepPhaseRunning   StepPhase = "Running"
	StepPhaseSucceeded StepPhase = "Succeeded"
	StepPhaseFailed    StepPhase = "Failed"
)

// RunStatus is the persisted report of a preload run
type RunStatus struct {
	// RunID identifies the run in logs, traces and the report
	RunID string `json:"runId"`

	Phase   RunPhase `json:"phase"`
	Message string   `json:"message,omitempty"`

	// Engine is the base URL of the engine API
	Engine string `json:"engine,omitempty"`

	StartedAt  time.Time  `json:"startedAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Poll     *PollStatus     `json:"poll,omitempty"`
	Steps    []StepStatus    `json:"steps,omitempty"`
	Artifact *ArtifactStatus `json:"artifact,omitempty"`

	// Error holds the fatal error message when Phase is Failed or Interrupted
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// PollStatus summarises the readiness poll as of its latest cycle
type PollStatus struct {
	State          string   `json:"state"`
	Cycles         int      `json:"cycles"`
	Confirmations  int      `json:"confirmations"`
	ElapsedSeconds float64  `json:"elapsedSeconds"`
	GroupsSynced   int      `json:"groupsSynced"`
	GroupsTotal    int      `json:"groupsTotal"`
	SyncedGroups   []string `json:"syncedGroups,omitempty"`
	PendingGroups  []string `json:"pendingGroups,omitempty"`
	LastError      string   `json:"lastError,omitempty"`
}

// StepStatus records one external command of the export sequence
type StepStatus struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Command     string    `json:"command"`
	Phase       StepPhase `json:"phase"`

	// ExitCode is nil until the step has run
	ExitCode        *int       `json:"exitCode,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	DurationSeconds float64    `json:"durationSeconds,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ArtifactStatus describes what the run produced
type ArtifactStatus struct {
	// Path is the exported dump on the host
	Path string `json:"path"`

	SizeBytes int64 `json:"sizeBytes,omitempty"`

	// Image is the tag written into the image tarball, if packaging ran
	Image        string `json:"image,omitempty"`
	ImageTarball string `json:"imageTarball,omitempty"`
	ImageDigest  string `json:"imageDigest,omitempty"`
}
