package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateName is returned when a job name is already taken by
	// another job. Job names are unique across the whole table.
	ErrDuplicateName = errors.New("job name already in use")
)

// Config configures storage.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// LogsPath is the directory holding one output file per execution.
	LogsPath string
	// BusyTimeout for the SQLite connection; 0 means default.
	BusyTimeout time.Duration
}

// Trigger types derived from the dependency edge set. A job is
// dependency-triggered iff it has at least one incoming edge.
const (
	TriggerScheduled  = "schedule"
	TriggerDependency = "dependency"
)

// Run outcome states recorded on executions.
const (
	StateSuccess = "success"
	StateFailed  = "failed"
)

// Job is the persisted job definition.
type Job struct {
	ID          string
	Name        string
	Command     string
	Schedule    string // empty when dependency-triggered
	Description string
	CreatedAt   time.Time
	LastRun     *time.Time
	IsPaused    bool
}

// JobUpdate is the explicit, enumerated set of updatable fields.
// Nil pointers mean "leave unchanged". An empty *Schedule clears the
// schedule (dependency-triggered jobs have none).
type JobUpdate struct {
	Name        *string
	Command     *string
	Schedule    *string
	Description *string
	IsPaused    *bool
}

// Execution is one completed run attempt. Timestamp (start time) is the
// identity key for per-job lookups.
type Execution struct {
	ID        int64
	JobID     string
	JobName   string // filled on cross-job queries
	Timestamp time.Time
	State     string
	ExitCode  int
	Duration  float64 // wall-clock seconds
	LogFile   string
}

// ExecutionLog is the durable output of one execution.
type ExecutionLog struct {
	Timestamp time.Time
	Output    string
	ExitCode  int
	Duration  float64
}

// Dependency is one parent→child edge.
type Dependency struct {
	ParentJobID string
	ChildJobID  string
}
