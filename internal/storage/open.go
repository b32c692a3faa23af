package storage

import (
	"context"
	"time"

	logx "cronbat/pkg/logx"
)

// Store is the persistence API consumed by the scheduler engine.
//
// Implementations serialize their own writes; callers treat every call as a
// bounded-latency, fallible operation and never hold engine locks across it.
type Store interface {
	GetJobs(ctx context.Context) ([]Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	GetJobByName(ctx context.Context, name string) (Job, error)
	AddJob(ctx context.Context, j Job) error
	UpdateJob(ctx context.Context, id string, upd JobUpdate) error
	RemoveJob(ctx context.Context, id string) error

	// AddExecution writes the log artifact, stamps the job's last_run with
	// the execution timestamp, and inserts the record.
	AddExecution(ctx context.Context, jobID, state string, exitCode int, duration float64, logContent string) (Execution, error)
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error)
	GetAllExecutions(ctx context.Context, limit int) ([]Execution, error)
	GetExecutionLog(ctx context.Context, jobID string, timestamp time.Time) (ExecutionLog, error)

	// CleanupOldExecutions deletes every execution of jobID beyond the
	// maxCount most recent ones and returns the removed artifact paths so
	// the caller can unlink them.
	CleanupOldExecutions(ctx context.Context, jobID string, maxCount int) ([]string, error)

	// AddDependency reports false when the edge already existed.
	AddDependency(ctx context.Context, parentID, childID string) (bool, error)
	// RemoveDependency reports false when the edge was absent.
	RemoveDependency(ctx context.Context, parentID, childID string) (bool, error)
	GetDependencies(ctx context.Context) ([]Dependency, error)
	GetJobDependencies(ctx context.Context, jobID string) ([]Dependency, error)
	// GetDependents returns the unpaused direct children of jobID.
	GetDependents(ctx context.Context, jobID string) ([]Job, error)

	Close() error
}

// Open initializes the SQLite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
