package scheduler

import (
	"errors"

	"cronbat/internal/depgraph"
	"cronbat/internal/scheduler/runner"
)

var (
	// ErrValidation covers missing/empty required fields and unrecognized
	// update fields. Wrapped with a field-specific message.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for unknown job ids, execution timestamps, or
	// dependency edges.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName rejects a create/update that would reuse another
	// job's name.
	ErrDuplicateName = errors.New("job name already in use")

	// ErrInvalidSchedule rejects an unparsable cron expression. The job
	// change carrying it is not applied.
	ErrInvalidSchedule = errors.New("invalid cron schedule")

	// ErrPaused rejects a manual run of a paused job.
	ErrPaused = errors.New("job is paused")

	// Re-exported collaborator sentinels so callers only import this package.
	ErrSelfDependency = depgraph.ErrSelfEdge
	ErrCycle          = depgraph.ErrCycle
	ErrAlreadyRunning = runner.ErrAlreadyRunning
)
