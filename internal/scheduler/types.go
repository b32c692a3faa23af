package scheduler

import (
	"strings"
	"time"

	"cronbat/internal/runstate"
	"cronbat/internal/scheduler/runner"
	"cronbat/internal/storage"
)

// Config controls the scheduler engine.
type Config struct {
	// Timezone is the IANA TZ the cron clock runs in. Empty means local.
	Timezone string

	Runner runner.Config

	// MaxExecutions is the per-job history retention cap.
	MaxExecutions int
}

// JobSpec is the input for AddJob. Command may span multiple lines; they are
// joined with "; " into a single shell invocation so every line shares the
// same shell session.
type JobSpec struct {
	Name        string
	Command     string
	Schedule    string // empty means no cron trigger
	Description string
}

// JobUpdate is the explicit, enumerated set of updatable fields. Nil means
// "leave unchanged"; an empty *Schedule clears the cron trigger.
type JobUpdate struct {
	Name        *string
	Command     *string
	Schedule    *string
	Description *string
	IsPaused    *bool
}

// JobView is a job definition joined with its transient run state, derived
// trigger type, and next scheduled fire time.
type JobView struct {
	storage.Job
	State       runstate.State
	TriggerType string
	NextRun     *time.Time
}

// joinCommand collapses a multi-line command into one shell invocation.
// Joining with "; " (rather than running lines separately) is deliberate:
// every line shares the same shell session and environment.
func joinCommand(command string) string {
	parts := strings.Split(command, "\n")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
