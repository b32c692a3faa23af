package runner

import (
	"errors"
	"time"

	"cronbat/internal/runstate"
)

// Config controls the execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// Shell runs commands as `<shell> -c <command>`. Empty means $SHELL,
	// falling back to /bin/sh.
	Shell string
}

// Trigger origins, carried on requests and surfaced in logs/events.
const (
	TriggerCron       = "cron"
	TriggerManual     = "manual"
	TriggerDependency = "dependency"
)

// Request asks for one execution of a job's resolved command. The caller has
// already checked pause state and joined multi-line commands.
type Request struct {
	JobID   string
	Command string
	Trigger string
}

// Result reports one completed execution. ExitCode -1 means the process
// could not even be spawned; that is captured as a failed run, never
// propagated as an error to whoever triggered it.
type Result struct {
	JobID    string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	ExitCode int
	State    runstate.State
	Output   []string
}

// Succeeded reports whether the command exited with code 0.
func (r Result) Succeeded() bool { return r.State == runstate.Success }

var (
	ErrStopped = errors.New("runner stopped")

	// ErrQueueFull is returned when the submit queue is saturated. Cron and
	// fan-out triggers treat this as a dropped slot; manual runs surface it.
	ErrQueueFull = errors.New("runner queue full")

	// ErrAlreadyRunning rejects a trigger for a job whose previous run is
	// still in flight. The trigger is rejected, not queued; the cron clock
	// catches the next eligible slot naturally.
	ErrAlreadyRunning = errors.New("job is already running")
)
