// Package runstate tracks what each job is doing right now and what it has
// printed so far in the current run.
//
// The store is purely transient: it is rebuilt from nothing on process
// restart. Persisted execution history is the durable record of past runs.
package runstate

import "sync"

// State classifies a job's current activity.
type State string

const (
	Idle    State = "idle"
	Running State = "running"
	Success State = "success"
	Failed  State = "failed"
)

// Store is the single source of truth for transient per-job run state and
// live-log buffers, plus the per-job in-flight gate that serializes
// executions of the same job. All methods are safe for concurrent use;
// critical sections hold no I/O.
type Store struct {
	mu       sync.Mutex
	states   map[string]State
	logs     map[string][]string
	inflight map[string]bool
}

func New() *Store {
	return &Store{
		states:   make(map[string]State),
		logs:     make(map[string][]string),
		inflight: make(map[string]bool),
	}
}

// State returns the job's current run state; unknown jobs are Idle.
func (s *Store) State(jobID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[jobID]; ok {
		return st
	}
	return Idle
}

// SetState records the job's run state.
func (s *Store) SetState(jobID string, st State) {
	s.mu.Lock()
	s.states[jobID] = st
	s.mu.Unlock()
}

// TryAcquire claims the job's single in-flight slot. It reports false when a
// run is already claimed or in flight: at most one execution per job id
// exists at a time, and a later trigger is rejected rather than queued.
//
// The claim spans from enqueue until the completed execution has been
// written through, so the gate also covers queue time.
func (s *Store) TryAcquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[jobID] {
		return false
	}
	s.inflight[jobID] = true
	return true
}

// Release frees the in-flight slot claimed by TryAcquire.
func (s *Store) Release(jobID string) {
	s.mu.Lock()
	delete(s.inflight, jobID)
	s.mu.Unlock()
}

// BeginRun marks the job Running and discards any stale output left from a
// previous run. Called when execution actually starts, not at enqueue.
func (s *Store) BeginRun(jobID string) {
	s.mu.Lock()
	s.states[jobID] = Running
	s.logs[jobID] = nil
	s.mu.Unlock()
}

// AppendLine appends one output line to the job's live buffer. Lines from a
// single run are observable in append order.
func (s *Store) AppendLine(jobID, line string) {
	s.mu.Lock()
	s.logs[jobID] = append(s.logs[jobID], line)
	s.mu.Unlock()
}

// LiveLog returns a copy of the in-progress run's output lines.
func (s *Store) LiveLog(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.logs[jobID]
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// Forget drops all transient state for a removed job.
func (s *Store) Forget(jobID string) {
	s.mu.Lock()
	delete(s.states, jobID)
	delete(s.logs, jobID)
	delete(s.inflight, jobID)
	s.mu.Unlock()
}
