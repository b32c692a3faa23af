// Package scheduler is the engine façade: it composes the cron clock, the
// execution runner, transient run state, the dependency graph, retention, and
// durable storage behind one API. Callers (transports, CLIs) talk only to
// this package and to the event bus.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cronbat/internal/depgraph"
	"cronbat/internal/eventbus"
	"cronbat/internal/retention"
	"cronbat/internal/runstate"
	"cronbat/internal/scheduler/runner"
	"cronbat/internal/storage"
	logx "cronbat/pkg/logx"
)

type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	states    *runstate.Store
	runner    *runner.Service
	graph     *depgraph.Graph
	retention *retention.Manager
	triggers  *triggerTable

	// mu serializes definition and edge mutations so the durable set, the
	// in-memory graph, and the trigger table never diverge. Executions do not
	// take it.
	mu      sync.Mutex
	started bool
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		store: store,
		graph: depgraph.New(),
	}
	s.states = runstate.New()
	s.retention = retention.New(store, cfg.MaxExecutions, log.With(logx.String("comp", "retention")))
	s.runner = runner.New(cfg.Runner, s.states, bus, log.With(logx.String("comp", "runner")))
	s.runner.SetCompletionHook(s.onExecutionDone)
	s.triggers = newTriggerTable(func(jobID string) {
		s.triggerRun(context.Background(), jobID, runner.TriggerCron)
	})
	return s
}

// Start restores definitions and edges from storage, arms cron timers for
// unpaused scheduled jobs, and starts the worker pool. In-memory run state is
// not restored: a restart begins with every job idle.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	jobs, err := s.store.GetJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	deps, err := s.store.GetDependencies(ctx)
	if err != nil {
		return fmt.Errorf("restore dependencies: %w", err)
	}
	for _, d := range deps {
		if _, err := s.graph.AddEdge(d.ParentJobID, d.ChildJobID); err != nil {
			// A persisted edge set should already be acyclic; a bad edge is
			// skipped rather than poisoning startup.
			s.log.Warn("dropping persisted dependency edge",
				logx.String("parent", d.ParentJobID),
				logx.String("child", d.ChildJobID),
				logx.Err(err))
		}
	}
	armed := 0
	for _, j := range jobs {
		if j.Schedule == "" || j.IsPaused || s.graph.HasParents(j.ID) {
			continue
		}
		if err := s.triggers.schedule(j.ID, j.Schedule); err != nil {
			s.log.Warn("stored schedule no longer parses",
				logx.String("job", j.ID),
				logx.String("schedule", j.Schedule),
				logx.Err(err))
			continue
		}
		armed++
	}

	s.triggers.start(loc)
	s.runner.Start(ctx)
	s.started = true
	s.log.Info("scheduler started",
		logx.Int("jobs", len(jobs)),
		logx.Int("timers", armed),
		logx.Int("edges", len(deps)),
		logx.String("tz", loc.String()))
	return nil
}

// Stop halts the cron clock and drains in-flight executions.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.triggers.stop()
	s.runner.Stop(ctx)
	s.log.Info("scheduler stopped")
}

// Retention exposes the retention manager so config reloads can re-apply the
// history cap.
func (s *Service) Retention() *retention.Manager { return s.retention }

// triggerRun fires one execution attempt. Pause state is re-checked against
// storage at fire time: a job paused between timer arm and fire must not run.
func (s *Service) triggerRun(ctx context.Context, jobID, trigger string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.log.Warn("trigger for unknown job", logx.String("job", jobID), logx.Err(err))
		return
	}
	if job.IsPaused {
		s.log.Debug("trigger skipped: job paused", logx.String("job", jobID), logx.String("trigger", trigger))
		return
	}
	err = s.runner.Enqueue(runner.Request{JobID: jobID, Command: job.Command, Trigger: trigger})
	switch err {
	case nil:
	case runner.ErrAlreadyRunning:
		// Rejected, not queued. The next eligible trigger fires naturally.
		s.log.Debug("trigger skipped: already running", logx.String("job", jobID), logx.String("trigger", trigger))
	default:
		s.log.Warn("trigger dropped", logx.String("job", jobID), logx.String("trigger", trigger), logx.Err(err))
	}
}

// onExecutionDone is the runner completion hook: write-through to history,
// retention, then success fan-out. It runs with the job's in-flight gate
// still held, so persistence for run N always lands before run N+1 starts.
func (s *Service) onExecutionDone(ctx context.Context, res runner.Result) {
	// The hook runs during shutdown for exactly the runs Stop drains, when
	// the trigger context is already canceled. The run happened; its record
	// must land regardless.
	ctx = context.WithoutCancel(ctx)

	content := strings.Join(res.Output, "\n")
	if content != "" {
		content += "\n"
	}
	state := storage.StateFailed
	if res.Succeeded() {
		state = storage.StateSuccess
	}
	if _, err := s.store.AddExecution(ctx, res.JobID, state, res.ExitCode, res.Duration.Seconds(), content); err != nil {
		// The run still happened; transient state keeps the outcome visible.
		s.log.Error("execution record write failed", logx.String("job", res.JobID), logx.Err(err))
	} else {
		_ = s.retention.Enforce(ctx, res.JobID)
	}

	if res.Succeeded() {
		s.fanOut(ctx, res.JobID)
	}
}

// fanOut triggers every unpaused direct child of a successfully completed
// parent. Each child is an independent attempt: one child being in flight or
// dropped does not affect its siblings.
func (s *Service) fanOut(ctx context.Context, parentID string) {
	children, err := s.store.GetDependents(ctx, parentID)
	if err != nil {
		s.log.Error("dependent lookup failed", logx.String("parent", parentID), logx.Err(err))
		return
	}
	for _, child := range children {
		err := s.runner.Enqueue(runner.Request{
			JobID:   child.ID,
			Command: child.Command,
			Trigger: runner.TriggerDependency,
		})
		switch err {
		case nil:
			s.log.Info("dependent triggered",
				logx.String("parent", parentID),
				logx.String("child", child.ID))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{
					Type: eventbus.TypeJobTriggered,
					Data: eventbus.JobTrigger{
						JobID:    child.ID,
						ParentID: parentID,
						Message:  fmt.Sprintf("triggered by completion of %s", parentID),
					},
				})
			}
		case runner.ErrAlreadyRunning:
			s.log.Debug("dependent skipped: already running",
				logx.String("parent", parentID),
				logx.String("child", child.ID))
		default:
			s.log.Warn("dependent trigger dropped",
				logx.String("parent", parentID),
				logx.String("child", child.ID),
				logx.Err(err))
		}
	}
}

func (s *Service) publishJobEvent(typ string, view JobView) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: view})
}
