package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronbat/internal/eventbus"
	"cronbat/internal/scheduler/runner"
	"cronbat/internal/storage"
	logx "cronbat/pkg/logx"
)

// AddJob validates and persists a new job definition. New jobs start
// unpaused; a non-empty schedule arms a cron timer immediately.
func (s *Service) AddJob(ctx context.Context, spec JobSpec) (JobView, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return JobView{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	command := joinCommand(spec.Command)
	if command == "" {
		return JobView{}, fmt.Errorf("%w: command is required", ErrValidation)
	}
	schedule := strings.TrimSpace(spec.Schedule)
	if schedule != "" {
		if err := s.triggers.validate(schedule); err != nil {
			return JobView{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetJobByName(ctx, name); err == nil {
		return JobView{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return JobView{}, err
	}

	job := storage.Job{
		ID:          uuid.NewString(),
		Name:        name,
		Command:     command,
		Schedule:    schedule,
		Description: strings.TrimSpace(spec.Description),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AddJob(ctx, job); err != nil {
		return JobView{}, mapStoreErr(err)
	}
	if schedule != "" {
		if err := s.triggers.schedule(job.ID, schedule); err != nil {
			// Validated above; treat a late failure as a defect, not fatal.
			s.log.Error("failed to arm timer", logx.String("job", job.ID), logx.Err(err))
		}
	}

	view := s.view(job)
	s.log.Info("job added", logx.String("job", job.ID), logx.String("name", name))
	s.publishJobEvent(eventbus.TypeJobAdded, view)
	return view, nil
}

// UpdateJob applies the non-nil fields of upd. A schedule change replaces the
// job's timer; clearing it (empty string) leaves the job inert until a new
// schedule or dependency edge is set.
func (s *Service) UpdateJob(ctx context.Context, id string, upd JobUpdate) (JobView, error) {
	st := storage.JobUpdate{Description: upd.Description, IsPaused: upd.IsPaused}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return JobView{}, fmt.Errorf("%w: name cannot be empty", ErrValidation)
		}
		st.Name = &name
	}
	if upd.Command != nil {
		command := joinCommand(*upd.Command)
		if command == "" {
			return JobView{}, fmt.Errorf("%w: command cannot be empty", ErrValidation)
		}
		st.Command = &command
	}
	if upd.Schedule != nil {
		schedule := strings.TrimSpace(*upd.Schedule)
		if schedule != "" {
			if err := s.triggers.validate(schedule); err != nil {
				return JobView{}, err
			}
		}
		st.Schedule = &schedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpdateJob(ctx, id, st); err != nil {
		return JobView{}, mapStoreErr(err)
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return JobView{}, mapStoreErr(err)
	}
	s.resyncTrigger(job)

	view := s.view(job)
	s.log.Info("job updated", logx.String("job", id))
	s.publishJobEvent(eventbus.TypeJobUpdated, view)
	return view, nil
}

// RemoveJob deletes the definition, its execution history and log artifacts,
// every dependency edge touching it, and its transient state.
func (s *Service) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	view := s.view(job)

	s.triggers.unschedule(id)

	// History rows go with the job via FK cascade; artifacts need unlinking
	// here while the rows still name them.
	execs, err := s.store.GetJobExecutions(ctx, id, 0)
	if err != nil {
		s.log.Warn("history lookup before removal failed", logx.String("job", id), logx.Err(err))
	}
	if err := s.store.RemoveJob(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	for _, e := range execs {
		if e.LogFile == "" {
			continue
		}
		if rmErr := os.Remove(e.LogFile); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.Warn("log artifact delete failed", logx.String("path", e.LogFile), logx.Err(rmErr))
		}
	}

	s.graph.RemoveNode(id)
	s.states.Forget(id)

	s.log.Info("job removed", logx.String("job", id), logx.String("name", job.Name))
	s.publishJobEvent(eventbus.TypeJobRemoved, view)
	return nil
}

// RunJob triggers one manual execution. Unlike cron and fan-out triggers,
// rejections surface to the caller.
func (s *Service) RunJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if job.IsPaused {
		return fmt.Errorf("%w: %s", ErrPaused, job.Name)
	}
	return s.runner.Enqueue(runner.Request{JobID: id, Command: job.Command, Trigger: runner.TriggerManual})
}

// PauseJob suspends triggering: the cron timer is disarmed and the job stops
// receiving dependency fan-out. An in-flight run finishes normally.
func (s *Service) PauseJob(ctx context.Context, id string) (JobView, error) {
	paused := true
	return s.UpdateJob(ctx, id, JobUpdate{IsPaused: &paused})
}

// ResumeJob re-enables triggering and re-arms the cron timer if the job has a
// schedule and no incoming edges.
func (s *Service) ResumeJob(ctx context.Context, id string) (JobView, error) {
	paused := false
	return s.UpdateJob(ctx, id, JobUpdate{IsPaused: &paused})
}

// AddDependency creates the parent→child edge. The child becomes
// dependency-triggered: any cron schedule it carried is cleared and its timer
// disarmed. Self-edges and cycles are rejected before anything is persisted.
func (s *Service) AddDependency(ctx context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetJob(ctx, parentID); err != nil {
		return mapStoreErr(err)
	}
	child, err := s.store.GetJob(ctx, childID)
	if err != nil {
		return mapStoreErr(err)
	}

	added, err := s.graph.AddEdge(parentID, childID)
	if err != nil {
		return err
	}
	if _, err := s.store.AddDependency(ctx, parentID, childID); err != nil {
		if added {
			s.graph.RemoveEdge(parentID, childID)
		}
		return err
	}
	if !added {
		return nil
	}

	if child.Schedule != "" {
		empty := ""
		if err := s.store.UpdateJob(ctx, childID, storage.JobUpdate{Schedule: &empty}); err != nil {
			s.log.Warn("failed to clear child schedule", logx.String("job", childID), logx.Err(err))
		}
		child.Schedule = ""
	}
	s.triggers.unschedule(childID)

	s.log.Info("dependency added", logx.String("parent", parentID), logx.String("child", childID))
	s.publishJobEvent(eventbus.TypeJobUpdated, s.view(child))
	return nil
}

// RemoveDependency deletes the parent→child edge; absent edges are a no-op
// success. Losing its last incoming edge reverts the child to scheduled, but
// it stays inert until a schedule is set.
func (s *Service) RemoveDependency(ctx context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removedDB, err := s.store.RemoveDependency(ctx, parentID, childID)
	if err != nil {
		return err
	}
	removedMem := s.graph.RemoveEdge(parentID, childID)
	if !removedMem && !removedDB {
		return nil
	}

	if child, err := s.store.GetJob(ctx, childID); err == nil {
		s.resyncTrigger(child)
		s.publishJobEvent(eventbus.TypeJobUpdated, s.view(child))
	}
	s.log.Info("dependency removed", logx.String("parent", parentID), logx.String("child", childID))
	return nil
}

// GetJobs lists every job joined with its transient state.
func (s *Service) GetJobs(ctx context.Context) ([]JobView, error) {
	jobs, err := s.store.GetJobs(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, len(jobs))
	for i, j := range jobs {
		views[i] = s.view(j)
	}
	return views, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (JobView, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return JobView{}, mapStoreErr(err)
	}
	return s.view(job), nil
}

// GetJobLiveLog returns the output lines of the job's in-progress (or most
// recently finished) run.
func (s *Service) GetJobLiveLog(ctx context.Context, id string) ([]string, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.states.LiveLog(id), nil
}

func (s *Service) GetJobExecutions(ctx context.Context, id string, limit int) ([]storage.Execution, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.store.GetJobExecutions(ctx, id, limit)
}

func (s *Service) GetAllExecutions(ctx context.Context, limit int) ([]storage.Execution, error) {
	return s.store.GetAllExecutions(ctx, limit)
}

func (s *Service) GetExecutionLog(ctx context.Context, id string, timestamp time.Time) (storage.ExecutionLog, error) {
	rec, err := s.store.GetExecutionLog(ctx, id, timestamp)
	if err != nil {
		return storage.ExecutionLog{}, mapStoreErr(err)
	}
	return rec, nil
}

func (s *Service) GetJobDependencies(ctx context.Context, id string) ([]storage.Dependency, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.store.GetJobDependencies(ctx, id)
}

func (s *Service) GetAllDependencies(ctx context.Context) ([]storage.Dependency, error) {
	return s.store.GetDependencies(ctx)
}

// view joins a persisted definition with transient state and derived fields.
func (s *Service) view(j storage.Job) JobView {
	v := JobView{
		Job:         j,
		State:       s.states.State(j.ID),
		TriggerType: storage.TriggerScheduled,
		NextRun:     s.triggers.next(j.ID),
	}
	if s.graph.HasParents(j.ID) {
		v.TriggerType = storage.TriggerDependency
	}
	return v
}

// resyncTrigger realigns the job's cron timer with its current definition:
// armed iff it has a schedule, is unpaused, and is not dependency-triggered.
func (s *Service) resyncTrigger(j storage.Job) {
	s.triggers.unschedule(j.ID)
	if j.Schedule == "" || j.IsPaused || s.graph.HasParents(j.ID) {
		return
	}
	if err := s.triggers.schedule(j.ID, j.Schedule); err != nil {
		s.log.Error("failed to arm timer", logx.String("job", j.ID), logx.Err(err))
	}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, storage.ErrDuplicateName):
		return fmt.Errorf("%w: %v", ErrDuplicateName, err)
	default:
		return err
	}
}
