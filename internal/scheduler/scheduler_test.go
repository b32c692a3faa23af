package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cronbat/internal/eventbus"
	"cronbat/internal/runstate"
	"cronbat/internal/scheduler/runner"
	"cronbat/internal/storage"
	logx "cronbat/pkg/logx"
)

func newTestEngine(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{
		Path:     filepath.Join(dir, "cronbat.db"),
		LogsPath: filepath.Join(dir, "logs"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	eng := New(Config{
		Runner:        runner.Config{Workers: 2, QueueSize: 16, Shell: "/bin/sh"},
		MaxExecutions: 10,
	}, st, eventbus.New(), logx.Nop())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		eng.Stop(context.Background())
		_ = st.Close()
	})
	return eng
}

func waitExecutions(t *testing.T, eng *Service, jobID string, n int) []storage.Execution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := eng.GetJobExecutions(context.Background(), jobID, 0)
		if err != nil {
			t.Fatalf("GetJobExecutions: %v", err)
		}
		if len(execs) >= n {
			return execs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d executions of %s", n, jobID)
	return nil
}

func TestAddJobValidation(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.AddJob(ctx, JobSpec{Command: "echo hi"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing name = %v, want ErrValidation", err)
	}
	if _, err := eng.AddJob(ctx, JobSpec{Name: "x", Command: "  \n  "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank command = %v, want ErrValidation", err)
	}
	if _, err := eng.AddJob(ctx, JobSpec{Name: "x", Command: "true", Schedule: "not a cron"}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad schedule = %v, want ErrInvalidSchedule", err)
	}
}

func TestAddJobJoinsCommandLines(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	view, err := eng.AddJob(context.Background(), JobSpec{
		Name:     "multi",
		Command:  "echo a\n\n  echo b  \necho c",
		Schedule: "* * * * *",
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if view.Command != "echo a; echo b; echo c" {
		t.Fatalf("Command = %q", view.Command)
	}
	if view.State != runstate.Idle || view.TriggerType != storage.TriggerScheduled {
		t.Fatalf("view = state %s trigger %s, want idle/schedule", view.State, view.TriggerType)
	}
	if view.NextRun == nil {
		t.Fatal("scheduled job has no next fire time")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.AddJob(ctx, JobSpec{Name: "same", Command: "true"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := eng.AddJob(ctx, JobSpec{Name: "same", Command: "false"}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate = %v, want ErrDuplicateName", err)
	}
}

func TestManualRunRecordsExecution(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	view, err := eng.AddJob(ctx, JobSpec{Name: "hello", Command: "echo hi"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := eng.RunJob(ctx, view.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	execs := waitExecutions(t, eng, view.ID, 1)
	if execs[0].State != storage.StateSuccess || execs[0].ExitCode != 0 {
		t.Fatalf("execution = %+v, want success/0", execs[0])
	}

	rec, err := eng.GetExecutionLog(ctx, view.ID, execs[0].Timestamp)
	if err != nil {
		t.Fatalf("GetExecutionLog: %v", err)
	}
	if rec.Output != "hi\n" {
		t.Fatalf("Output = %q, want \"hi\\n\"", rec.Output)
	}

	after, err := eng.GetJob(ctx, view.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if after.LastRun == nil {
		t.Fatal("last_run not stamped")
	}
	lines, err := eng.GetJobLiveLog(ctx, view.ID)
	if err != nil || len(lines) != 1 || lines[0] != "hi" {
		t.Fatalf("GetJobLiveLog = (%v, %v)", lines, err)
	}
}

func TestPauseBlocksManualRun(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	view, err := eng.AddJob(ctx, JobSpec{Name: "p", Command: "true", Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	paused, err := eng.PauseJob(ctx, view.ID)
	if err != nil {
		t.Fatalf("PauseJob: %v", err)
	}
	if !paused.IsPaused || paused.NextRun != nil {
		t.Fatalf("paused view = %+v, want paused with no next run", paused)
	}
	if err := eng.RunJob(ctx, view.ID); !errors.Is(err, ErrPaused) {
		t.Fatalf("RunJob paused = %v, want ErrPaused", err)
	}

	resumed, err := eng.ResumeJob(ctx, view.ID)
	if err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	if resumed.IsPaused || resumed.NextRun == nil {
		t.Fatalf("resumed view = %+v, want unpaused with next run", resumed)
	}
}

func TestUpdateJobRevalidatesSchedule(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	view, err := eng.AddJob(ctx, JobSpec{Name: "u", Command: "true", Schedule: "0 0 * * *"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	bad := "whenever"
	if _, err := eng.UpdateJob(ctx, view.ID, JobUpdate{Schedule: &bad}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad schedule update = %v, want ErrInvalidSchedule", err)
	}
	got, err := eng.GetJob(ctx, view.ID)
	if err != nil || got.Schedule != "0 0 * * *" {
		t.Fatalf("schedule after rejected update = (%q, %v)", got.Schedule, err)
	}

	empty := ""
	cleared, err := eng.UpdateJob(ctx, view.ID, JobUpdate{Schedule: &empty})
	if err != nil {
		t.Fatalf("clear schedule: %v", err)
	}
	if cleared.Schedule != "" || cleared.NextRun != nil {
		t.Fatalf("cleared view = %+v, want no schedule and no next run", cleared)
	}

	if _, err := eng.UpdateJob(ctx, "missing", JobUpdate{Schedule: &empty}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing = %v, want ErrNotFound", err)
	}
}

func TestDependencyLifecycle(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	parent, err := eng.AddJob(ctx, JobSpec{Name: "parent", Command: "true", Schedule: "0 0 * * *"})
	if err != nil {
		t.Fatalf("AddJob parent: %v", err)
	}
	child, err := eng.AddJob(ctx, JobSpec{Name: "child", Command: "true", Schedule: "0 1 * * *"})
	if err != nil {
		t.Fatalf("AddJob child: %v", err)
	}

	if err := eng.AddDependency(ctx, parent.ID, parent.ID); !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("self edge = %v, want ErrSelfDependency", err)
	}
	if err := eng.AddDependency(ctx, parent.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown child = %v, want ErrNotFound", err)
	}

	if err := eng.AddDependency(ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	// Becoming dependency-triggered clears the child's own schedule.
	got, err := eng.GetJob(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetJob child: %v", err)
	}
	if got.TriggerType != storage.TriggerDependency || got.Schedule != "" || got.NextRun != nil {
		t.Fatalf("child view = trigger %s schedule %q next %v, want dependency-triggered and inert",
			got.TriggerType, got.Schedule, got.NextRun)
	}

	if err := eng.AddDependency(ctx, child.ID, parent.ID); !errors.Is(err, ErrCycle) {
		t.Fatalf("reverse edge = %v, want ErrCycle", err)
	}

	deps, err := eng.GetJobDependencies(ctx, parent.ID)
	if err != nil || len(deps) != 1 || deps[0].ParentJobID != parent.ID || deps[0].ChildJobID != child.ID {
		t.Fatalf("GetJobDependencies = (%v, %v)", deps, err)
	}

	if err := eng.RemoveDependency(ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("RemoveDependency: %v", err)
	}
	// Reverts to scheduled but stays inert until a schedule is set again.
	got, err = eng.GetJob(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetJob child: %v", err)
	}
	if got.TriggerType != storage.TriggerScheduled || got.Schedule != "" || got.NextRun != nil {
		t.Fatalf("child after edge removal = %+v, want scheduled and inert", got)
	}
	// Absent edge removal is a no-op success.
	if err := eng.RemoveDependency(ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("re-RemoveDependency: %v", err)
	}
}

func TestFanOutOnSuccess(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	parent, err := eng.AddJob(ctx, JobSpec{Name: "fan-parent", Command: "echo done"})
	if err != nil {
		t.Fatalf("AddJob parent: %v", err)
	}
	child, err := eng.AddJob(ctx, JobSpec{Name: "fan-child", Command: "echo kid"})
	if err != nil {
		t.Fatalf("AddJob child: %v", err)
	}
	pausedChild, err := eng.AddJob(ctx, JobSpec{Name: "fan-paused", Command: "echo nope"})
	if err != nil {
		t.Fatalf("AddJob paused child: %v", err)
	}
	if err := eng.AddDependency(ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("AddDependency child: %v", err)
	}
	if err := eng.AddDependency(ctx, parent.ID, pausedChild.ID); err != nil {
		t.Fatalf("AddDependency paused child: %v", err)
	}
	if _, err := eng.PauseJob(ctx, pausedChild.ID); err != nil {
		t.Fatalf("PauseJob: %v", err)
	}

	if err := eng.RunJob(ctx, parent.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	waitExecutions(t, eng, parent.ID, 1)
	waitExecutions(t, eng, child.ID, 1)

	skipped, err := eng.GetJobExecutions(ctx, pausedChild.ID, 0)
	if err != nil {
		t.Fatalf("GetJobExecutions paused child: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("paused child ran %d times, want 0", len(skipped))
	}
}

func TestNoFanOutOnFailure(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	parent, err := eng.AddJob(ctx, JobSpec{Name: "fail-parent", Command: "exit 1"})
	if err != nil {
		t.Fatalf("AddJob parent: %v", err)
	}
	child, err := eng.AddJob(ctx, JobSpec{Name: "fail-child", Command: "echo kid"})
	if err != nil {
		t.Fatalf("AddJob child: %v", err)
	}
	if err := eng.AddDependency(ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	if err := eng.RunJob(ctx, parent.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	execs := waitExecutions(t, eng, parent.ID, 1)
	if execs[0].State != storage.StateFailed {
		t.Fatalf("parent state = %s, want failed", execs[0].State)
	}

	// Fan-out is triggered before the parent's gate releases, so by the time
	// a later parent run could start, a triggered child would already be
	// enqueued. Give the pool a moment and confirm silence.
	time.Sleep(300 * time.Millisecond)
	got, err := eng.GetJobExecutions(ctx, child.ID, 0)
	if err != nil {
		t.Fatalf("GetJobExecutions child: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("child ran %d times after failed parent, want 0", len(got))
	}
}

func TestRemoveJobCleansUp(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	ctx := context.Background()

	view, err := eng.AddJob(ctx, JobSpec{Name: "doomed", Command: "echo bye"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := eng.RunJob(ctx, view.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	execs := waitExecutions(t, eng, view.ID, 1)
	if _, err := os.Stat(execs[0].LogFile); err != nil {
		t.Fatalf("artifact missing before removal: %v", err)
	}

	if err := eng.RemoveJob(ctx, view.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := os.Stat(execs[0].LogFile); !os.IsNotExist(err) {
		t.Fatalf("artifact still present after removal: %v", err)
	}
	if _, err := eng.GetJob(ctx, view.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob after removal = %v, want ErrNotFound", err)
	}
	if err := eng.RemoveJob(ctx, view.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double RemoveJob = %v, want ErrNotFound", err)
	}
}

func TestShutdownDrainPersistsRuns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{
		Path:     filepath.Join(dir, "cronbat.db"),
		LogsPath: filepath.Join(dir, "logs"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := New(Config{
		Runner: runner.Config{Workers: 1, QueueSize: 4, Shell: "/bin/sh"},
	}, st, eventbus.New(), logx.Nop())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	view, err := eng.AddJob(ctx, JobSpec{Name: "drained", Command: "sleep 1; echo bye"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := eng.RunJob(ctx, view.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	// Let the command actually start before pulling the plug.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := eng.GetJob(context.Background(), view.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State == runstate.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancel the start context mid-run, then drain. The in-flight run's
	// record must land even though every trigger context is dead.
	cancel()
	eng.Stop(context.Background())

	execs, err := eng.GetJobExecutions(context.Background(), view.ID, 0)
	if err != nil {
		t.Fatalf("GetJobExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("drained run left %d execution records, want 1", len(execs))
	}
	if execs[0].State != storage.StateSuccess || execs[0].ExitCode != 0 {
		t.Fatalf("execution = %+v, want success/0", execs[0])
	}
	rec, err := eng.GetExecutionLog(context.Background(), view.ID, execs[0].Timestamp)
	if err != nil || rec.Output != "bye\n" {
		t.Fatalf("GetExecutionLog = (%q, %v), want (\"bye\\n\", nil)", rec.Output, err)
	}
	after, err := eng.GetJob(context.Background(), view.ID)
	if err != nil || after.LastRun == nil {
		t.Fatalf("last_run after drained run = (%v, %v), want stamped", after.LastRun, err)
	}
}

func TestRestoreOnStart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{
			Path:     filepath.Join(dir, "cronbat.db"),
			LogsPath: filepath.Join(dir, "logs"),
		}, logx.Nop())
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		return st
	}
	cfg := Config{Runner: runner.Config{Workers: 1, QueueSize: 4, Shell: "/bin/sh"}}
	ctx := context.Background()

	st := open()
	eng := New(cfg, st, eventbus.New(), logx.Nop())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	parent, err := eng.AddJob(ctx, JobSpec{Name: "r-parent", Command: "true", Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	child, err := eng.AddJob(ctx, JobSpec{Name: "r-child", Command: "true"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := eng.AddDependency(ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	eng.Stop(ctx)
	_ = st.Close()

	// A fresh engine over the same database must rebuild timers and edges.
	st = open()
	defer st.Close()
	eng = New(cfg, st, eventbus.New(), logx.Nop())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer eng.Stop(ctx)

	got, err := eng.GetJob(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetJob parent: %v", err)
	}
	if got.NextRun == nil {
		t.Fatal("restored scheduled job has no timer")
	}
	if got.State != runstate.Idle {
		t.Fatalf("restored state = %s, want idle", got.State)
	}
	kid, err := eng.GetJob(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetJob child: %v", err)
	}
	if kid.TriggerType != storage.TriggerDependency {
		t.Fatalf("restored child trigger = %s, want dependency", kid.TriggerType)
	}
}
