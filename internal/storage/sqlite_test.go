package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "cronbat/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{
		Path:     filepath.Join(dir, "cronbat.db"),
		LogsPath: filepath.Join(dir, "logs"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addTestJob(t *testing.T, st Store, id, name string) Job {
	t.Helper()
	j := Job{ID: id, Name: name, Command: "echo hi", Schedule: "*/5 * * * *"}
	if err := st.AddJob(context.Background(), j); err != nil {
		t.Fatalf("AddJob(%s): %v", name, err)
	}
	return j
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "id-1", "backup")

	got, err := st.GetJob(ctx, "id-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "backup" || got.Command != "echo hi" || got.Schedule != "*/5 * * * *" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.IsPaused || got.LastRun != nil {
		t.Fatalf("new job should be unpaused with no last_run: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at not persisted")
	}

	byName, err := st.GetJobByName(ctx, "backup")
	if err != nil || byName.ID != "id-1" {
		t.Fatalf("GetJobByName = (%+v, %v)", byName, err)
	}
	if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestDuplicateName(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "id-1", "backup")
	addTestJob(t, st, "id-2", "cleanup")

	err := st.AddJob(ctx, Job{ID: "id-3", Name: "backup", Command: "true"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("AddJob duplicate = %v, want ErrDuplicateName", err)
	}

	name := "backup"
	err = st.UpdateJob(ctx, "id-2", JobUpdate{Name: &name})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("UpdateJob duplicate = %v, want ErrDuplicateName", err)
	}
}

func TestUpdateJobPartialAndClearSchedule(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "id-1", "backup")

	cmd := "tar cf /tmp/a.tar /data"
	paused := true
	empty := ""
	if err := st.UpdateJob(ctx, "id-1", JobUpdate{Command: &cmd, IsPaused: &paused, Schedule: &empty}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := st.GetJob(ctx, "id-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Command != cmd || !got.IsPaused || got.Schedule != "" {
		t.Fatalf("unexpected job after update: %+v", got)
	}
	if got.Name != "backup" {
		t.Fatalf("untouched field changed: %+v", got)
	}

	if err := st.UpdateJob(ctx, "missing", JobUpdate{Command: &cmd}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestAddExecutionStampsLastRun(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "id-1", "backup")

	exec, err := st.AddExecution(ctx, "id-1", StateSuccess, 0, 1.25, "line one\nline two\n")
	if err != nil {
		t.Fatalf("AddExecution: %v", err)
	}
	if exec.LogFile == "" {
		t.Fatal("no log artifact path recorded")
	}
	if b, err := os.ReadFile(exec.LogFile); err != nil || string(b) != "line one\nline two\n" {
		t.Fatalf("artifact content = (%q, %v)", b, err)
	}

	job, err := st.GetJob(ctx, "id-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.LastRun == nil || !job.LastRun.Equal(exec.Timestamp) {
		t.Fatalf("last_run = %v, want %v", job.LastRun, exec.Timestamp)
	}

	if _, err := st.AddExecution(ctx, "missing", StateFailed, 1, 0, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AddExecution(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetExecutionLog(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "id-1", "backup")
	exec, err := st.AddExecution(ctx, "id-1", StateFailed, 2, 0.5, "boom\n")
	if err != nil {
		t.Fatalf("AddExecution: %v", err)
	}

	rec, err := st.GetExecutionLog(ctx, "id-1", exec.Timestamp)
	if err != nil {
		t.Fatalf("GetExecutionLog: %v", err)
	}
	if rec.Output != "boom\n" || rec.ExitCode != 2 || rec.Duration != 0.5 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// A deleted artifact is reported in-band, not as an error.
	if err := os.Remove(exec.LogFile); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}
	rec, err = st.GetExecutionLog(ctx, "id-1", exec.Timestamp)
	if err != nil {
		t.Fatalf("GetExecutionLog after delete: %v", err)
	}
	if rec.Output != "Log file not found" {
		t.Fatalf("Output = %q, want in-band marker", rec.Output)
	}

	if _, err := st.GetExecutionLog(ctx, "id-1", time.Now().Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown timestamp = %v, want ErrNotFound", err)
	}
}

func TestExecutionHistoryOrderAndLimit(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "id-1", "backup")
	for i := 0; i < 5; i++ {
		if _, err := st.AddExecution(ctx, "id-1", StateSuccess, 0, 0.1, "ok\n"); err != nil {
			t.Fatalf("AddExecution #%d: %v", i, err)
		}
	}

	execs, err := st.GetJobExecutions(ctx, "id-1", 3)
	if err != nil {
		t.Fatalf("GetJobExecutions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("len = %d, want 3", len(execs))
	}
	for i := 1; i < len(execs); i++ {
		if execs[i].Timestamp.After(execs[i-1].Timestamp) {
			t.Fatal("executions not ordered newest first")
		}
	}

	all, err := st.GetAllExecutions(ctx, 0)
	if err != nil {
		t.Fatalf("GetAllExecutions: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("GetAllExecutions len = %d, want 5", len(all))
	}
	if all[0].JobName != "backup" {
		t.Fatalf("JobName = %q, want backup", all[0].JobName)
	}
}

func TestCleanupOldExecutions(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "id-1", "backup")
	for i := 0; i < 7; i++ {
		if _, err := st.AddExecution(ctx, "id-1", StateSuccess, 0, 0.1, "ok\n"); err != nil {
			t.Fatalf("AddExecution #%d: %v", i, err)
		}
	}

	paths, err := st.CleanupOldExecutions(ctx, "id-1", 3)
	if err != nil {
		t.Fatalf("CleanupOldExecutions: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("removed %d artifact paths, want 4", len(paths))
	}
	execs, err := st.GetJobExecutions(ctx, "id-1", 0)
	if err != nil {
		t.Fatalf("GetJobExecutions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("kept %d executions, want 3", len(execs))
	}

	// Within bounds: nothing to do.
	paths, err = st.CleanupOldExecutions(ctx, "id-1", 10)
	if err != nil || len(paths) != 0 {
		t.Fatalf("cleanup within cap = (%v, %v), want (nil, nil)", paths, err)
	}
}

func TestDependencies(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "p", "parent")
	addTestJob(t, st, "c1", "child-one")
	addTestJob(t, st, "c2", "child-two")

	if added, err := st.AddDependency(ctx, "p", "c1"); err != nil || !added {
		t.Fatalf("AddDependency = (%v, %v)", added, err)
	}
	if added, err := st.AddDependency(ctx, "p", "c1"); err != nil || added {
		t.Fatalf("re-AddDependency = (%v, %v), want (false, nil)", added, err)
	}
	if _, err := st.AddDependency(ctx, "p", "c2"); err != nil {
		t.Fatalf("AddDependency(p,c2): %v", err)
	}

	deps, err := st.GetJobDependencies(ctx, "p")
	if err != nil || len(deps) != 2 {
		t.Fatalf("GetJobDependencies = (%v, %v), want 2 edges", deps, err)
	}

	// Paused children are excluded from fan-out.
	paused := true
	if err := st.UpdateJob(ctx, "c2", JobUpdate{IsPaused: &paused}); err != nil {
		t.Fatalf("pause c2: %v", err)
	}
	kids, err := st.GetDependents(ctx, "p")
	if err != nil {
		t.Fatalf("GetDependents: %v", err)
	}
	if len(kids) != 1 || kids[0].ID != "c1" {
		t.Fatalf("GetDependents = %+v, want only c1", kids)
	}

	if removed, err := st.RemoveDependency(ctx, "p", "c1"); err != nil || !removed {
		t.Fatalf("RemoveDependency = (%v, %v)", removed, err)
	}
	if removed, err := st.RemoveDependency(ctx, "p", "c1"); err != nil || removed {
		t.Fatalf("re-RemoveDependency = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestRemoveJobCascades(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	addTestJob(t, st, "p", "parent")
	addTestJob(t, st, "c", "child")
	if _, err := st.AddDependency(ctx, "p", "c"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if _, err := st.AddExecution(ctx, "p", StateSuccess, 0, 0.1, "ok\n"); err != nil {
		t.Fatalf("AddExecution: %v", err)
	}

	if err := st.RemoveJob(ctx, "p"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := st.GetJob(ctx, "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob after remove = %v, want ErrNotFound", err)
	}
	execs, err := st.GetJobExecutions(ctx, "p", 0)
	if err != nil || len(execs) != 0 {
		t.Fatalf("executions after remove = (%v, %v), want empty", execs, err)
	}
	deps, err := st.GetDependencies(ctx)
	if err != nil || len(deps) != 0 {
		t.Fatalf("edges after remove = (%v, %v), want empty", deps, err)
	}

	if err := st.RemoveJob(ctx, "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double RemoveJob = %v, want ErrNotFound", err)
	}
}
