package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "cronbat/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db       *sql.DB
	log      logx.Logger
	logsPath string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if strings.TrimSpace(cfg.LogsPath) == "" {
		return nil, errors.New("logs path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.LogsPath, 0o755); err != nil {
		return nil, err
	}

	busyMS := int64(5000)
	if cfg.BusyTimeout > 0 {
		busyMS = cfg.BusyTimeout.Milliseconds()
	}
	// Pragmas go in the DSN so every pooled connection gets them; foreign_keys
	// in particular is per-connection state.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		cfg.Path, busyMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, logsPath: cfg.LogsPath}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

const jobColumns = `id, name, command, schedule, description, created_at, last_run, is_paused`

func (s *sqliteStore) scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		j         Job
		schedule  sql.NullString
		createdAt string
		lastRun   sql.NullString
	)
	err := row.Scan(&j.ID, &j.Name, &j.Command, &schedule, &j.Description, &createdAt, &lastRun, &j.IsPaused)
	if err != nil {
		return Job{}, err
	}
	j.Schedule = schedule.String
	if t, perr := time.Parse(timeFormat, createdAt); perr == nil {
		j.CreatedAt = t
	}
	if lastRun.Valid {
		if t, perr := time.Parse(timeFormat, lastRun.String); perr == nil {
			j.LastRun = &t
		}
	}
	return j, nil
}

func (s *sqliteStore) GetJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := s.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) GetJobByName(ctx context.Context, name string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	j, err := s.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) AddJob(ctx context.Context, j Job) error {
	var schedule any
	if strings.TrimSpace(j.Schedule) != "" {
		schedule = j.Schedule
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, command, schedule, description, created_at, is_paused)
		 VALUES(?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.Command, schedule, j.Description, j.CreatedAt.Format(timeFormat), j.IsPaused,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicateName
	}
	return err
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, upd JobUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Name != nil {
		// Pre-check so the caller gets ErrDuplicateName instead of a raw
		// constraint violation.
		var other string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE name = ? AND id <> ?`, *upd.Name, id).Scan(&other)
		if err == nil {
			return ErrDuplicateName
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Command != nil {
		sets = append(sets, "command = ?")
		args = append(args, *upd.Command)
	}
	if upd.Schedule != nil {
		sets = append(sets, "schedule = ?")
		if strings.TrimSpace(*upd.Schedule) == "" {
			args = append(args, nil)
		} else {
			args = append(args, *upd.Schedule)
		}
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.IsPaused != nil {
		sets = append(sets, "is_paused = ?")
		args = append(args, *upd.IsPaused)
	}
	if len(sets) == 0 {
		// Nothing to change; still report missing jobs.
		_, err := s.GetJob(ctx, id)
		return err
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RemoveJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- executions ----

func (s *sqliteStore) AddExecution(ctx context.Context, jobID, state string, exitCode int, duration float64, logContent string) (Execution, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return Execution{}, err
	}

	ts := time.Now()
	logFile := filepath.Join(s.logsPath, fmt.Sprintf("%s_%d.txt", jobID, ts.UnixNano()))
	if err := os.WriteFile(logFile, []byte(logContent), 0o644); err != nil {
		return Execution{}, fmt.Errorf("write log artifact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Execution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	tsStr := ts.Format(timeFormat)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET last_run = ? WHERE id = ?`, tsStr, jobID); err != nil {
		return Execution{}, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO executions(job_id, timestamp, state, exit_code, duration, log_file)
		 VALUES(?,?,?,?,?,?)`,
		jobID, tsStr, state, exitCode, duration, logFile,
	)
	if err != nil {
		return Execution{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return Execution{}, err
	}

	return Execution{
		ID:        id,
		JobID:     jobID,
		Timestamp: ts,
		State:     state,
		ExitCode:  exitCode,
		Duration:  duration,
		LogFile:   logFile,
	}, nil
}

func scanExecution(rows *sql.Rows, withName bool) (Execution, error) {
	var (
		e       Execution
		tsStr   string
		logFile sql.NullString
	)
	dest := []any{&e.ID, &e.JobID, &tsStr, &e.State, &e.ExitCode, &e.Duration, &logFile}
	if withName {
		dest = append(dest, &e.JobName)
	}
	if err := rows.Scan(dest...); err != nil {
		return Execution{}, err
	}
	if t, err := time.Parse(timeFormat, tsStr); err == nil {
		e.Timestamp = t
	}
	e.LogFile = logFile.String
	return e, nil
}

func (s *sqliteStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, timestamp, state, exit_code, duration, log_file
		 FROM executions WHERE job_id = ? ORDER BY timestamp DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetAllExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.job_id, e.timestamp, e.state, e.exit_code, e.duration, e.log_file, j.name
		 FROM executions e JOIN jobs j ON j.id = e.job_id
		 ORDER BY e.timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetExecutionLog(ctx context.Context, jobID string, timestamp time.Time) (ExecutionLog, error) {
	var (
		tsStr    string
		exitCode int
		duration float64
		logFile  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp, exit_code, duration, log_file
		 FROM executions WHERE job_id = ? AND timestamp = ?`,
		jobID, timestamp.Format(timeFormat)).Scan(&tsStr, &exitCode, &duration, &logFile)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionLog{}, ErrNotFound
	}
	if err != nil {
		return ExecutionLog{}, err
	}

	out := ExecutionLog{ExitCode: exitCode, Duration: duration}
	if t, perr := time.Parse(timeFormat, tsStr); perr == nil {
		out.Timestamp = t
	}
	// A missing artifact is reported in-band: the record is the durable
	// truth, the file is best-effort.
	b, rerr := os.ReadFile(logFile.String)
	if rerr != nil {
		out.Output = "Log file not found"
		return out, nil
	}
	out.Output = string(b)
	return out, nil
}

func (s *sqliteStore) CleanupOldExecutions(ctx context.Context, jobID string, maxCount int) ([]string, error) {
	if maxCount < 0 {
		maxCount = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, log_file FROM executions
		 WHERE job_id = ? ORDER BY timestamp DESC LIMIT -1 OFFSET ?`, jobID, maxCount)
	if err != nil {
		return nil, err
	}
	var (
		ids   []any
		marks []string
		paths []string
	)
	for rows.Next() {
		var (
			id      int64
			logFile sql.NullString
		)
		if err := rows.Scan(&id, &logFile); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		marks = append(marks, "?")
		if logFile.String != "" {
			paths = append(paths, logFile.String)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM executions WHERE id IN (`+strings.Join(marks, ",")+`)`, ids...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}

// ---- dependencies ----

func (s *sqliteStore) AddDependency(ctx context.Context, parentID, childID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_dependencies(parent_job_id, child_job_id) VALUES(?,?)`,
		parentID, childID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RemoveDependency(ctx context.Context, parentID, childID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_dependencies WHERE parent_job_id = ? AND child_job_id = ?`,
		parentID, childID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetDependencies(ctx context.Context) ([]Dependency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_job_id, child_job_id FROM job_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ParentJobID, &d.ChildJobID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetJobDependencies(ctx context.Context, jobID string) ([]Dependency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_job_id, child_job_id FROM job_dependencies
		 WHERE parent_job_id = ? OR child_job_id = ?`, jobID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ParentJobID, &d.ChildJobID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetDependents(ctx context.Context, jobID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.`+strings.ReplaceAll(jobColumns, ", ", ", j.")+`
		 FROM jobs j JOIN job_dependencies d ON j.id = d.child_job_id
		 WHERE d.parent_job_id = ? AND j.is_paused = 0`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
