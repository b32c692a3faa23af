package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"time"

	"cronbat/internal/eventbus"
	"cronbat/internal/runstate"
	logx "cronbat/pkg/logx"
)

// Scanner token cap: one very long output line should not kill the stream.
const maxLineBytes = 1 << 20

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Request) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, req)
		}
	}
}

// execOne runs a single job command to completion and hands the result to
// the completion hook. The job's in-flight gate (claimed at enqueue) is
// released only after the hook returns, so write-through and retention for a
// job never race with its next run.
func (s *Service) execOne(ctx context.Context, req Request) {
	defer s.states.Release(req.JobID)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("execution panicked",
				logx.String("job", req.JobID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	s.states.BeginRun(req.JobID)
	s.publishState(req.JobID, runstate.Running, start)
	s.log.Debug("execution started",
		logx.String("job", req.JobID),
		logx.String("trigger", req.Trigger))

	lines, exitCode := s.runCommand(req)

	duration := time.Since(start)
	st := runstate.Failed
	if exitCode == 0 {
		st = runstate.Success
	}
	s.states.SetState(req.JobID, st)
	s.publishState(req.JobID, st, time.Now())
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeJobCompleted,
			Data: eventbus.JobCompletion{JobID: req.JobID, ExitCode: exitCode, Duration: duration.Seconds()},
		})
	}

	if st == runstate.Success {
		s.log.Debug("execution completed",
			logx.String("job", req.JobID),
			logx.Duration("dur", duration))
	} else {
		s.log.Warn("execution failed",
			logx.String("job", req.JobID),
			logx.Int("exit_code", exitCode),
			logx.Duration("dur", duration))
	}

	s.mu.Lock()
	hook := s.onDone
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, Result{
			JobID:    req.JobID,
			Trigger:  req.Trigger,
			Started:  start,
			Duration: duration,
			ExitCode: exitCode,
			State:    st,
			Output:   lines,
		})
	}
}

// runCommand spawns the shell, streams combined stdout/stderr line by line
// into the live buffer and onto the bus, and returns the collected output
// and exit code. A spawn failure is a synthetic failed run with exit code -1.
func (s *Service) runCommand(req Request) (lines []string, exitCode int) {
	emit := func(line string) {
		lines = append(lines, line)
		s.states.AppendLine(req.JobID, line)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeJobLog,
				Data: eventbus.JobLogLine{JobID: req.JobID, Line: line},
			})
		}
	}

	cmd := exec.Command(s.shell(), "-c", req.Command)

	// One pipe for both streams keeps the interleaving the process produced.
	pr, pw, err := os.Pipe()
	if err != nil {
		emit(fmt.Sprintf("Error executing job: %v", err))
		return lines, -1
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		emit(fmt.Sprintf("Error executing job: %v", err))
		return lines, -1
	}
	// The parent's write end must close so the scanner sees EOF on exit.
	_ = pw.Close()

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		emit(sc.Text())
	}
	if err := sc.Err(); err != nil {
		emit(fmt.Sprintf("Error reading job output: %v", err))
	}
	_ = pr.Close()

	if err := cmd.Wait(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return lines, ee.ExitCode()
		}
		emit(fmt.Sprintf("Error executing job: %v", err))
		return lines, -1
	}
	return lines, 0
}
