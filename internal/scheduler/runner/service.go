package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cronbat/internal/eventbus"
	"cronbat/internal/runstate"
	rtsup "cronbat/internal/runtime/supervisor"
	logx "cronbat/pkg/logx"
)

// Service executes job commands on a fixed worker pool.
//
// Each trigger is an independent concurrent unit; only workers block on
// process I/O. Enqueue never blocks, so the cron clock and the façade stay
// responsive no matter how long commands run.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	states *runstate.Store

	// onDone runs in the worker after a result is final: write-through,
	// retention, fan-out. The job's in-flight gate is held until it returns.
	onDone func(ctx context.Context, res Result)

	q      chan Request
	stopCh chan struct{}
	sup    *rtsup.Supervisor

	queueFullWarn *rate.Limiter
}

func New(cfg Config, states *runstate.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:           cfg,
		log:           log,
		bus:           bus,
		states:        states,
		queueFullWarn: rate.NewLimiter(rate.Limit(0.2), 1),
	}
}

// SetCompletionHook installs the completion callback. Must be called before
// Start.
func (s *Service) SetCompletionHook(fn func(ctx context.Context, res Result)) {
	s.mu.Lock()
	s.onDone = fn
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.q = make(chan Request, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	queue := s.q
	stopCh := s.stopCh
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "runner"))))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		// Auto-restart workers if a panic slips through execOne's recovery.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			return nil
		})
	}
	s.log.Info("runner started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// Stop stops accepting work and waits for in-flight executions to finish.
// Running commands are not killed; there is no cancellation path for an
// in-flight execution.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	q := s.q
	s.q = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			s.log.Warn("runner stop timed out", logx.Err(ctx.Err()))
			return
		}
	}

	// Requests still queued never ran; release their gates so the jobs are
	// runnable again after a later Start.
	dropped := 0
	for {
		select {
		case req := <-q:
			s.states.Release(req.JobID)
			dropped++
		default:
			if dropped > 0 {
				s.log.Info("queued executions dropped on stop", logx.Int("count", dropped))
			}
			s.log.Info("runner stopped")
			return
		}
	}
}

// Enqueue claims the job's in-flight gate and queues one execution. It never
// blocks: a saturated queue or an in-flight run is reported immediately.
func (s *Service) Enqueue(req Request) error {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	if !s.states.TryAcquire(req.JobID) {
		return ErrAlreadyRunning
	}

	select {
	case q <- req:
		return nil
	default:
		s.states.Release(req.JobID)
		if s.queueFullWarn.Allow() {
			s.log.Warn("execution dropped: queue full",
				logx.String("job", req.JobID),
				logx.String("trigger", req.Trigger),
				logx.Int("queue_cap", cap(q)))
		}
		return ErrQueueFull
	}
}

func (s *Service) shell() string {
	sh := strings.TrimSpace(s.cfg.Shell)
	if sh == "" {
		sh = os.Getenv("SHELL")
	}
	if sh == "" {
		sh = "/bin/sh"
	}
	return sh
}

func (s *Service) publishState(jobID string, st runstate.State, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeJobStateChanged,
		Time: at,
		Data: eventbus.JobStateChange{JobID: jobID, State: string(st)},
	})
}
