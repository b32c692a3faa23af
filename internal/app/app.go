// Package app is the composition root: it wires config, logging, storage,
// the event bus, and the scheduler engine together and runs them until the
// context is canceled.
package app

import (
	"context"
	"fmt"
	"time"

	"cronbat/internal/config"
	"cronbat/internal/eventbus"
	"cronbat/internal/runtime/supervisor"
	"cronbat/internal/scheduler"
	"cronbat/internal/scheduler/runner"
	"cronbat/internal/storage"
	logx "cronbat/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

// Run blocks until ctx is canceled, then shuts everything down in reverse
// dependency order.
func Run(ctx context.Context, configPath string) error {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseOptionalDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		LogsPath:    cfg.Storage.LogsPath,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	bus := eventbus.New()

	sched := scheduler.New(scheduler.Config{
		Timezone: cfg.Scheduler.Timezone,
		Runner: runner.Config{
			Workers:   cfg.Scheduler.Workers,
			QueueSize: cfg.Scheduler.QueueSize,
		},
		MaxExecutions: cfg.Scheduler.MaxExecutions,
	}, store, bus, log.With(logx.String("comp", "scheduler")))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	sup.Go("config.watch", mgr.Watch)
	sup.Go0("config.reload", func(c context.Context) {
		applyReloads(c, mgr, logSvc, sched, log)
	})

	log.Info("cronbatd up", logx.String("config", configPath))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sched.Stop(stopCtx)
	if err := sup.Stop(stopCtx); err != nil && stopCtx.Err() != nil {
		log.Warn("background tasks did not stop in time", logx.Err(err))
	}
	log.Info("cronbatd down")
	return nil
}

// applyReloads pushes config changes into the running components. Only hot
// settings are applied; storage paths and pool sizes need a restart.
func applyReloads(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, sched *scheduler.Service, log logx.Logger) {
	ch := mgr.Subscribe(1)
	defer mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			sched.Retention().SetMax(cfg.Scheduler.MaxExecutions)
			log.Info("runtime settings re-applied",
				logx.Int("max_executions", sched.Retention().Max()))
		}
	}
}
