// Package retention bounds per-job execution history growth. After every
// completed execution the scheduler asks it to trim that job's history to
// the configured cap, deleting the oldest overflow records and their log
// artifacts.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"cronbat/internal/storage"
	logx "cronbat/pkg/logx"
)

const defaultMaxExecutions = 50

type Manager struct {
	store storage.Store
	log   logx.Logger

	mu  sync.Mutex
	max int

	// A persistently failing store would otherwise warn once per completed
	// execution across every job.
	warnLimiter *rate.Limiter
}

func New(store storage.Store, max int, log logx.Logger) *Manager {
	if max <= 0 {
		max = defaultMaxExecutions
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:       store,
		log:         log,
		max:         max,
		warnLimiter: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// Max returns the current per-job cap.
func (m *Manager) Max() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max
}

// SetMax re-applies the cap on config reload. Values <= 0 keep the default.
func (m *Manager) SetMax(n int) {
	if n <= 0 {
		n = defaultMaxExecutions
	}
	m.mu.Lock()
	m.max = n
	m.mu.Unlock()
}

// Enforce trims jobID's history to the cap. Invoking it with the history
// already within bounds is a no-op. A storage failure aborts the pass for
// this invocation; partial progress stands and the next completed execution
// retries naturally.
func (m *Manager) Enforce(ctx context.Context, jobID string) error {
	max := m.Max()

	paths, err := m.store.CleanupOldExecutions(ctx, jobID, max)
	if err != nil {
		if m.warnLimiter.Allow() {
			m.log.Warn("history cleanup failed", logx.String("job", jobID), logx.Err(err))
		}
		return fmt.Errorf("cleanup executions for %s: %w", jobID, err)
	}
	if len(paths) == 0 {
		return nil
	}

	missing := 0
	for _, p := range paths {
		if rmErr := os.Remove(p); rmErr != nil {
			if errors.Is(rmErr, fs.ErrNotExist) {
				missing++
				continue
			}
			m.log.Warn("log artifact delete failed", logx.String("job", jobID), logx.String("path", p), logx.Err(rmErr))
		}
	}
	if missing > 0 {
		m.log.Debug("log artifacts already absent", logx.String("job", jobID), logx.Int("count", missing))
	}
	m.log.Debug("history trimmed", logx.String("job", jobID), logx.Int("removed", len(paths)), logx.Int("cap", max))
	return nil
}
