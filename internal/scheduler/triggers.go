package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// triggerTable owns the cron clock and the jobID -> entry mapping. Specs may
// be registered before the clock starts; start() replays them onto the clock.
type triggerTable struct {
	mu      sync.Mutex
	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	specs   map[string]string
	entries map[string]cron.EntryID
	fire    func(jobID string)
}

func newTriggerTable(fire func(jobID string)) *triggerTable {
	return &triggerTable{
		// Classic 5-field crontab syntax plus @hourly-style descriptors.
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		specs:   make(map[string]string),
		entries: make(map[string]cron.EntryID),
		fire:    fire,
	}
}

// validate parses spec without touching the table.
func (t *triggerTable) validate(spec string) error {
	if _, err := t.parser.Parse(spec); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	return nil
}

func (t *triggerTable) start(loc *time.Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	t.loc = loc
	t.c = cron.New(cron.WithParser(t.parser), cron.WithLocation(loc))
	for jobID, spec := range t.specs {
		t.addLocked(jobID, spec)
	}
	t.c.Start()
}

// stop halts the clock and waits for in-flight trigger callbacks. The
// callbacks only enqueue, so this returns promptly.
func (t *triggerTable) stop() {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.entries = make(map[string]cron.EntryID)
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// schedule registers or replaces the job's cron trigger.
func (t *triggerTable) schedule(jobID, spec string) error {
	if err := t.validate(spec); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(jobID)
	t.specs[jobID] = spec
	if t.c != nil {
		t.addLocked(jobID, spec)
	}
	return nil
}

// unschedule drops the job's cron trigger. Unknown ids are a no-op.
func (t *triggerTable) unschedule(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(jobID)
	delete(t.specs, jobID)
}

// next reports the job's next fire time, or nil when it has no live timer.
func (t *triggerTable) next(jobID string) *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return nil
	}
	id, ok := t.entries[jobID]
	if !ok {
		return nil
	}
	e := t.c.Entry(id)
	if e.ID == 0 || e.Next.IsZero() {
		return nil
	}
	next := e.Next
	return &next
}

func (t *triggerTable) addLocked(jobID, spec string) {
	// Spec was validated at registration; a parse failure here means the
	// stored spec was corrupted somehow, so just skip the timer.
	id, err := t.c.AddFunc(spec, func() { t.fire(jobID) })
	if err != nil {
		return
	}
	t.entries[jobID] = id
}

func (t *triggerTable) removeLocked(jobID string) {
	if id, ok := t.entries[jobID]; ok {
		if t.c != nil {
			t.c.Remove(id)
		}
		delete(t.entries, jobID)
	}
}
