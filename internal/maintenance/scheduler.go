// Package maintenance runs periodic housekeeping: sweeping expired cache
// entries and purging finished jobs.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSweepSchedule sweeps the in-process cache every five minutes.
	DefaultSweepSchedule = "0 */5 * * * *"
	// DefaultPurgeSchedule purges finished jobs daily at 03:00.
	DefaultPurgeSchedule = "0 0 3 * * *"
	// DefaultJobRetention is how long finished jobs are kept.
	DefaultJobRetention = 7 * 24 * time.Hour
)

// Sweeper drops expired entries. Implemented by cache.Memory.
type Sweeper interface {
	Sweep() int
}

// JobPurger deletes finished jobs. Implemented by storage.Store.
type JobPurger interface {
	PurgeJobs(cutoff time.Time) (int64, error)
}

// Task is a named periodic function.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs maintenance tasks on cron schedules.
type Scheduler struct {
	cron  *cron.Cron
	mu    sync.Mutex
	tasks map[string]Task
	ctx   context.Context
	stop  context.CancelFunc
}

// NewScheduler creates a Scheduler. Schedules use the six-field format
// with seconds; five-field expressions are accepted and run at second 0.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		tasks: make(map[string]Task),
		ctx:   ctx,
		stop:  cancel,
	}
}

func normalizeCron(schedule string) string {
	if len(strings.Fields(schedule)) == 5 {
		return "0 " + schedule
	}
	return schedule
}

// Add registers t. Names must be unique.
func (s *Scheduler) Add(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("task %q already registered", t.Name)
	}
	if _, err := s.cron.AddFunc(normalizeCron(t.Schedule), func() { s.run(t) }); err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", t.Name, t.Schedule, err)
	}
	s.tasks[t.Name] = t
	return nil
}

// Tasks returns the registered task names, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow executes the named task immediately.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return t.Run(s.ctx)
}

func (s *Scheduler) run(t Task) {
	start := time.Now()
	if err := t.Run(s.ctx); err != nil {
		slog.Warn("maintenance task failed", "task", t.Name, "error", err)
		return
	}
	slog.Debug("maintenance task finished", "task", t.Name, "duration", time.Since(start))
}

// Start begins running tasks on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("maintenance scheduler started", "tasks", len(s.Tasks()))
}

// Stop halts scheduling and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
}

// SweepTask sweeps c on schedule.
func SweepTask(c Sweeper, schedule string) Task {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return Task{
		Name:     "cache_sweep",
		Schedule: schedule,
		Run: func(context.Context) error {
			if n := c.Sweep(); n > 0 {
				slog.Debug("cache swept", "expired", n)
			}
			return nil
		},
	}
}

// PurgeTask deletes jobs finished more than retention ago. now may be nil.
func PurgeTask(p JobPurger, schedule string, retention time.Duration, now func() time.Time) Task {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	if now == nil {
		now = time.Now
	}
	return Task{
		Name:     "job_purge",
		Schedule: schedule,
		Run: func(context.Context) error {
			n, err := p.PurgeJobs(now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("purged finished jobs", "count", n)
			}
			return nil
		},
	}
}
