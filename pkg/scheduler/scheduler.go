// Package scheduler runs periodic maintenance jobs: the rate-limit janitor,
// adaptive capacity recomputation and monitor roll-ups.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultJanitorInterval  = 60 * time.Second
	DefaultAdaptiveInterval = 30 * time.Second
	DefaultPruneInterval    = 60 * time.Second
)

// Job is a named periodic task. Spec accepts standard cron expressions and
// descriptors such as "@every 30s".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Every builds the descriptor spec for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(log *slog.Logger) *Scheduler {
	logger := log.With("module", "scheduler")
	cronLogger := slogAdapter{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		logger: logger,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		)),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job. Names are unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}

	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %s already scheduled", job.Name)
	}

	id, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("failed to add job %s: %w", job.Name, err)
	}

	s.jobs[job.Name] = job
	s.entries[job.Name] = id

	s.logger.Info("Scheduled job", "job", job.Name, "spec", job.Spec)

	return nil
}

func (s *Scheduler) run(job Job) {
	start := time.Now()

	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("Scheduled job failed", "job", job.Name, "error", err)

		return
	}

	s.logger.Debug("Scheduled job finished", "job", job.Name, "duration", time.Since(start))
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}

	return job.Run(ctx)
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", "jobs", len(s.entries))
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stopped before running jobs finished")
	}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error(msg, append(keysAndValues, "error", err)...)
}
