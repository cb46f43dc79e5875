// Package scheduler launches registered workflows on cron schedules. Jobs
// live in memory; the durable record of every launch is the instance the
// engine creates.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Launcher is the interface the scheduler uses to start workflows.
// Satisfied by the engine (avoids an import cycle).
type Launcher interface {
	Launch(ctx context.Context, workflow string, inputs map[string]any) (string, error)
}

// DefaultTickInterval is how often due jobs are checked.
const DefaultTickInterval = 60 * time.Second

// Job is one cron-triggered workflow launch.
type Job struct {
	ID        string
	Workflow  string
	CronExpr  string
	Inputs    map[string]any
	NextRunAt time.Time
	LastRunAt *time.Time
	LastError string
}

// Scheduler runs registered jobs when their cron schedule fires.
type Scheduler struct {
	launcher Launcher
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently launching (dedup)
}

// New creates a Scheduler over the given launcher. A non-positive interval
// selects DefaultTickInterval.
func New(launcher Launcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: interval,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// AddJob registers a job. The cron expression is parsed eagerly so a typo
// surfaces at registration, not at the first missed tick.
func (s *Scheduler) AddJob(id, workflow, cronExpr string, inputs map[string]any) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %q already registered", id)
	}
	s.jobs[id] = &Job{
		ID:        id,
		Workflow:  workflow,
		CronExpr:  cronExpr,
		Inputs:    inputs,
		NextRunAt: schedule.Next(time.Now().UTC()),
	}
	return nil
}

// RemoveJob unregisters a job. An in-flight launch finishes normally.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Jobs returns a snapshot of the registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every due job and advances its schedule.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue
		}
		s.runJob(ctx, job, now)
		s.release(job.ID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	instanceID, err := s.launcher.Launch(ctx, job.Workflow, job.Inputs)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return // removed while launching
	}
	runAt := now
	current.LastRunAt = &runAt
	if err != nil {
		current.LastError = err.Error()
		s.logger.Error("scheduled launch failed",
			slog.String("job_id", job.ID),
			slog.String("workflow", job.Workflow),
			slog.String("error", err.Error()))
	} else {
		current.LastError = ""
		s.logger.Info("scheduled launch",
			slog.String("job_id", job.ID),
			slog.String("workflow", job.Workflow),
			slog.String("instance_id", instanceID))
	}
	if schedule, parseErr := s.parser.Parse(current.CronExpr); parseErr == nil {
		current.NextRunAt = schedule.Next(now)
	}
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// Stop shuts down the scheduling loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}
