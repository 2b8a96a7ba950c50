// Package cron runs the service's housekeeping on a schedule: evicting
// idle call sessions and purging old call summaries.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job is a registered task and its bookkeeping.
type Job struct {
	Name     string
	Schedule Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string
	Runs      int

	run     Func
	running bool
}

// Scheduler runs jobs from a single ticker loop. A job never overlaps
// itself; a tick that finds it still running skips it.
type Scheduler struct {
	jobs         []*Job
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval sets how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// NewScheduler creates an empty scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers fn under name. The expression is validated here so a bad
// configuration fails at startup.
func (s *Scheduler) Add(name, expr string, fn Func) error {
	return s.AddIn(name, expr, "", fn)
}

// AddIn is Add with the expression evaluated in timezone.
func (s *Scheduler) AddIn(name, expr, timezone string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}
	schedule, err := ParseSchedule(expr, timezone)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, &Job{
		Name:     name,
		Schedule: schedule,
		NextRun:  schedule.Next(s.now()),
		run:      fn,
	})
	return nil
}

// Start begins running jobs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the loop and waits for any running job to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately and returns how many ran.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// Jobs returns a snapshot of registered jobs.
func (s *Scheduler) Jobs() []Job {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// RunJob executes the named job now, whatever its schedule.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	var target *Job
	for _, job := range s.jobs {
		if job.Name == name {
			target = job
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", name)
	}
	if target.running {
		s.mu.Unlock()
		return fmt.Errorf("job %s already running", name)
	}
	target.running = true
	s.mu.Unlock()

	return s.execute(ctx, target, s.now())
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.running || job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		job.running = true
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		if err := s.execute(ctx, job, now); err != nil {
			s.logger.Warn("cron job failed", "job", job.Name, "error", err)
		}
	}
	return len(due)
}

// execute runs job, which the caller has marked running, and schedules
// its next activation.
func (s *Scheduler) execute(ctx context.Context, job *Job, now time.Time) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron job panicked", "job", job.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}

		s.mu.Lock()
		job.running = false
		job.LastRun = now
		job.Runs++
		job.NextRun = job.Schedule.Next(now)
		if err != nil {
			job.LastError = err.Error()
		} else {
			job.LastError = ""
		}
		s.mu.Unlock()

		s.logger.Debug("cron job finished", "job", job.Name, "duration", time.Since(start), "error", err)
	}()
	return job.run(ctx)
}
