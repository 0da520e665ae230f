// Package scheduler runs the assistant's periodic jobs (approval expiry
// sweeps, pairing purges, reminder dispatch) on robfig/cron.
package scheduler

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

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

// Job describes a registered periodic job.
type Job struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int64     `json:"runs"`

	fn      JobFunc
	entryID cron.EntryID
}

// Scheduler owns a cron instance and the jobs registered on it.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	// RunTimeout bounds a single job run. Zero means no bound.
	RunTimeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler. Jobs may be added before or after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
			cron.WithLogger(cronLogger{logger}),
		),
		logger: logger,
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// specParser accepts five-field cron expressions and descriptors.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses spec in the syntax AddJob accepts. It is used for
// schedules evaluated outside the scheduler, such as recurring reminders.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := specParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Every turns an interval into an "@every" schedule.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// AddJob registers fn under name with a cron expression or descriptor
// ("@every 30s", "@hourly", "*/5 * * * *").
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	if fn == nil {
		return fmt.Errorf("scheduler: job %q has no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already exists", name)
	}

	job := &Job{Name: name, Schedule: schedule, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", schedule, name, err)
	}
	job.entryID = id
	s.jobs[name] = job
	s.logger.Info("job added", "name", name, "schedule", schedule)
	return nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(job.entryID)
	delete(s.jobs, name)
	return true
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: job %q not found", name)
	}
	return s.run(job)
}

// Jobs returns a snapshot of the registered jobs sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{Name: j.Name, Schedule: j.Schedule, LastRun: j.LastRun, LastErr: j.LastErr, Runs: j.Runs})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start begins firing jobs. The scheduler stops when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop halts the cron loop and waits up to 10s for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(job *Job) error {
	ctx := s.ctx
	if s.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	err := job.fn(ctx)

	s.mu.Lock()
	job.LastRun = start
	job.Runs++
	job.LastErr = ""
	if err != nil {
		job.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "name", job.Name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("job ran", "name", job.Name, "duration", time.Since(start))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
