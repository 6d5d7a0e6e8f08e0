// Package scheduler submits verification requests on cron schedules and runs
// housekeeping jobs while the server is up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
	"netconverge/internal/usecase/remediation"
)

const defaultJobTimeout = 5 * time.Minute

// Runner executes one verification request end to end.
type Runner interface {
	Run(ctx context.Context, req domain.Request) (domain.Report, error)
}

// Entry describes one scheduled job.
type Entry struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

type job struct {
	schedule string
	id       cron.EntryID
}

// Scheduler owns a cron instance. Overlapping runs of the same job are
// skipped, and panics are recovered and logged.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    map[string]job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New builds a scheduler. A zero timeout uses five minutes per job.
func New(runner Runner, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		jobs:    make(map[string]job),
	}
}

// AddCheck schedules a periodic verification request.
func (s *Scheduler) AddCheck(check config.ScheduledCheckConfig) error {
	if s.runner == nil {
		return domain.NewDomainError("scheduler.AddCheck", domain.ErrInvalidInput, "no runner configured")
	}
	req := remediation.NewRequest(check.Description, check.Endpoints, "scheduler:"+check.Name)
	if _, err := remediation.Normalize(req); err != nil {
		return domain.WrapOp("scheduler.AddCheck "+check.Name, err)
	}
	return s.AddFunc(check.Name, check.Cron, func(ctx context.Context) error {
		return s.runCheck(ctx, check)
	})
}

// AddFunc schedules fn under a unique name. The schedule is a cron
// expression, a descriptor such as "@hourly", or a Go duration.
func (s *Scheduler) AddFunc(name, schedule string, fn func(ctx context.Context) error) error {
	const op = "scheduler.AddFunc"
	if name == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "job name is required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("job %q: %v", name, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return domain.NewDomainError(op, domain.ErrDuplicate, fmt.Sprintf("job %q", name))
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.execute(name, fn) }))
	s.jobs[name] = job{schedule: schedule, id: id}
	s.logger.Info("job scheduled", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) execute(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping job", "job", name)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(jobCtx); err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled job completed", "job", name, "duration", time.Since(start))
}

func (s *Scheduler) runCheck(ctx context.Context, check config.ScheduledCheckConfig) error {
	req, err := remediation.Normalize(remediation.NewRequest(check.Description, check.Endpoints, "scheduler:"+check.Name))
	if err != nil {
		return err
	}
	report, err := s.runner.Run(ctx, req)
	if err != nil {
		return err
	}
	s.logger.Info("scheduled check finished",
		"job", check.Name, "request_id", report.RequestID, "report_id", report.ID, "outcome", report.Outcome)
	if report.Outcome == domain.OutcomeFailed {
		return fmt.Errorf("check %s failed: %s", check.Name, report.Error)
	}
	return nil
}

// Start runs the cron loop until Stop or until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Entries lists scheduled jobs sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for name, j := range s.jobs {
		e := s.cron.Entry(j.id)
		out = append(out, Entry{Name: name, Schedule: j.schedule, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// ParseSchedule accepts a standard five-field cron expression, a descriptor,
// or a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, errors.New("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return interval(d), nil
}

// interval fires at a fixed period; unlike cron.Every it keeps sub-second
// precision.
type interval time.Duration

func (i interval) Next(t time.Time) time.Time { return t.Add(time.Duration(i)) }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
