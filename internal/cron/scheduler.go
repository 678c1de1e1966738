// Package cron runs the oracle's housekeeping jobs on robfig/cron
// schedules: rate-window eviction and log retention.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/piefi/oracle/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @every 1m or @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	DefaultEvictSchedule     = "@every 1m"
	DefaultRetentionSchedule = "30 3 * * *"

	jobTimeout = 30 * time.Second
)

// Evictor drops expired rate-limit windows.
type Evictor interface {
	Evict(ctx context.Context, now time.Time) (int, error)
}

// Retainer purges rows past their retention horizon.
type Retainer interface {
	RunRetention(ctx context.Context, p persistence.RetentionPolicy, now time.Time) (persistence.RetentionResult, error)
}

type Config struct {
	// Evictor nil skips the eviction job.
	Evictor       Evictor
	EvictSchedule string

	// Retainer nil skips the retention job.
	Retainer          Retainer
	Policy            persistence.RetentionPolicy
	RetentionSchedule string

	Logger *slog.Logger
}

// Scheduler owns the housekeeping cron.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cronlib.Cron
	now    func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the schedules and registers the jobs. Nothing runs
// until Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.EvictSchedule == "" {
		cfg.EvictSchedule = DefaultEvictSchedule
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = DefaultRetentionSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")

	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}
	cl := slogAdapter{logger}
	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
	)

	if cfg.Evictor != nil {
		if _, err := s.cron.AddFunc(cfg.EvictSchedule, func() { _, _ = s.EvictNow(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("eviction schedule %q: %w", cfg.EvictSchedule, err)
		}
	}
	if cfg.Retainer != nil {
		if _, err := s.cron.AddFunc(cfg.RetentionSchedule, func() { _, _ = s.RetainNow(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("retention schedule %q: %w", cfg.RetentionSchedule, err)
		}
	}
	return s, nil
}

// Start runs the cron in the background. Jobs see ctx and stop with it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started",
		"jobs", len(s.cron.Entries()),
		"evict_schedule", s.cfg.EvictSchedule,
		"retention_schedule", s.cfg.RetentionSchedule)
}

// Stop halts scheduling, cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// EvictNow runs the eviction job once.
func (s *Scheduler) EvictNow(ctx context.Context) (int, error) {
	if s.cfg.Evictor == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	n, err := s.cfg.Evictor.Evict(ctx, s.now())
	if err != nil {
		s.logger.Error("cron: rate window eviction failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("cron: evicted rate windows", "count", n)
	}
	return n, nil
}

// RetainNow runs the retention job once.
func (s *Scheduler) RetainNow(ctx context.Context) (persistence.RetentionResult, error) {
	if s.cfg.Retainer == nil {
		return persistence.RetentionResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	res, err := s.cfg.Retainer.RunRetention(ctx, s.cfg.Policy, s.now())
	if err != nil {
		s.logger.Error("cron: retention failed", "error", err)
		return res, err
	}
	s.logger.Info("cron: retention complete",
		"oracle_logs", res.PurgedOracleLogs,
		"error_logs", res.PurgedErrorLogs,
		"audit_log", res.PurgedAuditLogs,
		"rate_windows", res.PurgedRateWindows)
	return res, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cronlib.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
