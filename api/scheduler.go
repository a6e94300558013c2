/*
scheduler.go - Daily batch scheduler

PURPOSE:
  Runs the ledger's batch jobs on a cron schedule (robfig/cron):
    1. Auto-investment sweep, when today is the configured processing day
    2. Maturity of investments whose maturity date has passed
    3. Expiry of insurance policies past their expiry date

DESIGN:
  - One cron entry at the configured spec (default "0 3 * * *")
  - SkipIfStillRunning: a slow run never overlaps the next one
  - Settings are read from the settings table at the start of every run,
    so admin changes apply from the next run without a restart
  - Every step is idempotent; a missed or repeated run is safe

USAGE:
  s, err := NewScheduler(handler, "0 3 * * *", logger)
  s.Start(ctx)
  // ... later
  s.Stop()

SEE ALSO:
  - investment/sweeper.go: The sweep itself
  - handlers.go: RunSweep / MatureInvestments (manual triggers)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/points-engine/investment"
)

// Scheduler runs the daily batch.
type Scheduler struct {
	handler *Handler
	spec    string
	logger  *zap.Logger

	cron     *cron.Cron
	entryID  cron.EntryID
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// Run is the outcome of one scheduled run.
type Run struct {
	At      time.Time           `json:"at"`
	Sweep   *investment.Summary `json:"sweep,omitempty"`
	Matured int                 `json:"matured"`
	Expired int                 `json:"expired"`
	Errors  []string            `json:"errors,omitempty"`
}

// NewScheduler validates spec and prepares the cron runner.
func NewScheduler(h *Handler, spec string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Scheduler{handler: h, spec: spec, logger: logger.Named("scheduler"), cron: c}, nil
}

// Start registers the daily job and starts cron. The scheduler stops when
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	id, err := s.cron.AddFunc(s.spec, func() {
		s.RunAt(context.WithoutCancel(ctx), time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to register daily job: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", zap.String("spec", s.spec))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop waits for a running job to finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.logger.Info("scheduler stopped")
	})
}

// Next reports when the daily job fires next, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunAt executes one batch as of now. Step failures are logged and
// collected; a failing step does not stop the later ones.
func (s *Scheduler) RunAt(ctx context.Context, now time.Time) Run {
	run := Run{At: now}
	fail := func(step string, err error) {
		run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", step, err))
		s.logger.Warn("scheduled step failed", zap.String("step", step), zap.Error(err))
	}

	settings, err := s.handler.InvestmentSettings(ctx)
	switch {
	case err != nil:
		fail("load investment settings", err)
	case investment.Due(now, settings):
		summary, err := s.handler.Sweeper.Run(ctx, investment.PeriodKey(now), settings)
		if err != nil {
			fail("sweep", err)
		} else {
			run.Sweep = &summary
		}
	}

	report, err := s.handler.Investments.Mature(ctx, now)
	if err != nil {
		fail("mature investments", err)
	}
	run.Matured = len(report.Completed)
	for _, f := range report.Failures {
		fail("mature investment", fmt.Errorf("student %s: %s", f.StudentID, f.Error))
	}

	expired, err := s.handler.Insurance.ExpireDue(ctx, now)
	if err != nil {
		fail("expire policies", err)
	}
	run.Expired = len(expired)

	s.logger.Info("scheduled run finished",
		zap.Time("at", now),
		zap.Bool("swept", run.Sweep != nil),
		zap.Int("matured", run.Matured),
		zap.Int("expired", run.Expired),
		zap.Int("errors", len(run.Errors)))
	return run
}
