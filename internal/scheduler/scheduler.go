// Package scheduler triggers scrape runs on per-category cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// Runner executes one scrape run; *coordinator.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, cat court.Category) (court.Summary, error)
}

// Scheduler owns a cron instance with one entry per scheduled category.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[court.Category]cron.EntryID
}

// New registers every non-empty schedule. Expressions use the standard five
// fields or descriptors such as "@daily". timeout bounds each run when > 0.
func New(runner Runner, schedules map[court.Category]string, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Named("cron")}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[court.Category]cron.EntryID),
	}
	for _, cat := range court.Categories() {
		spec := schedules[cat]
		if spec == "" {
			continue
		}
		id, err := s.cron.AddFunc(spec, func() { s.runOnce(cat) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", cat, spec, err)
		}
		s.entries[cat] = id
		logger.Info("scrape scheduled", zap.String("category", string(cat)), zap.String("schedule", spec))
	}
	return s, nil
}

// Start begins firing entries. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the cron and returns a context done once in-flight runs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next reports the next activation time of each scheduled category.
func (s *Scheduler) Next() map[court.Category]time.Time {
	out := make(map[court.Category]time.Time, len(s.entries))
	for cat, id := range s.entries {
		out[cat] = s.cron.Entry(id).Next
	}
	return out
}

func (s *Scheduler) runOnce(cat court.Category) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	logger := s.logger.With(zap.String("category", string(cat)))
	sum, err := s.runner.Run(ctx, cat)
	switch {
	case errors.Is(err, court.ErrRunInProgress):
		logger.Info("scheduled run skipped; run already in progress")
	case err != nil:
		logger.Warn("scheduled run failed", zap.String("run_id", sum.RunID), zap.Error(err))
	default:
		logger.Info("scheduled run finished",
			zap.String("run_id", sum.RunID),
			zap.String("outcome", string(sum.Outcome)),
			zap.Int("new", sum.NewCasesAdded),
			zap.Int("updated", sum.CasesUpdated),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
