// Package scheduler drives the periodic dunning jobs: processing due
// retries, sweeping lapsed grace periods, and refreshing status gauges.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reclaim/internal/clock"
	dunningdomain "github.com/smallbiznis/reclaim/internal/dunning/domain"
	gracedomain "github.com/smallbiznis/reclaim/internal/grace/domain"
	obsmetrics "github.com/smallbiznis/reclaim/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/reclaim/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	DunningSvc       dunningdomain.Service
	GraceSvc         gracedomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	GenID            *snowflake.Node
	Clock            clock.Clock
	Config           Config `optional:"true"`
}

type Scheduler struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              Config
	genID            *snowflake.Node
	clock            clock.Clock
	dunningSvc       dunningdomain.Service
	graceSvc         gracedomain.Service
	subscriptionRepo subscriptiondomain.Repository
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.DunningSvc == nil || p.GraceSvc == nil || p.SubscriptionRepo == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:               p.DB,
		log:              p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:              p.Config.withDefaults(),
		genID:            p.GenID,
		clock:            p.Clock,
		dunningSvc:       p.DunningSvc,
		graceSvc:         p.GraceSvc,
		subscriptionRepo: p.SubscriptionRepo,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	dunMetrics := obsmetrics.Dunning()
	dunMetrics.IncJobRun(name)

	err := fn(ctx)
	dunMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Treat deadline as a soft timeout: log, count, carry on next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		dunMetrics.IncJobTimeout(name)
	}
	dunMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"process_retries", s.isJobEnabled("process_retries"), func(ctx context.Context) error {
			return s.runJob(ctx, "process_retries", s.cfg.BatchSize, 5*time.Minute, s.ProcessRetriesJob)
		}},
		{"grace_sweep", s.isJobEnabled("grace_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "grace_sweep", s.cfg.BatchSize, 30*time.Second, s.GraceSweepJob)
		}},
		{"status_gauge", s.isJobEnabled("status_gauge"), func(ctx context.Context) error {
			return s.runJob(ctx, "status_gauge", s.cfg.BatchSize, 10*time.Second, s.StatusGaugeJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	dunMetrics := obsmetrics.Dunning()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			dunMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ProcessRetriesJob drains due attempts until the batch comes back
// empty or the deadline hits.
func (s *Scheduler) ProcessRetriesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "process_retries", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		result, err := s.dunningSvc.ProcessScheduledRetries(ctx, s.cfg.BatchSize)
		if err != nil {
			run.IncError()
			jobErr = errors.Join(jobErr, err)
		}
		run.AddProcessed(result.Processed)
		if result.Processed == 0 && result.Skipped == 0 {
			break
		}
	}

	return jobErr
}

// GraceSweepJob cancels subscriptions whose grace period has lapsed.
func (s *Scheduler) GraceSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "grace_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		result, err := s.graceSvc.Sweep(ctx, s.cfg.BatchSize)
		if err != nil {
			run.IncError()
			jobErr = errors.Join(jobErr, err)
		}
		run.AddProcessed(result.Canceled)
		if result.Examined == 0 || result.Canceled == 0 {
			break
		}
	}

	return jobErr
}

// StatusGaugeJob refreshes the subscriptions-by-status gauge.
func (s *Scheduler) StatusGaugeJob(ctx context.Context) error {
	counts, err := s.subscriptionRepo.CountByStatus(ctx, s.db)
	if err != nil {
		return err
	}
	dunMetrics := obsmetrics.Dunning()
	for _, count := range counts {
		dunMetrics.SetSubscriptionsByStatus(string(count.Status), float64(count.Count))
	}
	return nil
}
