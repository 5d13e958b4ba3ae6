package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobReconcile = "reconcile"

	lockKeyPrefix = "lock:scheduler:"
)

// Reconciler credits purchases that were ledgered but never applied.
type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration, limit int) (entitlementdomain.ReconcileReport, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Reconciler entitlementdomain.Service
	Locker     *kvstore.Locker
	Metrics    *Metrics `optional:"true"`
	Config     Config   `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	genID      *snowflake.Node
	reconciler Reconciler
	locker     *kvstore.Locker
	metrics    *Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.Reconciler == nil || p.Locker == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		genID:      p.GenID,
		reconciler: p.Reconciler,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

// runJob runs fn under a deadline while holding the job's cluster-wide lock.
// A run skipped because another node holds the lock is not an error.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name, s.cfg.BatchSize)
	log := s.logger(ctx).With(zap.String("job", name))

	lockKey := lockKeyPrefix + name
	token, acquired, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		s.metrics.incError(name, err)
		return fmt.Errorf("%s: acquire lock: %w", name, err)
	}
	if !acquired {
		s.metrics.incLockSkipped(name)
		log.Debug("job lock held by another node")
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			log.Warn("job lock release failed", zap.Error(err))
		}
	}()

	s.metrics.incRun(name)
	s.logJobStart(ctx, run)
	start := s.clock.Now()

	err = fn(ctx, run)
	s.metrics.observeDuration(name, s.clock.Now().Sub(start))
	s.metrics.addProcessed(name, run.processedCount)
	if err != nil && run.errorCount == 0 {
		run.AddErrors(1)
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.incError(name, err)
	// Deadline is a soft timeout; the next run picks up where this one stopped.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.incTimeout(name)
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.runJob(ctx, JobReconcile, s.cfg.JobTimeout, s.reconcileJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reconcileJob drains stale unapplied purchases batch by batch.
func (s *Scheduler) reconcileJob(ctx context.Context, run *jobRun) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := s.reconciler.Reconcile(ctx, s.cfg.OlderThan, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		run.AddProcessed(report.Applied)
		run.AddErrors(report.Failed)

		// Rows that keep failing stay at the head of the batch; stop instead of spinning on them.
		if report.Scanned < s.cfg.BatchSize || report.Applied == 0 {
			return nil
		}
	}
}
