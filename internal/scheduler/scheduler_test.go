package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
	"go.uber.org/zap"
)

type stubReconciler struct {
	mu      sync.Mutex
	reports []entitlementdomain.ReconcileReport
	err     error
	calls   int
}

func (r *stubReconciler) Reconcile(context.Context, time.Duration, int) (entitlementdomain.ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return entitlementdomain.ReconcileReport{}, r.err
	}
	if len(r.reports) == 0 {
		return entitlementdomain.ReconcileReport{}, nil
	}
	report := r.reports[0]
	r.reports = r.reports[1:]
	return report, nil
}

func newTestScheduler(t *testing.T, rec Reconciler, cfg Config) (*Scheduler, *prometheus.Registry, *kvstore.Locker) {
	t.Helper()

	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	locker := kvstore.NewLocker(kvstore.NewMemoryStore(clk))

	cfg.Enabled = true
	s := &Scheduler{
		log:        zap.NewNop(),
		cfg:        cfg.withDefaults(),
		clock:      clk,
		genID:      node,
		reconciler: rec,
		locker:     locker,
		metrics:    metrics,
	}
	return s, registry, locker
}

func TestRunOnceDrainsFullBatches(t *testing.T) {
	rec := &stubReconciler{reports: []entitlementdomain.ReconcileReport{
		{Scanned: 2, Applied: 2},
		{Scanned: 2, Applied: 2},
		{Scanned: 1, Applied: 1},
	}}
	s, registry, _ := newTestScheduler(t, rec, Config{BatchSize: 2})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rec.calls != 3 {
		t.Fatalf("expected 3 reconcile calls, got %d", rec.calls)
	}
	labels := map[string]string{"job": JobReconcile}
	if got := getCounterValue(t, registry, "reefbuddy_scheduler_job_processed_total", labels); got != 5 {
		t.Fatalf("expected processed count 5, got %v", got)
	}
	if got := getCounterValue(t, registry, "reefbuddy_scheduler_job_runs_total", labels); got != 1 {
		t.Fatalf("expected run count 1, got %v", got)
	}
}

func TestRunOnceStopsOnBatchThatMakesNoProgress(t *testing.T) {
	rec := &stubReconciler{reports: []entitlementdomain.ReconcileReport{
		{Scanned: 2, Failed: 2},
		{Scanned: 2, Applied: 2},
	}}
	s, _, _ := newTestScheduler(t, rec, Config{BatchSize: 2})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected a single reconcile call, got %d", rec.calls)
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	rec := &stubReconciler{}
	s, registry, locker := newTestScheduler(t, rec, Config{})

	if _, ok, err := locker.TryLock(context.Background(), lockKeyPrefix+JobReconcile, time.Minute); err != nil || !ok {
		t.Fatalf("pre-lock: ok=%v err=%v", ok, err)
	}
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no reconcile while lock is held, got %d calls", rec.calls)
	}
	labels := map[string]string{"job": JobReconcile}
	if got := getCounterValue(t, registry, "reefbuddy_scheduler_job_lock_skipped_total", labels); got != 1 {
		t.Fatalf("expected lock skipped count 1, got %v", got)
	}
}

func TestRunOnceReleasesLock(t *testing.T) {
	rec := &stubReconciler{}
	s, _, _ := newTestScheduler(t, rec, Config{})

	for range 2 {
		if err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	if rec.calls != 2 {
		t.Fatalf("expected 2 reconcile calls, got %d", rec.calls)
	}
}

func TestRunOnceReportsStorageErrors(t *testing.T) {
	rec := &stubReconciler{err: entitlementdomain.Unavailable("list pending purchases", errors.New("db down"))}
	s, registry, _ := newTestScheduler(t, rec, Config{})

	err := s.RunOnce(context.Background())
	if !errors.Is(err, entitlementdomain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	labels := map[string]string{"job": JobReconcile, "reason": ReasonStorageUnavailable}
	if got := getCounterValue(t, registry, "reefbuddy_scheduler_job_errors_total", labels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s, registry, _ := newTestScheduler(t, &stubReconciler{}, Config{})

	err := s.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context, _ *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got := getCounterValue(t, registry, "reefbuddy_scheduler_job_timeouts_total", map[string]string{"job": "timeout_job"}); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}
	errorLabels := map[string]string{"job": "timeout_job", "reason": ReasonDeadlineExceeded}
	if got := getCounterValue(t, registry, "reefbuddy_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
