package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
)

const (
	ReasonDeadlineExceeded   = "deadline_exceeded"
	ReasonStorageUnavailable = "storage_unavailable"
	ReasonOther              = "other"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	runs        *prometheus.CounterVec
	errors      *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	lockSkipped *prometheus.CounterVec
	processed   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reefbuddy_scheduler_job_runs_total",
			Help: "Scheduler job runs.",
		}, []string{"job"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reefbuddy_scheduler_job_errors_total",
			Help: "Scheduler job failures by reason.",
		}, []string{"job", "reason"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reefbuddy_scheduler_job_timeouts_total",
			Help: "Scheduler jobs that hit their deadline.",
		}, []string{"job"}),
		lockSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reefbuddy_scheduler_job_lock_skipped_total",
			Help: "Runs skipped because another node held the job lock.",
		}, []string{"job"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reefbuddy_scheduler_job_processed_total",
			Help: "Items processed by scheduler jobs.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reefbuddy_scheduler_job_duration_seconds",
			Help:    "Scheduler job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.errors, m.timeouts, m.lockSkipped, m.processed, m.duration} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) incRun(job string) {
	if m != nil {
		m.runs.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) incTimeout(job string) {
	if m != nil {
		m.timeouts.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) incError(job string, err error) {
	if m != nil {
		m.errors.WithLabelValues(job, errorReason(err)).Inc()
	}
}

func (m *Metrics) incLockSkipped(job string) {
	if m != nil {
		m.lockSkipped.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) addProcessed(job string, count int) {
	if m != nil && count > 0 {
		m.processed.WithLabelValues(job).Add(float64(count))
	}
}

func (m *Metrics) observeDuration(job string, elapsed time.Duration) {
	if m != nil {
		m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case errors.Is(err, entitlementdomain.ErrStorageUnavailable):
		return ReasonStorageUnavailable
	default:
		return ReasonOther
	}
}
