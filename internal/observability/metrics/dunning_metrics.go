// Package metrics exposes Prometheus instruments for the payment recovery engine.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded = "deadline_exceeded"
	JobReasonNotFound         = "not_found"
	JobReasonGateway          = "gateway"
	JobReasonDB               = "db"
	JobReasonUnknown          = "unknown"
)

const (
	AttemptOutcomeSucceeded = "succeeded"
	AttemptOutcomeFailed    = "failed"
	AttemptOutcomeSkipped   = "skipped"
)

// DunningMetrics captures recovery engine health signals.
type DunningMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	runLoopLag        prometheus.Observer
	attemptOutcomes   *prometheus.CounterVec
	paymentFailures   prometheus.Counter
	recoveries        *prometheus.CounterVec
	finalNotices      prometheus.Counter
	cancellations     prometheus.Counter
	alertsFired       *prometheus.CounterVec
	gatewayLatency    prometheus.Observer
	subscriptionGauge *prometheus.GaugeVec
}

var (
	dunningMetricsOnce sync.Once
	dunningMetrics     *DunningMetrics
)

// Dunning returns the singleton dunning metrics registry.
func Dunning() *DunningMetrics {
	return DunningWithConfig(Config{})
}

// DunningWithConfig returns the singleton dunning metrics registry using config labels.
func DunningWithConfig(cfg Config) *DunningMetrics {
	dunningMetricsOnce.Do(func() {
		dunningMetrics = newDunningMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dunningMetrics
}

// ResetDunningMetricsForTest resets the dunning metrics singleton for tests.
func ResetDunningMetricsForTest() {
	dunningMetricsOnce = sync.Once{}
	dunningMetrics = nil
}

func newDunningMetrics(registerer prometheus.Registerer, cfg Config) *DunningMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "reclaim"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reclaim_job_runs_total",
		Help:        "Dunning job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "reclaim_job_duration_seconds",
		Help:        "Dunning job latency to protect retry freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reclaim_job_timeouts_total",
		Help:        "Dunning job timeouts that delay payment recovery.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reclaim_job_errors_total",
		Help:        "Dunning job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "reclaim_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	attemptOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reclaim_attempt_outcomes_total",
		Help:        "Retry attempt outcomes by result.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	paymentFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "reclaim_payment_failures_total",
		Help:        "Failed payment attempts observed by the failure monitor.",
		ConstLabels: constLabels,
	})
	recoveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reclaim_payment_recoveries_total",
		Help:        "Successful payments by the number of failures that preceded them.",
		ConstLabels: constLabels,
	}, []string{"failures_before"})
	finalNotices := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "reclaim_final_notices_total",
		Help:        "Subscriptions escalated into the grace period.",
		ConstLabels: constLabels,
	})
	cancellations := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "reclaim_grace_cancellations_total",
		Help:        "Subscriptions canceled after the grace period lapsed.",
		ConstLabels: constLabels,
	})
	alertsFired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reclaim_alerts_fired_total",
		Help:        "Operational alerts fired by the failure monitor, by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	gatewayLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "reclaim_gateway_latency_seconds",
		Help:        "Payment gateway retry call latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		ConstLabels: constLabels,
	})
	subscriptionGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "reclaim_subscriptions_by_status",
		Help:        "Subscriptions currently tracked by the engine, by status.",
		ConstLabels: constLabels,
	}, []string{"status"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		runLoopLag,
		attemptOutcomes,
		paymentFailures,
		recoveries,
		finalNotices,
		cancellations,
		alertsFired,
		gatewayLatency,
		subscriptionGauge,
	)

	return &DunningMetrics{
		jobRuns:           jobRuns,
		jobDuration:       jobDuration,
		jobTimeouts:       jobTimeouts,
		jobErrors:         jobErrors,
		runLoopLag:        runLoopLag,
		attemptOutcomes:   attemptOutcomes,
		paymentFailures:   paymentFailures,
		recoveries:        recoveries,
		finalNotices:      finalNotices,
		cancellations:     cancellations,
		alertsFired:       alertsFired,
		gatewayLatency:    gatewayLatency,
		subscriptionGauge: subscriptionGauge,
	}
}

// IncJobRun increments the run counter for a dunning job.
func (m *DunningMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records dunning job latency in seconds.
func (m *DunningMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for a dunning job.
func (m *DunningMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *DunningMetrics) IncJobError(job string, err error) {
	if m == nil || m.jobErrors == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *DunningMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// IncAttemptOutcome increments the attempt outcome counter.
func (m *DunningMetrics) IncAttemptOutcome(outcome string) {
	if m == nil || m.attemptOutcomes == nil {
		return
	}
	m.attemptOutcomes.WithLabelValues(outcome).Inc()
}

// IncPaymentFailure counts a failed payment attempt.
func (m *DunningMetrics) IncPaymentFailure() {
	if m == nil || m.paymentFailures == nil {
		return
	}
	m.paymentFailures.Inc()
}

// IncRecovery counts a successful payment by the number of failures
// the tenant saw before it.
func (m *DunningMetrics) IncRecovery(failuresBefore int) {
	if m == nil || m.recoveries == nil {
		return
	}
	m.recoveries.WithLabelValues(failuresBeforeBucket(failuresBefore)).Inc()
}

// failuresBeforeBucket caps the label cardinality; anything past the
// retry ladder collapses into one bucket.
func failuresBeforeBucket(failuresBefore int) string {
	if failuresBefore < 0 {
		failuresBefore = 0
	}
	if failuresBefore > 4 {
		return "5+"
	}
	return strconv.Itoa(failuresBefore)
}

// IncFinalNotice counts an escalation into the grace period.
func (m *DunningMetrics) IncFinalNotice() {
	if m == nil || m.finalNotices == nil {
		return
	}
	m.finalNotices.Inc()
}

// IncGraceCancellation counts a subscription canceled by the grace sweep.
func (m *DunningMetrics) IncGraceCancellation() {
	if m == nil || m.cancellations == nil {
		return
	}
	m.cancellations.Inc()
}

// IncAlertFired counts an operational alert by triggering reason.
func (m *DunningMetrics) IncAlertFired(reason string) {
	if m == nil || m.alertsFired == nil {
		return
	}
	m.alertsFired.WithLabelValues(reason).Inc()
}

// ObserveGatewayLatency records one gateway retry call.
func (m *DunningMetrics) ObserveGatewayLatency(duration time.Duration) {
	if m == nil || m.gatewayLatency == nil {
		return
	}
	m.gatewayLatency.Observe(duration.Seconds())
}

// SetSubscriptionsByStatus records the current subscription count for a status.
func (m *DunningMetrics) SetSubscriptionsByStatus(status string, count float64) {
	if m == nil || m.subscriptionGauge == nil {
		return
	}
	m.subscriptionGauge.WithLabelValues(strings.ToLower(status)).Set(count)
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobReasonNotFound
	}
	if isDBError(err) {
		return JobReasonDB
	}
	return JobReasonUnknown
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrMissingWhereClause) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
