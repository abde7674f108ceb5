package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	metricPrefix = "payouts_"

	ResultSuccess         = "success"
	ResultError           = "error"
	ResultNothingToSettle = "nothing_to_settle"
	ResultConflict        = "conflict"
)

var (
	registerOnce sync.Once

	buildTotal   *prometheus.CounterVec
	buildLatency *prometheus.HistogramVec
	buildRetries prometheus.Counter
	excluded     *prometheus.CounterVec

	advanceTotal *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	schedulerRuns *prometheus.CounterVec
)

// Init registers the settlement metrics. db, if set, backs the gauges that
// count pending settlements and unsettled transactions.
func Init(db *gorm.DB) {
	registerOnce.Do(func() {
		buildTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_build_total",
				Help: "Total settlement builds by result",
			},
			[]string{"result"},
		)
		buildLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_build_latency_seconds",
				Help:    "Settlement build latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		buildRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_build_retries_total",
				Help: "Total settlement builds retried after a conflict",
			},
		)
		excluded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_excluded_transactions_total",
				Help: "Total transactions left out of builds by reason",
			},
			[]string{"reason"},
		)
		advanceTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_advance_total",
				Help: "Total settlement status changes by target status and result",
			},
			[]string{"to", "result"},
		)
		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_export_total",
				Help: "Total settlement exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_export_latency_seconds",
				Help:    "Settlement export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)
		schedulerRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scheduler_runs_total",
				Help: "Total scheduled settlement runs by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			buildTotal,
			buildLatency,
			buildRetries,
			excluded,
			advanceTotal,
			exportTotal,
			exportLatency,
			schedulerRuns,
		)
		if db != nil {
			registerDBMetrics(db)
		}
	})
}

func registerDBMetrics(db *gorm.DB) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "settlements_outstanding",
			Help: "Settlements not yet paid or rejected",
		},
		func() float64 {
			return queryCount(db, "SELECT COUNT(*) FROM settlements WHERE status IN ('PENDING', 'PROCESSED')")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "transactions_unsettled",
			Help: "Completed transactions not yet in a settlement",
		},
		func() float64 {
			return queryCount(db, "SELECT COUNT(*) FROM transactions WHERE status = 'COMPLETED' AND settled = false")
		},
	))
}

func queryCount(db *gorm.DB, query string) float64 {
	var count int64
	if err := db.Raw(query).Scan(&count).Error; err != nil {
		log.Warn().Err(err).Str("component", "metrics").Msg("metrics query failed")
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

// ObserveBuild records one settlement build attempt.
func ObserveBuild(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if buildTotal != nil {
		buildTotal.WithLabelValues(result).Inc()
	}
	if buildLatency != nil {
		buildLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

func IncBuildRetry() {
	if buildRetries != nil {
		buildRetries.Inc()
	}
}

// AddExcluded counts transactions left out of a build.
func AddExcluded(reason string, count int) {
	if count <= 0 {
		return
	}
	if excluded != nil {
		excluded.WithLabelValues(reason).Add(float64(count))
	}
}

// IncAdvance counts one status change attempt.
func IncAdvance(to, result string) {
	if to == "" {
		to = "unknown"
	}
	if advanceTotal != nil {
		advanceTotal.WithLabelValues(to, result).Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = ResultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

func IncSchedulerRun(result string) {
	if schedulerRuns != nil {
		schedulerRuns.WithLabelValues(result).Inc()
	}
}
