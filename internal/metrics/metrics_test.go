package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-payouts/internal/metrics"
	"github.com/ksred/klear-payouts/internal/testutil"
)

func TestMetrics(t *testing.T) {
	// Helpers are safe before Init.
	metrics.ObserveBuild(metrics.ResultSuccess, time.Millisecond)
	metrics.IncSchedulerRun(metrics.ResultSuccess)

	db := testutil.NewDB(t)
	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-1", 1000, time.Now()),
		testutil.Completed("txn-2", "seller-1", 2000, time.Now()),
	)
	metrics.Init(db)
	metrics.Init(db)

	metrics.ObserveBuild(metrics.ResultSuccess, 20*time.Millisecond)
	metrics.ObserveBuild(metrics.ResultNothingToSettle, time.Millisecond)
	metrics.ObserveBuild(metrics.ResultSuccess, 30*time.Millisecond)
	metrics.IncBuildRetry()
	metrics.AddExcluded("active_refund", 3)
	metrics.AddExcluded("grace_period", 0)
	metrics.IncAdvance("PROCESSED", metrics.ResultSuccess)
	metrics.IncAdvance("", "invalid_transition")
	metrics.ObserveExport("csv", "", time.Millisecond)

	expected := `
# HELP payouts_settlement_build_total Total settlement builds by result
# TYPE payouts_settlement_build_total counter
payouts_settlement_build_total{result="nothing_to_settle"} 1
payouts_settlement_build_total{result="success"} 2
# HELP payouts_settlement_build_retries_total Total settlement builds retried after a conflict
# TYPE payouts_settlement_build_retries_total counter
payouts_settlement_build_retries_total 1
# HELP payouts_settlement_excluded_transactions_total Total transactions left out of builds by reason
# TYPE payouts_settlement_excluded_transactions_total counter
payouts_settlement_excluded_transactions_total{reason="active_refund"} 3
# HELP payouts_settlement_advance_total Total settlement status changes by target status and result
# TYPE payouts_settlement_advance_total counter
payouts_settlement_advance_total{result="invalid_transition",to="unknown"} 1
payouts_settlement_advance_total{result="success",to="PROCESSED"} 1
# HELP payouts_settlement_export_total Total settlement exports by format and result
# TYPE payouts_settlement_export_total counter
payouts_settlement_export_total{format="csv",result="success"} 1
# HELP payouts_settlements_outstanding Settlements not yet paid or rejected
# TYPE payouts_settlements_outstanding gauge
payouts_settlements_outstanding 0
# HELP payouts_transactions_unsettled Completed transactions not yet in a settlement
# TYPE payouts_transactions_unsettled gauge
payouts_transactions_unsettled 2
`
	err := promtest.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected),
		"payouts_settlement_build_total",
		"payouts_settlement_build_retries_total",
		"payouts_settlement_excluded_transactions_total",
		"payouts_settlement_advance_total",
		"payouts_settlement_export_total",
		"payouts_settlements_outstanding",
		"payouts_transactions_unsettled",
	)
	require.NoError(t, err)

	n, err := promtest.GatherAndCount(prometheus.DefaultGatherer, "payouts_settlement_build_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
