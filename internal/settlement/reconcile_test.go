package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-payouts/internal/settlement"
	"github.com/ksred/klear-payouts/internal/testutil"
)

func checks(report *settlement.ReconciliationReport) []string {
	var out []string
	for _, d := range report.Discrepancies {
		out = append(out, d.Check)
	}
	return out
}

func TestReconcileConsistentSettlements(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db)
	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-1", 10000, april(2)),
		testutil.Completed("txn-2", "seller-1", 25000, april(3)),
		testutil.Completed("txn-3", "seller-2", 7500, april(4)),
	)
	first, err := buildApril(t, svc, "seller-1")
	require.NoError(t, err)
	_, err = buildApril(t, svc, "seller-2")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.AdvanceSettlementStatus(ctx, first.Settlement.ID, settlement.AdvanceRequest{Target: settlement.StatusProcessed, ActorID: "ops"})
	require.NoError(t, err)
	_, err = svc.AdvanceSettlementStatus(ctx, first.Settlement.ID, settlement.AdvanceRequest{Target: settlement.StatusPaid, ActorID: "ops"})
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%v", report.Discrepancies)
	assert.Equal(t, 2, report.Settlements)
	assert.Equal(t, 3, report.Items)
	assert.Equal(t, first.Settlement.NetAmount, report.PaidNet)
	assert.Equal(t, report.ItemsNet, report.PaidNet+report.OutstandingNet)
	assert.True(t, report.CheckedAt.Equal(now))

	mine, err := svc.Reconcile(ctx, "seller-2")
	require.NoError(t, err)
	assert.Equal(t, 1, mine.Settlements)
	assert.Equal(t, int64(0), mine.PaidNet)
}

func TestReconcileDetectsTamperedFigures(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db)
	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-1", 10000, april(2)),
		testutil.Completed("txn-2", "seller-1", 25000, april(3)),
	)
	result, err := buildApril(t, svc, "seller-1")
	require.NoError(t, err)

	require.NoError(t, db.Exec("UPDATE settlement_items SET net_amount = net_amount + 1 WHERE transaction_id = ?", "txn-1").Error)
	require.NoError(t, db.Exec("UPDATE settlements SET platform_fee = platform_fee - 5 WHERE id = ?", result.Settlement.ID).Error)

	report, err := svc.Reconcile(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.ElementsMatch(t, []string{"item_net", "platform_fee", "net_amount", "items_net"}, checks(report))
	for _, d := range report.Discrepancies {
		assert.Equal(t, result.Settlement.ID, d.SettlementID)
	}
}

func TestRepairSettledFlags(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db)
	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-1", 10000, april(2)),
		testutil.Completed("txn-2", "seller-1", 25000, april(3)),
		testutil.Completed("txn-unsettled", "seller-1", 5000, now.Add(-settlement.DefaultGracePeriod/2)),
	)
	_, err := buildApril(t, svc, "seller-1")
	require.NoError(t, err)

	// A flag lost outside the build transaction.
	require.NoError(t, db.Exec("UPDATE transactions SET settled = ?, settled_at = NULL WHERE id = ?", false, "txn-2").Error)

	ctx := context.Background()
	report, err := svc.Reconcile(ctx, "seller-1")
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "settled_flag", report.Discrepancies[0].Check)
	assert.Equal(t, "txn-2", report.Discrepancies[0].TransactionID)

	repaired, err := svc.RepairSettledFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), repaired)

	txn := testutil.Transaction(t, db, "txn-2")
	assert.True(t, txn.Settled)
	assert.NotNil(t, txn.SettledAt)
	assert.False(t, testutil.Transaction(t, db, "txn-unsettled").Settled)

	report, err = svc.Reconcile(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	repaired, err = svc.RepairSettledFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), repaired)
}
