package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-payouts/internal/fee"
	"github.com/ksred/klear-payouts/internal/settlement"
	"github.com/ksred/klear-payouts/internal/testutil"
)

func TestClosedPeriod(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	last := func(t time.Time) time.Time { return t.Add(-time.Nanosecond) }

	tests := []struct {
		name      string
		kind      string
		asOf      time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"weekly mid-week", settlement.PeriodWeekly, time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC), day(2024, 5, 6), last(day(2024, 5, 13))},
		{"weekly on monday", settlement.PeriodWeekly, day(2024, 5, 13), day(2024, 5, 6), last(day(2024, 5, 13))},
		{"weekly on sunday", settlement.PeriodWeekly, time.Date(2024, 5, 19, 23, 0, 0, 0, time.UTC), day(2024, 5, 6), last(day(2024, 5, 13))},
		{"weekly across months", settlement.PeriodWeekly, day(2024, 4, 3), day(2024, 3, 25), last(day(2024, 4, 1))},
		{"monthly", settlement.PeriodMonthly, time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC), day(2024, 4, 1), last(day(2024, 5, 1))},
		{"monthly across years", settlement.PeriodMonthly, day(2024, 1, 1), day(2023, 12, 1), last(day(2024, 1, 1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := settlement.ClosedPeriod(tt.kind, tt.asOf)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}

	_, _, err := settlement.ClosedPeriod("daily", time.Now())
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
}

func TestProcessorRunOnce(t *testing.T) {
	db := testutil.NewDB(t)
	wednesday := time.Date(2024, 5, 22, 12, 0, 0, 0, time.UTC)
	svc, err := settlement.NewService(db, settlement.Config{
		Rates:       fee.DefaultRates,
		GracePeriod: settlement.DefaultGracePeriod,
	}, settlement.WithClock(testutil.FixedClock(wednesday)))
	require.NoError(t, err)

	may := func(d int) time.Time { return time.Date(2024, 5, d, 9, 0, 0, 0, time.UTC) }
	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-a1", "seller-a", 10000, may(6)),
		testutil.Completed("txn-a2", "seller-a", 20000, may(12)),
		testutil.Completed("txn-a-next", "seller-a", 30000, may(13)),
		testutil.Completed("txn-b1", "seller-b", 15000, may(8)),
	)
	ctx := context.Background()
	_, err = svc.RegisterPayoutAccount(ctx, "seller-a", destination)
	require.NoError(t, err)

	p := settlement.NewProcessor(svc, time.Minute, settlement.PeriodWeekly)
	summary, err := p.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), summary.PeriodStart)
	assert.Equal(t, time.Date(2024, 5, 12, 23, 59, 59, 999999999, time.UTC), summary.PeriodEnd)
	assert.Equal(t, 2, summary.Sellers)
	assert.Equal(t, 1, summary.Built)
	assert.Equal(t, 1, summary.NoPayoutAccount)
	assert.Equal(t, 0, summary.Failed)

	built, _, err := svc.ListSettlements(ctx, settlement.Filter{SellerID: "seller-a"})
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, int64(30000), built[0].TotalGross)
	assert.Equal(t, settlement.SchedulerActor, built[0].CreatedBy)
	assert.Equal(t, destination, built[0].PayoutDestination)
	assert.False(t, testutil.Transaction(t, db, "txn-a-next").Settled)
	assert.False(t, testutil.Transaction(t, db, "txn-b1").Settled)

	// A second run in the same week finds nothing new.
	summary, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Built)
	assert.Equal(t, 1, summary.Sellers)
	assert.Equal(t, 1, summary.NoPayoutAccount)
}

func TestProcessorStartStopsOnCancel(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db)
	p := settlement.NewProcessor(svc, 10*time.Millisecond, settlement.PeriodMonthly)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
