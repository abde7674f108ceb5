package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/ledger"
	"github.com/ksred/klear-payouts/internal/testutil"
	"github.com/ksred/klear-payouts/internal/types"
)

var (
	from = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	to   = time.Date(2024, 4, 30, 23, 59, 59, 0, time.UTC)
)

func ids(txns []ledger.Transaction) []string {
	out := make([]string, 0, len(txns))
	for _, t := range txns {
		out = append(out, t.ID)
	}
	return out
}

func TestListCompletedTransactions(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()

	pending := testutil.Completed("txn-pending", "seller-1", 1000, from.Add(time.Hour))
	pending.Status = ledger.StatusPending

	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-b", "seller-1", 1000, from.Add(48*time.Hour)),
		testutil.Completed("txn-a", "seller-1", 1000, from.Add(48*time.Hour)),
		testutil.Completed("txn-start", "seller-1", 1000, from),
		testutil.Completed("txn-end", "seller-1", 1000, to),
		testutil.Completed("txn-after", "seller-1", 1000, to.Add(time.Second)),
		testutil.Completed("txn-other", "seller-2", 1000, from.Add(time.Hour)),
		pending,
	)

	store := ledger.NewDatabase(db)
	txns, err := store.ListCompletedTransactions(ctx, "seller-1", from, to)
	require.NoError(t, err)

	// Bounds are inclusive; equal timestamps fall back to id order.
	assert.Equal(t, []string{"txn-start", "txn-a", "txn-b", "txn-end"}, ids(txns))

	require.NoError(t, store.MarkSettled(ctx, []string{"txn-a"}, to))
	txns, err = store.ListCompletedTransactions(ctx, "seller-1", from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{"txn-start", "txn-b", "txn-end"}, ids(txns))
}

func TestMarkSettled(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	settledAt := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-1", 1000, from),
		testutil.Completed("txn-2", "seller-1", 2000, from),
	)
	store := ledger.NewDatabase(db)

	require.NoError(t, store.MarkSettled(ctx, nil, settledAt))
	require.NoError(t, store.MarkSettled(ctx, []string{"txn-1"}, settledAt))

	txn := testutil.Transaction(t, db, "txn-1")
	assert.True(t, txn.Settled)
	require.NotNil(t, txn.SettledAt)
	assert.True(t, txn.SettledAt.Equal(settledAt))

	t.Run("partial overlap rolls back", func(t *testing.T) {
		err := db.Transaction(func(tx *gorm.DB) error {
			return ledger.NewDatabase(tx).MarkSettled(ctx, []string{"txn-1", "txn-2"}, settledAt)
		})
		require.ErrorIs(t, err, ledger.ErrAlreadySettled)
		assert.False(t, testutil.Transaction(t, db, "txn-2").Settled)
	})
}

func TestUpdateStatus(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	store := ledger.NewDatabase(db)

	testutil.SeedTransactions(t, db, testutil.Completed("txn-1", "seller-1", 1000, from))

	require.NoError(t, store.UpdateStatus(ctx, "txn-1", ledger.StatusRefunded))
	assert.Equal(t, ledger.StatusRefunded, testutil.Transaction(t, db, "txn-1").Status)

	err := store.UpdateStatus(ctx, "txn-missing", ledger.StatusFailed)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListSellersWithUnsettled(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	store := ledger.NewDatabase(db)

	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-b", 1000, from),
		testutil.Completed("txn-2", "seller-a", 1000, from.Add(time.Hour)),
		testutil.Completed("txn-3", "seller-a", 1000, from.Add(2*time.Hour)),
		testutil.Completed("txn-4", "seller-c", 1000, to.Add(time.Hour)),
		testutil.Completed("txn-5", "seller-d", 1000, from),
	)
	require.NoError(t, store.MarkSettled(ctx, []string{"txn-5"}, to))

	sellers, err := store.ListSellersWithUnsettled(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{"seller-a", "seller-b"}, sellers)
}

func TestListUnsettledByIDs(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	store := ledger.NewDatabase(db)

	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-1", 1000, from),
		testutil.Completed("txn-2", "seller-1", 1000, from),
	)
	require.NoError(t, store.MarkSettled(ctx, []string{"txn-1"}, to))

	txns, err := store.ListUnsettledByIDs(ctx, []string{"txn-1", "txn-2", "txn-missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"txn-2"}, ids(txns))

	txns, err = store.ListUnsettledByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestMarkSettledAcrossBatches(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	store := ledger.NewDatabase(db)

	count := 2*types.MaxBatch + 37
	txns := make([]ledger.Transaction, 0, count)
	all := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("txn-%05d", i)
		txns = append(txns, testutil.Completed(id, "seller-1", 1000, from.Add(time.Duration(i)*time.Second)))
		all = append(all, id)
	}
	require.NoError(t, db.CreateInBatches(&txns, 200).Error)

	// One id in the last batch is already settled, so the summed row count
	// falls short and the whole update rolls back.
	require.NoError(t, store.MarkSettled(ctx, all[count-1:], to))
	err := db.Transaction(func(tx *gorm.DB) error {
		return ledger.NewDatabase(tx).MarkSettled(ctx, all, to)
	})
	require.ErrorIs(t, err, ledger.ErrAlreadySettled)

	unsettled, err := store.ListUnsettledByIDs(ctx, all)
	require.NoError(t, err)
	assert.Len(t, unsettled, count-1)

	require.NoError(t, store.MarkSettled(ctx, all[:count-1], to))
	unsettled, err = store.ListUnsettledByIDs(ctx, all)
	require.NoError(t, err)
	assert.Empty(t, unsettled)
}
