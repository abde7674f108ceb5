// Package testutil provides database and fixture helpers shared by tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/database"
	"github.com/ksred/klear-payouts/internal/ledger"
	"github.com/ksred/klear-payouts/internal/refund"
)

// NewDB opens a migrated SQLite database in a per-test directory. It is
// closed when the test ends.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.NewDatabase(database.DriverSQLite, filepath.Join(t.TempDir(), "payouts.db"))
	require.NoError(t, err, "failed to create test database")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// FixedClock returns a clock that always reads now.
func FixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

// Completed returns a COMPLETED, unsettled transaction.
func Completed(id, sellerID string, gross int64, createdAt time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:          id,
		SellerID:    sellerID,
		BuyerID:     "buyer-" + id,
		GrossAmount: gross,
		Currency:    "KRW",
		Status:      ledger.StatusCompleted,
		CreatedAt:   createdAt,
	}
}

// SeedTransactions inserts the given transactions.
func SeedTransactions(t *testing.T, db *gorm.DB, txns ...ledger.Transaction) {
	t.Helper()
	store := ledger.NewDatabase(db)
	for i := range txns {
		require.NoError(t, store.CreateTransaction(context.Background(), &txns[i]))
	}
}

// SeedRefund inserts a refund request against a transaction.
func SeedRefund(t *testing.T, db *gorm.DB, transactionID string, status refund.Status) *refund.Request {
	t.Helper()
	req := &refund.Request{
		ID:            fmt.Sprintf("RFD_%s_%d", transactionID, time.Now().UnixNano()),
		TransactionID: transactionID,
		Status:        status,
		Reason:        "buyer request",
	}
	require.NoError(t, refund.NewGate(db).CreateRequest(context.Background(), req))
	return req
}

// Transaction reloads a transaction.
func Transaction(t *testing.T, db *gorm.DB, id string) *ledger.Transaction {
	t.Helper()
	txn, err := ledger.NewDatabase(db).GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

// Count returns the number of rows in table.
func Count(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Table(table).Count(&n).Error)
	return n
}
