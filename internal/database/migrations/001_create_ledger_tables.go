package migrations

import (
	"github.com/ksred/klear-payouts/internal/ledger"
	"github.com/ksred/klear-payouts/internal/refund"
	"gorm.io/gorm"
)

// CreateLedgerTables creates the transaction and refund request tables the
// settlement engine reads from
func CreateLedgerTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.Transaction{}, &refund.Request{}); err != nil {
		return err
	}

	indexes := []string{
		// Candidate lookup for a seller's unsettled transactions in a period
		`CREATE INDEX IF NOT EXISTS idx_transactions_eligibility
		 ON transactions(seller_id, status, settled, created_at)`,

		// Scheduler scan for sellers with unsettled transactions
		`CREATE INDEX IF NOT EXISTS idx_transactions_unsettled
		 ON transactions(status, settled, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_refund_requests_transaction_status
		 ON refund_requests(transaction_id, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
