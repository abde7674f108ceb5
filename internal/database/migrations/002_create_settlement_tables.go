package migrations

import (
	"github.com/ksred/klear-payouts/internal/settlement"
	"gorm.io/gorm"
)

// CreateSettlementTables creates the settlement, item, audit and payout
// account tables and their indexes
func CreateSettlementTables(db *gorm.DB) error {
	err := db.AutoMigrate(
		&settlement.Settlement{},
		&settlement.Item{},
		&settlement.AuditLog{},
		&settlement.PayoutAccount{},
	)
	if err != nil {
		return err
	}

	indexes := []string{
		// Listing by seller, newest first
		`CREATE INDEX IF NOT EXISTS idx_settlements_seller_created
		 ON settlements(seller_id, created_at)`,

		// Status filtering combined with date range
		`CREATE INDEX IF NOT EXISTS idx_settlements_status_created
		 ON settlements(status, created_at)`,

		// Items in statement order
		`CREATE INDEX IF NOT EXISTS idx_settlement_items_settlement_line
		 ON settlement_items(settlement_id, line_no)`,

		`CREATE INDEX IF NOT EXISTS idx_settlement_audit_logs_settlement_created
		 ON settlement_audit_logs(settlement_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
