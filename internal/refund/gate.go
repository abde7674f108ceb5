package refund

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Gate answers whether a refund or dispute currently blocks a transaction.
type Gate struct {
	db *gorm.DB
}

func NewGate(db *gorm.DB) *Gate {
	return &Gate{db: db}
}

// GetActiveRefundStatus returns the strongest blocking status among the
// transaction's refund requests. ok is false when nothing blocks.
func (g *Gate) GetActiveRefundStatus(ctx context.Context, transactionID string) (Status, bool, error) {
	var requests []Request
	err := g.db.WithContext(ctx).
		Where("transaction_id = ? AND status IN ?", transactionID, BlockingStatuses()).
		Find(&requests).Error
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch refund requests: %w", err)
	}

	var active Status
	for _, r := range requests {
		if r.Status.severity() > active.severity() {
			active = r.Status
		}
	}
	return active, active != "", nil
}

// CreateRequest records a refund request. Used by seeding and tests.
func (g *Gate) CreateRequest(ctx context.Context, req *Request) error {
	if req.Status == "" {
		req.Status = StatusPending
	}
	return g.db.WithContext(ctx).Create(req).Error
}

// UpdateStatus moves a refund request to a new review state.
func (g *Gate) UpdateStatus(ctx context.Context, id string, status Status) error {
	result := g.db.WithContext(ctx).Model(&Request{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
