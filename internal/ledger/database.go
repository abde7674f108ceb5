package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-payouts/internal/types"
)

// ErrAlreadySettled is returned by MarkSettled when at least one of the
// transactions was settled by someone else first.
var ErrAlreadySettled = errors.New("ledger: transaction already settled")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateTransaction records a captured purchase. Timestamps are stored in UTC.
func (d *Database) CreateTransaction(ctx context.Context, txn *Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	txn.CreatedAt = txn.CreatedAt.UTC()
	if txn.Status == "" {
		txn.Status = StatusPending
	}
	return d.db.WithContext(ctx).Create(txn).Error
}

func (d *Database) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var txn Transaction
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// UpdateStatus moves a transaction to a new payment status.
func (d *Database) UpdateStatus(ctx context.Context, id string, status Status) error {
	result := d.db.WithContext(ctx).Model(&Transaction{}).
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

// ListCompletedTransactions returns the seller's COMPLETED, not yet settled
// transactions created within [from, to], oldest first. Rows are locked for
// update on stores that support it so a concurrent build blocks until this
// transaction finishes.
func (d *Database) ListCompletedTransactions(ctx context.Context, sellerID string, from, to time.Time) ([]Transaction, error) {
	var txns []Transaction
	err := d.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("seller_id = ? AND status = ? AND settled = ?", sellerID, StatusCompleted, false).
		Where("created_at >= ? AND created_at <= ?", from.UTC(), to.UTC()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch completed transactions: %w", err)
	}
	return txns, nil
}

// MarkSettled flips the settled flag on every id. The update only touches rows
// that are still unsettled; if fewer rows change than ids were given, another
// writer got there first and ErrAlreadySettled is returned so the caller can
// roll back.
func (d *Database) MarkSettled(ctx context.Context, ids []string, settledAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	at := settledAt.UTC()
	var updated int64
	for _, chunk := range types.Chunk(ids, types.MaxBatch) {
		result := d.db.WithContext(ctx).Model(&Transaction{}).
			Where("id IN ? AND settled = ?", chunk, false).
			Updates(map[string]interface{}{
				"settled":    true,
				"settled_at": at,
				"updated_at": at,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to mark transactions settled: %w", result.Error)
		}
		updated += result.RowsAffected
	}
	if updated != int64(len(ids)) {
		return fmt.Errorf("%w: %d of %d transactions updated", ErrAlreadySettled, updated, len(ids))
	}
	return nil
}

// ListSellersWithUnsettled returns the distinct sellers owning COMPLETED,
// unsettled transactions created within [from, to].
func (d *Database) ListSellersWithUnsettled(ctx context.Context, from, to time.Time) ([]string, error) {
	var sellers []string
	err := d.db.WithContext(ctx).Model(&Transaction{}).
		Distinct().
		Where("status = ? AND settled = ?", StatusCompleted, false).
		Where("created_at >= ? AND created_at <= ?", from.UTC(), to.UTC()).
		Order("seller_id ASC").
		Pluck("seller_id", &sellers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sellers with unsettled transactions: %w", err)
	}
	return sellers, nil
}

// ListUnsettledByIDs returns which of the given transactions still have the
// settled flag cleared.
func (d *Database) ListUnsettledByIDs(ctx context.Context, ids []string) ([]Transaction, error) {
	var txns []Transaction
	if len(ids) == 0 {
		return txns, nil
	}
	for _, chunk := range types.Chunk(ids, types.MaxBatch) {
		var batch []Transaction
		if err := d.db.WithContext(ctx).Where("id IN ? AND settled = ?", chunk, false).Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch unsettled transactions: %w", err)
		}
		txns = append(txns, batch...)
	}
	return txns, nil
}
