package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-payouts/internal/types"
)

// itemBatchSize keeps one item insert well under the bound-variable limits.
const itemBatchSize = 200

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn inside one store transaction. opts may be nil.
func (d *Database) Transaction(ctx context.Context, opts *sql.TxOptions, fn func(tx *gorm.DB) error) error {
	if opts == nil {
		return d.db.WithContext(ctx).Transaction(fn)
	}
	return d.db.WithContext(ctx).Transaction(fn, opts)
}

// CreateSettlement inserts the header and its items. Items are inserted
// explicitly rather than through gorm's association upsert, which would
// silently skip a duplicate transaction id.
func (d *Database) CreateSettlement(ctx context.Context, s *Settlement) error {
	items := s.Items
	if err := d.db.WithContext(ctx).Omit(clause.Associations).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create settlement record: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	result := d.db.WithContext(ctx).CreateInBatches(&items, itemBatchSize)
	if result.Error != nil {
		return fmt.Errorf("failed to create settlement items: %w", result.Error)
	}
	if result.RowsAffected != int64(len(items)) {
		return fmt.Errorf("%w: %d of %d settlement items inserted", ErrConcurrentSettlement, result.RowsAffected, len(items))
	}
	s.Items = items
	return nil
}

// FindByPeriod returns the seller's settlement for exactly [start, end], or
// nil when there is none.
func (d *Database) FindByPeriod(ctx context.Context, sellerID string, start, end time.Time) (*Settlement, error) {
	var s Settlement
	err := d.db.WithContext(ctx).
		Where("seller_id = ? AND period_start = ? AND period_end = ?", sellerID, start.UTC(), end.UTC()).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSettlement loads a settlement, optionally with its items in line order.
func (d *Database) GetSettlement(ctx context.Context, settlementID string, withItems bool) (*Settlement, error) {
	q := d.db.WithContext(ctx)
	if withItems {
		q = q.Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("line_no ASC")
		})
	}
	var s Settlement
	if err := q.Where("id = ?", settlementID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSettlementForUpdate loads a settlement header and locks its row where
// the store supports row locks.
func (d *Database) GetSettlementForUpdate(ctx context.Context, settlementID string) (*Settlement, error) {
	var s Settlement
	err := d.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", settlementID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateStatus changes the status only if it is still from. It returns the
// number of rows changed, which is zero when someone else moved it first.
func (d *Database) UpdateStatus(ctx context.Context, settlementID string, from Status, updates map[string]interface{}) (int64, error) {
	result := d.db.WithContext(ctx).Model(&Settlement{}).
		Where("id = ? AND status = ?", settlementID, from).
		Updates(updates)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (d *Database) applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	if f.SellerID != "" {
		q = q.Where("seller_id = ?", f.SellerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}
	return q
}

// ListSettlements returns one page of headers, newest first, and the total
// number of matching rows.
func (d *Database) ListSettlements(ctx context.Context, f Filter) ([]Settlement, int64, error) {
	page, limit := types.NormalizePage(f.Page, f.Limit)

	var total int64
	if err := d.applyFilter(d.db.WithContext(ctx).Model(&Settlement{}), f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count settlements: %w", err)
	}

	var settlements []Settlement
	err := d.applyFilter(d.db.WithContext(ctx), f).
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&settlements).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch settlements: %w", err)
	}
	return settlements, total, nil
}

// ListAllSettlements returns every matching header, oldest first, without
// pagination. Used by exports and reconciliation.
func (d *Database) ListAllSettlements(ctx context.Context, f Filter) ([]Settlement, error) {
	var settlements []Settlement
	err := d.applyFilter(d.db.WithContext(ctx), f).
		Order("created_at ASC").
		Order("id ASC").
		Find(&settlements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch settlements: %w", err)
	}
	return settlements, nil
}

// ListItems returns the items of the given settlements in line order.
func (d *Database) ListItems(ctx context.Context, settlementIDs []string) ([]Item, error) {
	var items []Item
	if len(settlementIDs) == 0 {
		return items, nil
	}
	ids := append([]string(nil), settlementIDs...)
	sort.Strings(ids)
	for _, chunk := range types.Chunk(ids, types.MaxBatch) {
		var batch []Item
		err := d.db.WithContext(ctx).
			Where("settlement_id IN ?", chunk).
			Order("settlement_id ASC").
			Order("line_no ASC").
			Find(&batch).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch settlement items: %w", err)
		}
		items = append(items, batch...)
	}
	return items, nil
}

// SettledTransactionIDs returns which of ids already belong to a settlement.
func (d *Database) SettledTransactionIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	settled := make(map[string]struct{})
	if len(ids) == 0 {
		return settled, nil
	}
	for _, chunk := range types.Chunk(ids, types.MaxBatch) {
		var found []string
		err := d.db.WithContext(ctx).Model(&Item{}).
			Where("transaction_id IN ?", chunk).
			Pluck("transaction_id", &found).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch settled transaction ids: %w", err)
		}
		for _, id := range found {
			settled[id] = struct{}{}
		}
	}
	return settled, nil
}

// AppendAudit writes one audit row.
func (d *Database) AppendAudit(ctx context.Context, entry *AuditLog) error {
	if err := d.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ListAudit returns a settlement's audit trail, oldest first.
func (d *Database) ListAudit(ctx context.Context, settlementID string) ([]AuditLog, error) {
	var entries []AuditLog
	err := d.db.WithContext(ctx).
		Where("settlement_id = ?", settlementID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit log: %w", err)
	}
	return entries, nil
}

// Summarize aggregates the stored figures of every matching settlement.
func (d *Database) Summarize(ctx context.Context, f Filter) (*Summary, error) {
	var summary Summary
	q := d.applyFilter(d.db.WithContext(ctx).Model(&Settlement{}), f).
		Select(`COUNT(*) AS count,
			COALESCE(SUM(item_count), 0) AS item_count,
			COALESCE(SUM(total_gross), 0) AS total_gross,
			COALESCE(SUM(platform_fee), 0) AS platform_fee,
			COALESCE(SUM(processor_fee), 0) AS processor_fee,
			COALESCE(SUM(net_amount), 0) AS net_amount,
			COALESCE(SUM(CASE WHEN status = ? THEN net_amount ELSE 0 END), 0) AS paid_net,
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN net_amount ELSE 0 END), 0) AS pending_net,
			COALESCE(SUM(CASE WHEN status = ? THEN net_amount ELSE 0 END), 0) AS rejected_net`,
			StatusPaid, StatusPending, StatusProcessed, StatusRejected)
	if err := q.Scan(&summary).Error; err != nil {
		return nil, fmt.Errorf("failed to summarize settlements: %w", err)
	}
	return &summary, nil
}

// RepairSettledFlags sets the settled flag on every transaction that a
// settlement item references but whose flag is still clear. The settlement
// tables are the source of truth; the flag is only a fast-path hint.
func (d *Database) RepairSettledFlags(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Exec(`
		UPDATE transactions
		SET settled = ?,
			settled_at = (SELECT MIN(si.created_at) FROM settlement_items si WHERE si.transaction_id = transactions.id),
			updated_at = ?
		WHERE settled = ?
		AND EXISTS (SELECT 1 FROM settlement_items si WHERE si.transaction_id = transactions.id)`,
		true, now.UTC(), false)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to repair settled flags: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UpsertPayoutAccount registers or replaces a seller's bank account.
func (d *Database) UpsertPayoutAccount(ctx context.Context, account *PayoutAccount) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "seller_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bank_name", "account_number", "account_holder", "updated_at"}),
	}).Create(account).Error
}

// GetPayoutAccount returns the seller's registered account.
func (d *Database) GetPayoutAccount(ctx context.Context, sellerID string) (*PayoutAccount, error) {
	var account PayoutAccount
	if err := d.db.WithContext(ctx).Where("seller_id = ?", sellerID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
