package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// AdvanceRequest moves a settlement one step along its lifecycle.
type AdvanceRequest struct {
	Target    Status
	ActorID   string
	Reference string // bank transfer id, stored as payout_reference
	Notes     string // required when rejecting
}

func (r AdvanceRequest) validate() error {
	if r.ActorID == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}
	if _, err := ParseStatus(string(r.Target)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.Target == StatusRejected && strings.TrimSpace(r.Notes) == "" {
		return fmt.Errorf("%w: a rejection reason is required", ErrInvalidRequest)
	}
	return nil
}

// Manager is the only writer of a settlement after it is built. It never
// touches the figures, only status, reference, notes and status timestamps.
type Manager struct {
	store  *Database
	now    func() time.Time
	txOpts *sql.TxOptions
}

func NewManager(db *gorm.DB, now func() time.Time, txOpts *sql.TxOptions) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:  NewDatabase(db),
		now:    now,
		txOpts: txOpts,
	}
}

// Advance validates the transition against the lifecycle table and applies
// it together with its audit row.
func (m *Manager) Advance(ctx context.Context, settlementID string, req AdvanceRequest) (*Settlement, error) {
	const op = "advance settlement"

	if err := req.validate(); err != nil {
		return nil, newError(KindValidation, op, err)
	}

	now := m.now().UTC()
	var updated *Settlement
	err := m.store.Transaction(ctx, m.txOpts, func(tx *gorm.DB) error {
		store := NewDatabase(tx)

		current, err := store.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return newError(KindInvalidTransition, op,
				fmt.Errorf("%w: settlement is already %s", ErrInvalidTransition, current.Status))
		}
		if !CanTransition(current.Status, req.Target) {
			return newError(KindInvalidTransition, op,
				fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, req.Target))
		}

		updates := map[string]interface{}{
			"status":     req.Target,
			"updated_at": now,
		}
		switch req.Target {
		case StatusProcessed:
			updates["processed_at"] = now
		case StatusPaid:
			updates["paid_at"] = now
		case StatusRejected:
			updates["rejected_at"] = now
		}
		if req.Reference != "" {
			updates["payout_reference"] = req.Reference
		}
		if req.Notes != "" {
			updates["notes"] = req.Notes
		}

		rows, err := store.UpdateStatus(ctx, settlementID, current.Status, updates)
		if err != nil {
			return err
		}
		if rows == 0 {
			return newError(KindConflict, op,
				fmt.Errorf("%w: status changed from %s", ErrConcurrentSettlement, current.Status))
		}

		if err := store.AppendAudit(ctx, &AuditLog{
			ID:           newAuditID(),
			SettlementID: settlementID,
			ActorID:      req.ActorID,
			Action:       actionFor(req.Target),
			FromStatus:   current.Status,
			ToStatus:     req.Target,
			Notes:        req.Notes,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		updated, err = store.GetSettlement(ctx, settlementID, true)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return updated, nil
}

// Get returns a settlement with its items.
func (m *Manager) Get(ctx context.Context, settlementID string) (*Settlement, error) {
	s, err := m.store.GetSettlement(ctx, settlementID, true)
	if err != nil {
		return nil, classify("get settlement", err)
	}
	return s, nil
}

// List returns one page of settlement headers and the total match count.
func (m *Manager) List(ctx context.Context, f Filter) ([]Settlement, int64, error) {
	if f.Status != "" {
		if _, err := ParseStatus(string(f.Status)); err != nil {
			return nil, 0, newError(KindValidation, "list settlements", fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		}
	}
	settlements, total, err := m.store.ListSettlements(ctx, f)
	if err != nil {
		return nil, 0, classify("list settlements", err)
	}
	return settlements, total, nil
}

// AuditTrail returns every recorded change of a settlement, oldest first.
func (m *Manager) AuditTrail(ctx context.Context, settlementID string) ([]AuditLog, error) {
	const op = "audit trail"
	if _, err := m.store.GetSettlement(ctx, settlementID, false); err != nil {
		return nil, classify(op, err)
	}
	entries, err := m.store.ListAudit(ctx, settlementID)
	if err != nil {
		return nil, classify(op, err)
	}
	return entries, nil
}
