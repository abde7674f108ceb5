package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/fee"
	"github.com/ksred/klear-payouts/internal/ledger"
	"github.com/ksred/klear-payouts/internal/refund"
)

// Ledger is the part of the ledger a build reads and writes back to.
type Ledger interface {
	LedgerReader
	MarkSettled(ctx context.Context, ids []string, settledAt time.Time) error
}

// Scope is the set of stores one build works against. All three must be
// bound to the same store transaction.
type Scope struct {
	Ledger  Ledger
	Refunds RefundGate
	Store   *Database
}

// ScopeFunc binds a Scope to an open transaction.
type ScopeFunc func(tx *gorm.DB) Scope

// DefaultScope uses the ledger, refund and settlement tables of the same
// database.
func DefaultScope(tx *gorm.DB) Scope {
	return Scope{
		Ledger:  ledger.NewDatabase(tx),
		Refunds: refund.NewGate(tx),
		Store:   NewDatabase(tx),
	}
}

type Option func(*Builder)

// WithScope replaces the stores a build runs against.
func WithScope(fn ScopeFunc) Option {
	return func(b *Builder) { b.scope = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithTxOptions sets the isolation level of build transactions.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(b *Builder) { b.txOpts = opts }
}

type BuildRequest struct {
	SellerID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Destination PayoutDestination
	ActorID     string
}

func (r BuildRequest) validate() error {
	switch {
	case r.SellerID == "":
		return fmt.Errorf("%w: seller_id is required", ErrInvalidRequest)
	case r.PeriodStart.IsZero() || r.PeriodEnd.IsZero():
		return fmt.Errorf("%w: period start and end are required", ErrInvalidRequest)
	case r.PeriodEnd.Before(r.PeriodStart):
		return fmt.Errorf("%w: period end is before period start", ErrInvalidRequest)
	}
	return nil
}

// BuildResult is a committed settlement and what was left out of it. When
// nothing was eligible Settled is false, Settlement is nil and Reason says why.
type BuildResult struct {
	Settled    bool        `json:"settled"`
	Settlement *Settlement `json:"settlement"`
	Excluded   Exclusions  `json:"excluded"`
	Reason     string      `json:"reason,omitempty"`
}

// Builder creates settlements. Each Build is one store transaction: either
// the header, every item and every settled flag commit together, or
// nothing does.
type Builder struct {
	store    *Database
	fees     *fee.Calculator
	grace    time.Duration
	currency string
	scope    ScopeFunc
	now      func() time.Time
	txOpts   *sql.TxOptions
}

func NewBuilder(db *gorm.DB, fees *fee.Calculator, grace time.Duration, currency string, opts ...Option) *Builder {
	b := &Builder{
		store:    NewDatabase(db),
		fees:     fees,
		grace:    grace,
		currency: currency,
		scope:    DefaultScope,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build selects the seller's eligible transactions for the period, prices
// each one and persists the settlement.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	const op = "build settlement"

	if err := req.validate(); err != nil {
		return nil, newError(KindValidation, op, err)
	}
	if b.fees == nil {
		return nil, newError(KindConfiguration, op, fmt.Errorf("%w: no fee calculator", ErrMisconfigured))
	}

	now := b.now().UTC()
	start, end := req.PeriodStart.UTC(), req.PeriodEnd.UTC()

	var result *BuildResult
	err := b.store.Transaction(ctx, b.txOpts, func(tx *gorm.DB) error {
		scope := b.scope(tx)

		sel, err := NewSelector(scope.Ledger, scope.Refunds, scope.Store, b.grace).
			SelectEligible(ctx, req.SellerID, start, end, now)
		if err != nil {
			return err
		}
		if len(sel.Eligible) == 0 {
			excluded := sel.Excluded
			return &Error{Kind: KindNothingToSettle, Op: op, Err: ErrNoEligibleTransactions, Excluded: &excluded}
		}

		existing, err := scope.Store.FindByPeriod(ctx, req.SellerID, start, end)
		if err != nil {
			return err
		}
		if existing != nil {
			return newError(KindDuplicate, op, fmt.Errorf("%w: %s", ErrDuplicatePeriod, existing.ID))
		}

		s, err := b.assemble(req, start, end, sel.Eligible, now)
		if err != nil {
			return err
		}

		if err := scope.Store.CreateSettlement(ctx, s); err != nil {
			return err
		}

		ids := make([]string, len(s.Items))
		for i, item := range s.Items {
			ids[i] = item.TransactionID
		}
		if err := scope.Ledger.MarkSettled(ctx, ids, now); err != nil {
			if errors.Is(err, ledger.ErrAlreadySettled) {
				return newError(KindConflict, op, fmt.Errorf("%w: %w", ErrConcurrentSettlement, err))
			}
			return err
		}

		if err := scope.Store.AppendAudit(ctx, &AuditLog{
			ID:           newAuditID(),
			SettlementID: s.ID,
			ActorID:      req.ActorID,
			Action:       ActionBuild,
			ToStatus:     StatusPending,
			Notes:        fmt.Sprintf("%d items; excluded: %s", s.ItemCount, sel.Excluded),
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		result = &BuildResult{Settled: true, Settlement: s, Excluded: sel.Excluded}
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return result, nil
}

// assemble prices every transaction and totals the header. Totals are sums
// of the per-item figures, so fees are rounded per item.
func (b *Builder) assemble(req BuildRequest, start, end time.Time, txns []ledger.Transaction, now time.Time) (*Settlement, error) {
	rates := b.fees.Rates()
	s := &Settlement{
		ID:                "STL_" + uuid.New().String(),
		SellerID:          req.SellerID,
		PeriodStart:       start,
		PeriodEnd:         end,
		Currency:          b.currency,
		PlatformRate:      rates.Platform.String(),
		ProcessorRate:     rates.Processor.String(),
		Status:            StatusPending,
		PayoutDestination: req.Destination,
		CreatedBy:         req.ActorID,
		CreatedAt:         now,
		UpdatedAt:         now,
		Items:             make([]Item, 0, len(txns)),
	}

	for i, txn := range txns {
		breakdown, err := b.fees.Compute(txn.GrossAmount)
		if err != nil {
			return nil, newError(KindConfiguration, "build settlement",
				fmt.Errorf("%w: transaction %s: %w", ErrMisconfigured, txn.ID, err))
		}
		s.Items = append(s.Items, Item{
			ID:                   "STI_" + uuid.New().String(),
			SettlementID:         s.ID,
			LineNo:               i + 1,
			TransactionID:        txn.ID,
			GrossAmount:          breakdown.Gross,
			PlatformFee:          breakdown.PlatformFee,
			ProcessorFee:         breakdown.ProcessorFee,
			NetAmount:            breakdown.Net,
			TransactionCreatedAt: txn.CreatedAt.UTC(),
			CreatedAt:            now,
		})
		s.TotalGross += breakdown.Gross
		s.PlatformFee += breakdown.PlatformFee
		s.ProcessorFee += breakdown.ProcessorFee
		s.NetAmount += breakdown.Net
	}
	s.ItemCount = len(s.Items)
	return s, nil
}
