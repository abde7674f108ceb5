package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ksred/klear-payouts/internal/ledger"
	"github.com/ksred/klear-payouts/internal/refund"
)

// DefaultGracePeriod is the standard refund window. Transactions younger
// than this are held back for a later run.
const DefaultGracePeriod = 7 * 24 * time.Hour

// LedgerReader lists candidate transactions.
type LedgerReader interface {
	ListCompletedTransactions(ctx context.Context, sellerID string, from, to time.Time) ([]ledger.Transaction, error)
}

// RefundGate reports whether a refund or dispute blocks a transaction.
type RefundGate interface {
	GetActiveRefundStatus(ctx context.Context, transactionID string) (refund.Status, bool, error)
}

// SettledIndex looks up transactions already owned by a settlement item.
type SettledIndex interface {
	SettledTransactionIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// Selection is the outcome of one eligibility pass.
type Selection struct {
	Eligible     []ledger.Transaction
	Excluded     Exclusions
	EffectiveEnd time.Time
}

type Selector struct {
	ledger  LedgerReader
	refunds RefundGate
	items   SettledIndex
	grace   time.Duration
}

func NewSelector(l LedgerReader, r RefundGate, items SettledIndex, grace time.Duration) *Selector {
	return &Selector{
		ledger:  l,
		refunds: r,
		items:   items,
		grace:   grace,
	}
}

// EffectiveEnd is the later bound a build may include: the period end, or
// now minus the grace period if that is earlier.
func EffectiveEnd(periodEnd, now time.Time, grace time.Duration) time.Time {
	cutoff := now.UTC().Add(-grace)
	if periodEnd.UTC().Before(cutoff) {
		return periodEnd.UTC()
	}
	return cutoff
}

// SelectEligible returns the seller's transactions in [start, end] that are
// COMPLETED, unsettled, out of the grace window and not blocked by a refund.
// Any failure to reach the ledger or the refund gate aborts the selection:
// missing information never makes a transaction eligible.
func (s *Selector) SelectEligible(ctx context.Context, sellerID string, start, end, now time.Time) (*Selection, error) {
	const op = "select eligible"

	sel := &Selection{EffectiveEnd: EffectiveEnd(end, now, s.grace)}

	candidates, err := s.ledger.ListCompletedTransactions(ctx, sellerID, start.UTC(), end.UTC())
	if err != nil {
		return nil, upstream(op, err)
	}
	if len(candidates) == 0 {
		return sel, nil
	}

	inWindow := make([]ledger.Transaction, 0, len(candidates))
	for _, txn := range candidates {
		if txn.CreatedAt.UTC().After(sel.EffectiveEnd) {
			sel.Excluded.GracePeriod++
			continue
		}
		inWindow = append(inWindow, txn)
	}
	if len(inWindow) == 0 {
		return sel, nil
	}

	ids := make([]string, len(inWindow))
	for i, txn := range inWindow {
		ids[i] = txn.ID
	}
	settled, err := s.items.SettledTransactionIDs(ctx, ids)
	if err != nil {
		return nil, classify(op, err)
	}

	for _, txn := range inWindow {
		if _, ok := settled[txn.ID]; ok {
			sel.Excluded.AlreadySettled++
			continue
		}
		_, blocked, err := s.refunds.GetActiveRefundStatus(ctx, txn.ID)
		if err != nil {
			return nil, upstream(op, fmt.Errorf("refund status for %s: %w", txn.ID, err))
		}
		if blocked {
			sel.Excluded.ActiveRefund++
			continue
		}
		sel.Eligible = append(sel.Eligible, txn)
	}

	sort.SliceStable(sel.Eligible, func(i, j int) bool {
		a, b := sel.Eligible[i], sel.Eligible[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sel, nil
}

// upstream wraps a ledger or refund gate failure. Lock failures stay
// conflicts so the caller retries them.
func upstream(op string, err error) error {
	if isSerializationFailure(err) {
		return classify(op, err)
	}
	return newError(KindUpstream, op, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
}
