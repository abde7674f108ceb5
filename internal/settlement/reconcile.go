package settlement

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/ledger"
)

// Discrepancy is one failed reconciliation check.
type Discrepancy struct {
	SettlementID  string `json:"settlement_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Check         string `json:"check"`
	Detail        string `json:"detail"`
}

// ReconciliationReport compares stored settlement figures with their items
// and with the ledger's settled flags.
type ReconciliationReport struct {
	SellerID       string        `json:"seller_id,omitempty"`
	Settlements    int           `json:"settlements"`
	Items          int           `json:"items"`
	ItemsNet       int64         `json:"items_net"`
	PaidNet        int64         `json:"paid_net"`
	OutstandingNet int64         `json:"outstanding_net"`
	Discrepancies  []Discrepancy `json:"discrepancies"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// Consistent reports whether every check passed.
func (r *ReconciliationReport) Consistent() bool {
	return len(r.Discrepancies) == 0
}

func (r *ReconciliationReport) add(settlementID, txnID, check, format string, args ...interface{}) {
	r.Discrepancies = append(r.Discrepancies, Discrepancy{
		SettlementID:  settlementID,
		TransactionID: txnID,
		Check:         check,
		Detail:        fmt.Sprintf(format, args...),
	})
}

// Reconciler audits stored settlements. It only reads.
type Reconciler struct {
	store  *Database
	ledger *ledger.Database
	now    func() time.Time
}

func NewReconciler(db *gorm.DB, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:  NewDatabase(db),
		ledger: ledger.NewDatabase(db),
		now:    now,
	}
}

// Reconcile checks every settlement of the seller, or of every seller when
// sellerID is empty.
func (r *Reconciler) Reconcile(ctx context.Context, sellerID string) (*ReconciliationReport, error) {
	const op = "reconcile"

	settlements, err := r.store.ListAllSettlements(ctx, Filter{SellerID: sellerID})
	if err != nil {
		return nil, classify(op, err)
	}

	report := &ReconciliationReport{
		SellerID:      sellerID,
		Settlements:   len(settlements),
		Discrepancies: []Discrepancy{},
		CheckedAt:     r.now().UTC(),
	}
	if len(settlements) == 0 {
		return report, nil
	}

	ids := make([]string, len(settlements))
	for i, s := range settlements {
		ids[i] = s.ID
	}
	items, err := r.store.ListItems(ctx, ids)
	if err != nil {
		return nil, classify(op, err)
	}
	bySettlement := make(map[string][]Item, len(settlements))
	txnIDs := make([]string, 0, len(items))
	for _, item := range items {
		bySettlement[item.SettlementID] = append(bySettlement[item.SettlementID], item)
		txnIDs = append(txnIDs, item.TransactionID)
	}

	for _, s := range settlements {
		checkSettlement(report, s, bySettlement[s.ID])
		switch s.Status {
		case StatusPaid:
			report.PaidNet += s.NetAmount
		case StatusPending, StatusProcessed:
			report.OutstandingNet += s.NetAmount
		}
	}

	unsettled, err := r.ledger.ListUnsettledByIDs(ctx, txnIDs)
	if err != nil {
		return nil, classify(op, err)
	}
	owner := make(map[string]string, len(items))
	for _, item := range items {
		owner[item.TransactionID] = item.SettlementID
	}
	for _, txn := range unsettled {
		report.add(owner[txn.ID], txn.ID, "settled_flag", "transaction is in a settlement but not flagged settled")
	}
	return report, nil
}

func checkSettlement(report *ReconciliationReport, s Settlement, items []Item) {
	var gross, platform, processor, net int64
	for _, item := range items {
		gross += item.GrossAmount
		platform += item.PlatformFee
		processor += item.ProcessorFee
		net += item.NetAmount
		if item.NetAmount != item.GrossAmount-item.PlatformFee-item.ProcessorFee {
			report.add(s.ID, item.TransactionID, "item_net", "item net %d != %d - %d - %d",
				item.NetAmount, item.GrossAmount, item.PlatformFee, item.ProcessorFee)
		}
	}
	report.Items += len(items)
	report.ItemsNet += net

	if s.ItemCount != len(items) {
		report.add(s.ID, "", "item_count", "header says %d items, found %d", s.ItemCount, len(items))
	}
	if s.TotalGross != gross {
		report.add(s.ID, "", "total_gross", "header %d != items %d", s.TotalGross, gross)
	}
	if s.PlatformFee != platform {
		report.add(s.ID, "", "platform_fee", "header %d != items %d", s.PlatformFee, platform)
	}
	if s.ProcessorFee != processor {
		report.add(s.ID, "", "processor_fee", "header %d != items %d", s.ProcessorFee, processor)
	}
	if s.NetAmount != s.TotalGross-s.PlatformFee-s.ProcessorFee {
		report.add(s.ID, "", "net_amount", "net %d != %d - %d - %d",
			s.NetAmount, s.TotalGross, s.PlatformFee, s.ProcessorFee)
	}
	if s.NetAmount != net {
		report.add(s.ID, "", "items_net", "header net %d != items net %d", s.NetAmount, net)
	}
}
