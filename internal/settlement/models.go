package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the payout state of a settlement.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusPaid      Status = "PAID"
	StatusRejected  Status = "REJECTED"
)

// transitions is the complete lifecycle. Anything not listed is rejected.
// PENDING can not jump to PAID: a payout file must exist before funds land.
var transitions = map[Status][]Status{
	StatusPending:   {StatusProcessed, StatusRejected},
	StatusProcessed: {StatusPaid},
}

// ParseStatus converts user input into a known Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessed, StatusPaid, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown settlement status %q", s)
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is an allowed step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PayoutDestination is the seller's bank account. Opaque to settlement.
type PayoutDestination struct {
	BankName      string `gorm:"column:bank_name;size:50" json:"bank_name,omitempty"`
	AccountNumber string `gorm:"column:account_number;size:50" json:"account_number,omitempty"`
	AccountHolder string `gorm:"column:account_holder;size:50" json:"account_holder,omitempty"`
}

// IsZero reports whether no bank field is set.
func (d PayoutDestination) IsZero() bool {
	return d.BankName == "" && d.AccountNumber == "" && d.AccountHolder == ""
}

// Settlement is an immutable per-seller, per-period payout statement. Only
// the status, payout reference, notes and status timestamps change after
// creation.
type Settlement struct {
	ID            string    `gorm:"primaryKey;size:64" json:"settlement_id"`
	SellerID      string    `gorm:"size:64;not null;uniqueIndex:idx_settlements_seller_period,priority:1" json:"seller_id"`
	PeriodStart   time.Time `gorm:"not null;uniqueIndex:idx_settlements_seller_period,priority:2" json:"period_start"`
	PeriodEnd     time.Time `gorm:"not null;uniqueIndex:idx_settlements_seller_period,priority:3" json:"period_end"`
	TotalGross    int64     `gorm:"not null" json:"total_gross"`
	ItemCount     int       `gorm:"not null" json:"item_count"`
	PlatformFee   int64     `gorm:"not null" json:"platform_fee"`
	ProcessorFee  int64     `gorm:"not null" json:"processor_fee"`
	NetAmount     int64     `gorm:"not null" json:"net_amount"`
	Currency      string    `gorm:"size:3" json:"currency"`
	PlatformRate  string    `gorm:"size:16" json:"platform_rate"`
	ProcessorRate string    `gorm:"size:16" json:"processor_rate"`
	Status        Status    `gorm:"size:20;not null;index" json:"status"`

	PayoutDestination `gorm:"embedded"`
	PayoutReference   string `gorm:"size:100" json:"payout_reference,omitempty"`
	Notes             string `gorm:"type:text" json:"notes,omitempty"`
	CreatedBy         string `gorm:"size:64" json:"created_by,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`

	Items []Item `gorm:"foreignKey:SettlementID" json:"items,omitempty"`
}

func (Settlement) TableName() string {
	return "settlements"
}

// Item is one transaction's contribution to a settlement. The unique index
// on TransactionID keeps a transaction in at most one settlement, ever.
type Item struct {
	ID                   string    `gorm:"primaryKey;size:64" json:"item_id"`
	SettlementID         string    `gorm:"size:64;not null;index" json:"settlement_id"`
	LineNo               int       `gorm:"not null" json:"line_no"`
	TransactionID        string    `gorm:"size:64;not null;uniqueIndex" json:"transaction_id"`
	GrossAmount          int64     `gorm:"not null" json:"gross_amount"`
	PlatformFee          int64     `gorm:"not null" json:"platform_fee"`
	ProcessorFee         int64     `gorm:"not null" json:"processor_fee"`
	NetAmount            int64     `gorm:"not null" json:"net_amount"`
	TransactionCreatedAt time.Time `json:"transaction_created_at"`
	CreatedAt            time.Time `json:"created_at"`
}

func (Item) TableName() string {
	return "settlement_items"
}

// AuditAction names an audited settlement change.
type AuditAction string

const (
	ActionBuild   AuditAction = "SETTLEMENT_BUILD"
	ActionProcess AuditAction = "SETTLEMENT_PROCESS"
	ActionPay     AuditAction = "SETTLEMENT_PAY"
	ActionReject  AuditAction = "SETTLEMENT_REJECT"
)

func actionFor(target Status) AuditAction {
	switch target {
	case StatusProcessed:
		return ActionProcess
	case StatusPaid:
		return ActionPay
	case StatusRejected:
		return ActionReject
	default:
		return ActionBuild
	}
}

// newAuditID returns a time-ordered id, so entries written within the same
// clock tick still sort in the order they were appended.
func newAuditID() string {
	return "AUD_" + uuid.Must(uuid.NewV7()).String()
}

// AuditLog records who changed a settlement and how. Rows are append-only.
type AuditLog struct {
	ID           string      `gorm:"primaryKey;size:64" json:"audit_id"`
	SettlementID string      `gorm:"size:64;not null;index" json:"settlement_id"`
	ActorID      string      `gorm:"size:64;not null" json:"actor_id"`
	Action       AuditAction `gorm:"size:40;not null" json:"action"`
	FromStatus   Status      `gorm:"size:20" json:"from_status,omitempty"`
	ToStatus     Status      `gorm:"size:20;not null" json:"to_status"`
	Notes        string      `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

func (AuditLog) TableName() string {
	return "settlement_audit_logs"
}

// PayoutAccount is the registered bank account scheduled builds pay into.
type PayoutAccount struct {
	SellerID          string `gorm:"primaryKey;size:64" json:"seller_id"`
	PayoutDestination `gorm:"embedded"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (PayoutAccount) TableName() string {
	return "payout_accounts"
}

// Filter narrows settlement queries. Zero values mean "any".
type Filter struct {
	SellerID string
	Status   Status
	From     *time.Time // created_at lower bound, inclusive
	To       *time.Time // created_at upper bound, inclusive
	Page     int
	Limit    int
}

// Summary aggregates stored settlement figures. Nothing is recomputed.
type Summary struct {
	Count        int64 `json:"count"`
	ItemCount    int64 `json:"item_count"`
	TotalGross   int64 `json:"total_gross"`
	PlatformFee  int64 `json:"platform_fee"`
	ProcessorFee int64 `json:"processor_fee"`
	NetAmount    int64 `json:"net_amount"`
	PaidNet      int64 `json:"paid_net"`
	PendingNet   int64 `json:"pending_net"`
	RejectedNet  int64 `json:"rejected_net"`
}

// Exclusions counts candidates left out of a build, by reason.
type Exclusions struct {
	GracePeriod    int `json:"grace_period"`
	ActiveRefund   int `json:"active_refund"`
	AlreadySettled int `json:"already_settled"`
}

// Total is the number of excluded candidates.
func (e Exclusions) Total() int {
	return e.GracePeriod + e.ActiveRefund + e.AlreadySettled
}

func (e Exclusions) String() string {
	return fmt.Sprintf("%d within grace period, %d with active refunds, %d already settled",
		e.GracePeriod, e.ActiveRefund, e.AlreadySettled)
}
