package ledger

import (
	"time"
)

// Status is the payment state of a purchase transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Transaction is a captured purchase. It is owned by the payments subsystem;
// settlement only reads it and flips Settled exactly once.
type Transaction struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	SellerID    string     `gorm:"size:64;not null" json:"seller_id"`
	BuyerID     string     `gorm:"size:64" json:"buyer_id"`
	GrossAmount int64      `gorm:"not null" json:"gross_amount"` // minor units
	Currency    string     `gorm:"size:3" json:"currency"`
	Status      Status     `gorm:"size:20;not null" json:"status"`
	Settled     bool       `gorm:"not null;default:false" json:"settled"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName pins the table name used by raw index migrations.
func (Transaction) TableName() string {
	return "transactions"
}
