package refund

import (
	"time"
)

// Status is the review state of a refund or dispute request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReviewing Status = "REVIEWING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Blocking reports whether a request in this state keeps its transaction out
// of settlement.
func (s Status) Blocking() bool {
	switch s {
	case StatusPending, StatusReviewing, StatusApproved:
		return true
	default:
		return false
	}
}

var allStatuses = []Status{StatusPending, StatusReviewing, StatusApproved, StatusRejected, StatusCancelled}

// BlockingStatuses lists every state for which Blocking is true.
func BlockingStatuses() []Status {
	var out []Status
	for _, s := range allStatuses {
		if s.Blocking() {
			out = append(out, s)
		}
	}
	return out
}

// severity orders blocking states so the gate reports the strongest one.
func (s Status) severity() int {
	switch s {
	case StatusApproved:
		return 3
	case StatusReviewing:
		return 2
	case StatusPending:
		return 1
	default:
		return 0
	}
}

// Request is a buyer's refund or dispute against one transaction. It is owned
// by Trust & Safety and only read here.
type Request struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	TransactionID string    `gorm:"size:64;not null;index" json:"transaction_id"`
	Status        Status    `gorm:"size:20;not null" json:"status"`
	Reason        string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Request) TableName() string {
	return "refund_requests"
}
