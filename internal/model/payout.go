package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payout statuses
const (
	PayoutStatusPending   = "pending"
	PayoutStatusCompleted = "completed"
	PayoutStatusFailed    = "failed"
	PayoutStatusPaid      = "paid"
	PayoutStatusReversed  = "reversed"
)

// PayoutTransaction records money sent to a contractor's payout account.
type PayoutTransaction struct {
	Base
	UserID        uuid.UUID       `json:"user_id" db:"user_id"`
	Role          string          `json:"role" db:"role"`
	Frequency     string          `json:"frequency" db:"frequency"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Status        string          `json:"status" db:"status"`
	TransferID    *string         `json:"transfer_id,omitempty" db:"transfer_id"`
	FailureReason *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	EntryCount    int             `json:"entry_count" db:"entry_count"`
	// EntryIDs are the time entries the payout settles.
	EntryIDs []uuid.UUID `json:"entry_ids,omitempty" db:"-"`
}
