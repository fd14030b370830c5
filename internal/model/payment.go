package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment statuses
const (
	PaymentCompleted = "completed"
	PaymentRefunded  = "refunded"
)

// Payment is a completed charge against a booking. Rows are never edited
// except to record a refund.
type Payment struct {
	Base
	BookingID       uuid.UUID       `json:"booking_id" db:"booking_id"`
	ClientID        uuid.UUID       `json:"client_id" db:"client_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	PlatformFee     decimal.Decimal `json:"platform_fee" db:"platform_fee"`
	CaregiverAmount decimal.Decimal `json:"caregiver_amount" db:"caregiver_amount"`
	Status          string          `json:"status" db:"status"`
	TransactionID   string          `json:"transaction_id" db:"transaction_id"`
	PaymentMethodID string          `json:"payment_method_id" db:"payment_method_id"`
	PaidAt          time.Time       `json:"paid_at" db:"paid_at"`
}

// SplitAmount divides amount into the platform's fee and the contractor share.
// The two parts always add back up to amount.
func SplitAmount(amount, feePercent decimal.Decimal) (fee, contractor decimal.Decimal) {
	fee = amount.Mul(feePercent).Div(decimal.NewFromInt(100)).Round(2)
	contractor = amount.Sub(fee)
	return fee, contractor
}
