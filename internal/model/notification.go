package model

import (
	"time"

	"github.com/google/uuid"
)

// Notification types
const (
	NotificationRecurringPaymentSuccess = "recurring_payment_success"
	NotificationRecurringPaymentFailed  = "recurring_payment_failed"
	NotificationRecurringSuspended      = "recurring_suspended"
	NotificationPayoutSent              = "payout_sent"
	NotificationPayoutFailed            = "payout_failed"
	NotificationAutoClockOut            = "auto_clock_out"
	NotificationPaymentFailed           = "payment_failed"
)

// Notification is an in-app alert shown to a user.
type Notification struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Type      string    `json:"type" db:"type"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	IsRead    bool      `json:"is_read" db:"is_read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
