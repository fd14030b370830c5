package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TimeTracking is one shift worked by a caregiver on a booking.
type TimeTracking struct {
	Base
	CaregiverID       uuid.UUID        `json:"caregiver_id" db:"caregiver_id"`
	BookingID         uuid.UUID        `json:"booking_id" db:"booking_id"`
	WorkDate          time.Time        `json:"work_date" db:"work_date"`
	ClockInTime       time.Time        `json:"clock_in_time" db:"clock_in_time"`
	ClockOutTime      *time.Time       `json:"clock_out_time,omitempty" db:"clock_out_time"`
	HoursWorked       decimal.Decimal  `json:"hours_worked" db:"hours_worked"`
	CaregiverEarnings decimal.Decimal  `json:"caregiver_earnings" db:"caregiver_earnings"`
	TotalClientCharge decimal.Decimal  `json:"total_client_charge" db:"total_client_charge"`
	PaymentStatus     string           `json:"payment_status" db:"payment_status"`
	PaidAt            *time.Time       `json:"paid_at,omitempty" db:"paid_at"`
	PayoutID          *uuid.UUID       `json:"payout_id,omitempty" db:"payout_id"`
	AutoClockedOut    bool             `json:"auto_clocked_out" db:"auto_clocked_out"`

	MarketingPartnerID         *uuid.UUID      `json:"marketing_partner_id,omitempty" db:"marketing_partner_id"`
	MarketingPartnerCommission decimal.Decimal `json:"marketing_partner_commission" db:"marketing_partner_commission"`
	MarketingCommissionPaid    bool            `json:"marketing_commission_paid" db:"marketing_commission_paid"`
	TrainingCenterUserID       *uuid.UUID      `json:"training_center_user_id,omitempty" db:"training_center_user_id"`
	TrainingCenterCommission   decimal.Decimal `json:"training_center_commission" db:"training_center_commission"`
	TrainingCommissionPaid     bool            `json:"training_commission_paid" db:"training_commission_paid"`
}

func (t *TimeTracking) Open() bool {
	return t.ClockOutTime == nil
}

// CloseAt ends the shift after the given scheduled duration, paying rate per
// hour to the caregiver and charging the same to the client.
func (t *TimeTracking) CloseAt(duration time.Duration, rate decimal.Decimal, now time.Time) {
	out := t.ClockInTime.Add(duration)
	hours := decimal.NewFromInt(int64(duration / time.Minute)).Div(decimal.NewFromInt(60)).Round(2)
	pay := hours.Mul(rate).Round(2)

	t.ClockOutTime = &out
	t.HoursWorked = hours
	t.CaregiverEarnings = pay
	t.TotalClientCharge = pay
	t.AutoClockedOut = true
	t.UpdatedAt = now
}

// Earning is an unpaid amount owed to a contractor for one time entry.
type Earning struct {
	TimeTrackingID uuid.UUID       `db:"id"`
	Amount         decimal.Decimal `db:"amount"`
}

// SumEarnings totals a set of unpaid earnings.
func SumEarnings(earnings []Earning) decimal.Decimal {
	total := decimal.Zero
	for _, e := range earnings {
		total = total.Add(e.Amount)
	}
	return total
}
