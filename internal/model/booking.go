package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/schedule"
)

// Booking statuses
const (
	BookingStatusPending   = "pending"
	BookingStatusApproved  = "approved"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCompleted = "completed"
	BookingStatusCancelled = "cancelled"
)

// Payment statuses shared by bookings and time entries
const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

// Recurring statuses
const (
	RecurringStatusActive    = "active"
	RecurringStatusSuspended = "suspended"
	RecurringStatusCancelled = "cancelled"
)

// Booking is a contracted service engagement.
type Booking struct {
	Base
	ClientID            uuid.UUID        `json:"client_id" db:"client_id"`
	ServiceType         string           `json:"service_type" db:"service_type"`
	DutyType            string           `json:"duty_type" db:"duty_type"`
	ServiceDate         time.Time        `json:"service_date" db:"service_date"`
	DurationDays        int              `json:"duration_days" db:"duration_days"`
	HourlyRate          *decimal.Decimal `json:"hourly_rate,omitempty" db:"hourly_rate"`
	Schedule            schedule.Weekly  `json:"schedule" db:"-"`
	Address             string           `json:"address" db:"address"`
	Status              string           `json:"status" db:"status"`
	PaymentStatus       string           `json:"payment_status" db:"payment_status"`
	PaymentDate         *time.Time       `json:"payment_date,omitempty" db:"payment_date"`
	PaymentIntentID     *string          `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	AssignedCaregiverID *uuid.UUID       `json:"assigned_caregiver_id,omitempty" db:"assigned_caregiver_id"`

	RecurringService        bool       `json:"recurring_service" db:"recurring_service"`
	AutoPayEnabled          bool       `json:"auto_pay_enabled" db:"auto_pay_enabled"`
	RecurringStatus         *string    `json:"recurring_status,omitempty" db:"recurring_status"`
	ParentBookingID         *uuid.UUID `json:"parent_booking_id,omitempty" db:"parent_booking_id"`
	RecurringCount          int        `json:"recurring_count" db:"recurring_count"`
	RecurringFailedAttempts int        `json:"recurring_failed_attempts" db:"recurring_failed_attempts"`
	LastRecurringChargeDate *time.Time `json:"last_recurring_charge_date,omitempty" db:"last_recurring_charge_date"`
	// ChargeKey is the idempotency key of the last charge attempt. It is kept
	// while that attempt may still have reached the gateway.
	ChargeKey *string `json:"-" db:"charge_key"`

	// ScheduleRaw is the stored schedule column; DecodeSchedule parses it.
	ScheduleRaw []byte `json:"-" db:"schedule"`
	// ScheduleErr is set when the stored schedule could not be parsed.
	ScheduleErr error `json:"-" db:"-"`
}

// DecodeSchedule fills Schedule from ScheduleRaw. A malformed value leaves
// Schedule empty and is kept in ScheduleErr.
func (b *Booking) DecodeSchedule() {
	b.Schedule, b.ScheduleErr = schedule.Weekly{}, nil
	if len(b.ScheduleRaw) == 0 {
		return
	}
	var w schedule.Weekly
	if err := w.Scan(b.ScheduleRaw); err != nil {
		b.ScheduleErr = err
		return
	}
	b.Schedule = w
}

// EndDate is the last day of service.
func (b *Booking) EndDate() time.Time {
	return DateOnly(b.ServiceDate).AddDate(0, 0, b.DurationDays)
}

// Rate returns the booking's hourly rate or def when none was agreed.
func (b *Booking) Rate(def decimal.Decimal) decimal.Decimal {
	if b.HourlyRate == nil || !b.HourlyRate.IsPositive() {
		return def
	}
	return *b.HourlyRate
}

// HoursPerDay reads the daily hours out of the free-text duty type.
func (b *Booking) HoursPerDay(def int) int {
	return schedule.HoursPerDay(b.DutyType, def)
}

// RenewalAmount is what a full successor period costs the client.
func (b *Booking) RenewalAmount(defaultHours int, defaultRate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(b.HoursPerDay(defaultHours))).
		Mul(decimal.NewFromInt(int64(b.DurationDays))).
		Mul(b.Rate(defaultRate))
}

func (b *Booking) RecurringActive() bool {
	return b.RecurringStatus == nil || *b.RecurringStatus == "" || *b.RecurringStatus == RecurringStatusActive
}

// NewSuccessor builds the next period of a recurring booking. The successor
// starts the day after the parent ends and waits for payment.
func (b *Booking) NewSuccessor(now time.Time) *Booking {
	parentID := b.ID
	active := RecurringStatusActive
	return &Booking{
		Base: Base{
			ID:        uuid.New(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		ClientID:            b.ClientID,
		ServiceType:         b.ServiceType,
		DutyType:            b.DutyType,
		ServiceDate:         b.EndDate().AddDate(0, 0, 1),
		DurationDays:        b.DurationDays,
		HourlyRate:          b.HourlyRate,
		Schedule:            b.Schedule,
		Address:             b.Address,
		Status:              BookingStatusPending,
		PaymentStatus:       PaymentStatusPending,
		AssignedCaregiverID: b.AssignedCaregiverID,
		RecurringService:    b.RecurringService,
		AutoPayEnabled:      b.AutoPayEnabled,
		RecurringStatus:     &active,
		ParentBookingID:     &parentID,
	}
}

// Assignment statuses
const (
	AssignmentStatusAssigned   = "assigned"
	AssignmentStatusUnassigned = "unassigned"
)

// BookingAssignment links a caregiver to a booking.
type BookingAssignment struct {
	Base
	BookingID   uuid.UUID        `json:"booking_id" db:"booking_id"`
	CaregiverID uuid.UUID        `json:"caregiver_id" db:"caregiver_id"`
	Status      string           `json:"status" db:"status"`
	HourlyRate  *decimal.Decimal `json:"hourly_rate,omitempty" db:"hourly_rate"`
}
