// Package renewal settles successful renewal charges of recurring bookings.
// The recurring job and the payment webhook both go through it, so a charge
// confirmed late by the gateway is booked the same way as one confirmed
// inline.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
)

// ChargeType marks renewal charges in the gateway metadata.
const ChargeType = "recurring_renewal"

// Charge is a renewal charge the gateway reported as succeeded.
type Charge struct {
	IntentID        string
	PaymentMethodID string
	Amount          decimal.Decimal
	PaidAt          time.Time
}

type Service struct {
	bookings    repository.BookingRepository
	assignments repository.AssignmentRepository
	payments    repository.PaymentRepository
	notifier    notification.Service
	feePercent  decimal.Decimal
}

func NewService(
	bookings repository.BookingRepository,
	assignments repository.AssignmentRepository,
	payments repository.PaymentRepository,
	notifier notification.Service,
	feePercent decimal.Decimal,
) *Service {
	return &Service{
		bookings:    bookings,
		assignments: assignments,
		payments:    payments,
		notifier:    notifier,
		feePercent:  feePercent,
	}
}

// Succeeded records c against successor and its parent. Every step checks
// what is already stored, so calling it again after a partial failure
// finishes the work without repeating it. The successor is marked paid last.
func (s *Service) Succeeded(ctx context.Context, parent, successor *model.Booking, c Charge) error {
	if successor.PaymentStatus == model.PaymentStatusPaid {
		return nil
	}

	fee, contractor := model.SplitAmount(c.Amount, s.feePercent)
	err := s.payments.Create(ctx, &model.Payment{
		BookingID:       successor.ID,
		ClientID:        successor.ClientID,
		Amount:          c.Amount,
		PlatformFee:     fee,
		CaregiverAmount: contractor,
		Status:          model.PaymentCompleted,
		TransactionID:   c.IntentID,
		PaymentMethodID: c.PaymentMethodID,
		PaidAt:          c.PaidAt,
	})
	if err != nil && !errors.Is(err, repository.ErrPaymentExists) {
		return fmt.Errorf("failed to record payment: %w", err)
	}

	if err := s.copyAssignments(ctx, parent, successor, c.PaidAt); err != nil {
		return err
	}

	// The parent is charged once per successor; a charge date on or after
	// the successor's creation means this one was counted.
	if parent.LastRecurringChargeDate == nil || parent.LastRecurringChargeDate.Before(successor.CreatedAt) {
		paidAt := c.PaidAt
		parent.LastRecurringChargeDate = &paidAt
		parent.RecurringCount++
		parent.RecurringFailedAttempts = 0
		if parent.RecurringStatus != nil && *parent.RecurringStatus == model.RecurringStatusSuspended {
			active := model.RecurringStatusActive
			parent.RecurringStatus = &active
		}
		if err := s.bookings.Update(ctx, parent); err != nil {
			return fmt.Errorf("failed to update parent: %w", err)
		}
	}

	paidAt := c.PaidAt
	intentID := c.IntentID
	successor.Status = model.BookingStatusApproved
	successor.PaymentStatus = model.PaymentStatusPaid
	successor.PaymentDate = &paidAt
	successor.PaymentIntentID = &intentID
	if err := s.bookings.Update(ctx, successor); err != nil {
		return fmt.Errorf("failed to mark successor paid: %w", err)
	}

	s.notifier.Notify(ctx, parent.ClientID, notification.Message{
		Type:  model.NotificationRecurringPaymentSuccess,
		Title: "Booking renewed",
		Body: fmt.Sprintf("Your booking has been renewed from %s. We charged $%s to your saved payment method.",
			successor.ServiceDate.Format("January 2, 2006"), c.Amount.StringFixed(2)),
	})
	return nil
}

// copyAssignments gives the successor the parent's caregivers unless it
// already has some.
func (s *Service) copyAssignments(ctx context.Context, parent, successor *model.Booking, now time.Time) error {
	existing, err := s.assignments.ListAssigned(ctx, successor.ID)
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	assigned, err := s.assignments.ListAssigned(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}
	if len(assigned) == 0 && parent.AssignedCaregiverID != nil {
		assigned = []*model.BookingAssignment{{CaregiverID: *parent.AssignedCaregiverID}}
	}
	for _, a := range assigned {
		if err := s.assignments.Create(ctx, &model.BookingAssignment{
			Base:        model.Base{CreatedAt: now, UpdatedAt: now},
			BookingID:   successor.ID,
			CaregiverID: a.CaregiverID,
			Status:      model.AssignmentStatusAssigned,
			HourlyRate:  a.HourlyRate,
		}); err != nil {
			return fmt.Errorf("failed to copy assignment for caregiver %s: %w", a.CaregiverID, err)
		}
	}
	return nil
}
