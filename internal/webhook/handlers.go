package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/gateway"
	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
	"github.com/jwalitptl/homecare-billing/internal/service/renewal"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

// Handlers apply gateway events to the ledger. Every handler is idempotent:
// replaying an event that was already applied, fully or in part, only
// completes what is missing.
type Handlers struct {
	Bookings    repository.BookingRepository
	Assignments repository.AssignmentRepository
	Payments    repository.PaymentRepository
	Payouts     repository.PayoutRepository
	Users       repository.UserRepository
	Notifier    notification.Service
	FeePercent  decimal.Decimal
	Logger      *logger.Logger
	Now         func() time.Time
}

// NewDefaultRegistry registers every handled kind.
func NewDefaultRegistry(h *Handlers) *Registry {
	if h.Now == nil {
		h.Now = time.Now
	}
	r := NewRegistry()
	r.Register(KindPaymentSucceeded, h.PaymentSucceeded)
	r.Register(KindPaymentFailed, h.PaymentFailed)
	r.Register(KindChargeRefunded, h.ChargeRefunded)
	r.Register(KindTransferReversed, h.TransferReversed)
	r.Register(KindAccountUpdated, h.AccountUpdated)
	return r
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	PaymentMethod    string            `json:"payment_method"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (h *Handlers) bookingForIntent(ctx context.Context, intent *paymentIntentObject) (*model.Booking, error) {
	booking, err := h.Bookings.GetByPaymentIntent(ctx, intent.ID)
	if err == nil || !errors.Is(err, repository.ErrNotFound) {
		return booking, err
	}

	id, parseErr := uuid.Parse(intent.Metadata["booking_id"])
	if parseErr != nil {
		return nil, err
	}
	return h.Bookings.Get(ctx, id)
}

func (h *Handlers) PaymentSucceeded(ctx context.Context, ev *Event) error {
	var intent paymentIntentObject
	if err := ev.Object(&intent); err != nil {
		return err
	}

	booking, err := h.bookingForIntent(ctx, &intent)
	if err != nil {
		return fmt.Errorf("failed to find booking for %s: %w", intent.ID, err)
	}
	if booking.PaymentStatus == model.PaymentStatusPaid {
		return nil
	}

	now := h.Now()
	amount := gateway.FromCents(intent.Amount)

	// A renewal the recurring job gave up on may still have been charged.
	if booking.ParentBookingID != nil && intent.Metadata["type"] == renewal.ChargeType {
		parent, err := h.Bookings.Get(ctx, *booking.ParentBookingID)
		if err != nil {
			return fmt.Errorf("failed to load parent of %s: %w", booking.ID, err)
		}
		h.Logger.Info("Settling renewal confirmed by webhook",
			"booking_id", parent.ID.String(),
			"successor_id", booking.ID.String(),
			"payment_intent", intent.ID)
		return h.renewals().Succeeded(ctx, parent, booking, renewal.Charge{
			IntentID:        intent.ID,
			PaymentMethodID: intent.PaymentMethod,
			Amount:          amount,
			PaidAt:          now,
		})
	}

	fee, contractor := model.SplitAmount(amount, h.FeePercent)
	err = h.Payments.Create(ctx, &model.Payment{
		BookingID:       booking.ID,
		ClientID:        booking.ClientID,
		Amount:          amount,
		PlatformFee:     fee,
		CaregiverAmount: contractor,
		Status:          model.PaymentCompleted,
		TransactionID:   intent.ID,
		PaymentMethodID: intent.PaymentMethod,
		PaidAt:          now,
	})
	if err != nil && !errors.Is(err, repository.ErrPaymentExists) {
		return err
	}

	booking.PaymentStatus = model.PaymentStatusPaid
	booking.PaymentDate = &now
	booking.PaymentIntentID = &intent.ID
	if booking.Status == model.BookingStatusPending {
		booking.Status = model.BookingStatusApproved
	}
	return h.Bookings.Update(ctx, booking)
}

func (h *Handlers) renewals() *renewal.Service {
	return renewal.NewService(h.Bookings, h.Assignments, h.Payments, h.Notifier, h.FeePercent)
}

func (h *Handlers) PaymentFailed(ctx context.Context, ev *Event) error {
	var intent paymentIntentObject
	if err := ev.Object(&intent); err != nil {
		return err
	}

	booking, err := h.bookingForIntent(ctx, &intent)
	if err != nil {
		return fmt.Errorf("failed to find booking for %s: %w", intent.ID, err)
	}
	if booking.PaymentStatus == model.PaymentStatusPaid || booking.PaymentStatus == model.PaymentStatusFailed {
		return nil
	}

	booking.PaymentStatus = model.PaymentStatusFailed
	booking.PaymentIntentID = &intent.ID
	if err := h.Bookings.Update(ctx, booking); err != nil {
		return err
	}

	reason := "your card was declined"
	if intent.LastPaymentError != nil && intent.LastPaymentError.Message != "" {
		reason = intent.LastPaymentError.Message
	}
	h.Notifier.Notify(ctx, booking.ClientID, notification.Message{
		Type:  model.NotificationPaymentFailed,
		Title: "Payment failed",
		Body:  fmt.Sprintf("We could not charge your payment method for booking %s: %s.", booking.ID, reason),
	})
	return nil
}

type chargeObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Refunded      bool   `json:"refunded"`
}

func (h *Handlers) ChargeRefunded(ctx context.Context, ev *Event) error {
	var charge chargeObject
	if err := ev.Object(&charge); err != nil {
		return err
	}
	if !charge.Refunded {
		// Partial refunds leave the payment in place.
		return nil
	}

	err := h.Payments.MarkRefunded(ctx, charge.PaymentIntent, h.Now())
	if errors.Is(err, repository.ErrNotFound) {
		h.Logger.Info("Refund matches no open payment", "payment_intent", charge.PaymentIntent)
		return nil
	}
	if err != nil {
		return err
	}

	booking, err := h.Bookings.GetByPaymentIntent(ctx, charge.PaymentIntent)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	booking.PaymentStatus = model.PaymentStatusRefunded
	return h.Bookings.Update(ctx, booking)
}

type transferObject struct {
	ID string `json:"id"`
}

func (h *Handlers) TransferReversed(ctx context.Context, ev *Event) error {
	var transfer transferObject
	if err := ev.Object(&transfer); err != nil {
		return err
	}

	reason := "transfer reversed by gateway"
	if err := h.Payouts.UpdateStatusByTransfer(ctx, transfer.ID, model.PayoutStatusReversed, &reason); err != nil {
		return fmt.Errorf("failed to reverse payout for %s: %w", transfer.ID, err)
	}
	return nil
}

type accountObject struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

func (h *Handlers) AccountUpdated(ctx context.Context, ev *Event) error {
	var account accountObject
	if err := ev.Object(&account); err != nil {
		return err
	}

	err := h.Users.SetPayoutsEnabled(ctx, account.ID, account.PayoutsEnabled)
	if errors.Is(err, repository.ErrNotFound) {
		h.Logger.Debug("Account update for unknown payout account", "account_id", account.ID)
		return nil
	}
	return err
}
