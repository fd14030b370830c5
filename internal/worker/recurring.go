package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/gateway"
	"github.com/jwalitptl/homecare-billing/internal/lock"
	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
	renewalsvc "github.com/jwalitptl/homecare-billing/internal/service/renewal"
	apperrors "github.com/jwalitptl/homecare-billing/pkg/errors"
)

var renewableStatuses = map[string]bool{
	model.BookingStatusApproved:  true,
	model.BookingStatusConfirmed: true,
	model.BookingStatusCompleted: true,
}

// Eligible reports, as an Ineligible error, why b cannot be renewed on
// today. It checks only the booking itself; successor and client checks
// need the database.
func Eligible(b *model.Booking, today time.Time) error {
	switch {
	case !b.RecurringService:
		return apperrors.Ineligible("booking is not recurring")
	case !b.AutoPayEnabled:
		return apperrors.Ineligible("auto-pay is disabled")
	case !renewableStatuses[b.Status]:
		return apperrors.Ineligible(fmt.Sprintf("booking is %s", b.Status))
	case b.PaymentStatus != model.PaymentStatusPaid:
		return apperrors.Ineligible(fmt.Sprintf("booking payment is %s", b.PaymentStatus))
	case !b.RecurringActive():
		return apperrors.Ineligible(fmt.Sprintf("recurring status is %s", *b.RecurringStatus))
	case b.EndDate().After(model.DateOnly(today)):
		return apperrors.Ineligible(fmt.Sprintf("service runs until %s", b.EndDate().Format("2006-01-02")))
	}
	return nil
}

// RecurringJob renews recurring bookings whose period has ended: it creates
// the next period's booking and charges the client for it off-session.
type RecurringJob struct {
	*Deps
	renewals *renewalsvc.Service
}

func NewRecurringJob(d *Deps) *RecurringJob {
	return &RecurringJob{
		Deps:     d,
		renewals: renewalsvc.NewService(d.Bookings, d.Assignments, d.Payments, d.Notifier, d.Policy.PlatformFeePercent),
	}
}

func (j *RecurringJob) Name() string { return JobRecurring }

// renewal is the state of one parent booking while it is being renewed.
type renewal struct {
	parent    *model.Booking
	client    *model.User
	successor *model.Booking
	amount    decimal.Decimal
	retry     bool
}

func (j *RecurringJob) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := newSummary(j.Name(), opts).describe("renew", "bookings")
	today := j.today()

	candidates, err := j.Bookings.ListRenewalCandidates(ctx, today)
	if err != nil {
		j.Metrics.DatabaseOperations.WithLabelValues("list_renewal_candidates", "error").Inc()
		return nil, fmt.Errorf("failed to list renewal candidates: %w", err)
	}
	j.Metrics.DatabaseOperations.WithLabelValues("list_renewal_candidates", "success").Inc()

	for _, parent := range candidates {
		if ctx.Err() != nil {
			summary.note("stopped early: %v", ctx.Err())
			break
		}
		if opts.Limit > 0 && summary.Processed+summary.Failed >= opts.Limit {
			summary.note("stopped after %d bookings (limit)", opts.Limit)
			break
		}

		id := parent.ID.String()
		r, err := j.prepare(ctx, parent, today)
		if err != nil {
			j.report(summary, id, decimal.Zero, err)
			continue
		}

		if opts.DryRun {
			detail := "would create successor and charge"
			if r.retry {
				detail = "would retry failed renewal charge"
			}
			summary.processed(id, r.amount, detail)
			continue
		}

		charged, err := j.renew(ctx, r)
		if err != nil {
			j.report(summary, id, r.amount, err)
			continue
		}
		summary.processed(id, charged, fmt.Sprintf("successor %s starts %s", r.successor.ID, r.successor.ServiceDate.Format("2006-01-02")))
	}

	return summary, nil
}

func (j *RecurringJob) report(summary *Summary, id string, amount decimal.Decimal, err error) {
	if apperrors.IsIneligible(err) {
		summary.skipped(id, err.Error())
		return
	}
	if apperrors.CodeOf(err) == apperrors.ErrParse {
		j.Logger.Warn("Skipping booking", "booking_id", id, "error", err.Error())
		summary.skipped(id, err.Error())
		return
	}
	j.Logger.Error(err, "Failed to renew booking", "booking_id", id)
	summary.failed(id, amount, err.Error())
}

// prepare runs every read-only check for a parent booking. It never calls
// the gateway and never writes, so dry runs share it.
func (j *RecurringJob) prepare(ctx context.Context, parent *model.Booking, today time.Time) (*renewal, error) {
	if err := Eligible(parent, today); err != nil {
		return nil, err
	}
	if parent.ScheduleErr != nil {
		return nil, apperrors.Parse("unreadable schedule", parent.ScheduleErr)
	}

	r := &renewal{
		parent: parent,
		amount: parent.RenewalAmount(j.Policy.DefaultHoursPerDay, j.Policy.DefaultHourlyRate),
	}
	if !r.amount.IsPositive() {
		return nil, apperrors.Ineligible("renewal amount is zero")
	}

	successor, err := j.Bookings.GetSuccessor(ctx, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up successor: %w", err)
	}
	if successor != nil {
		if successor.PaymentStatus != model.PaymentStatusFailed {
			return nil, apperrors.Ineligible(fmt.Sprintf("successor %s already exists", successor.ID))
		}
		if parent.RecurringFailedAttempts >= j.Policy.MaxRenewalAttempts {
			return nil, apperrors.Ineligible(fmt.Sprintf("renewal failed %d times", parent.RecurringFailedAttempts))
		}
		r.successor = successor
		r.retry = true
	}

	client, err := j.Users.Get(ctx, parent.ClientID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.Ineligible("client not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if !client.HasPaymentMethodOnFile() {
		return nil, apperrors.Ineligible("client has no payment method on file")
	}
	r.client = client
	return r, nil
}

// chargeKey names a new charge attempt. The failed-attempt count only grows
// after a failure, so each attempt gets its own key.
func chargeKey(r *renewal) *string {
	key := fmt.Sprintf("renewal-%s-%d", r.successor.ID, r.parent.RecurringFailedAttempts)
	return &key
}

// renew creates the successor (unless retrying one) and charges for it under
// a per-parent lock. It returns the amount charged.
func (j *RecurringJob) renew(ctx context.Context, r *renewal) (decimal.Decimal, error) {
	release, err := j.Locker.Acquire(ctx, "recurring:"+r.parent.ID.String(), defaultItemLockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return decimal.Zero, apperrors.Ineligible("renewal in progress elsewhere")
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock booking: %w", err)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			j.Logger.Error(err, "Failed to release booking lock", "booking_id", r.parent.ID.String())
		}
	}()

	customer := *r.client.GatewayCustomerID
	paymentMethod, err := gateway.ResolvePaymentMethod(ctx, j.Gateway, customer)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to resolve payment method: %w", err)
	}
	if paymentMethod == "" {
		return decimal.Zero, apperrors.Ineligible("client has no usable payment method")
	}

	if !r.retry {
		r.successor = r.parent.NewSuccessor(j.now())
		r.successor.ChargeKey = chargeKey(r)
		if err := j.Bookings.CreateSuccessor(ctx, r.successor); err != nil {
			if errors.Is(err, repository.ErrSuccessorExists) {
				return decimal.Zero, apperrors.Ineligible("successor already exists")
			}
			return decimal.Zero, fmt.Errorf("failed to create successor: %w", err)
		}
	}

	if r.successor.ChargeKey == nil {
		r.successor.ChargeKey = chargeKey(r)
	}

	result, err := j.Gateway.Charge(ctx, gateway.ChargeRequest{
		CustomerID:      customer,
		PaymentMethodID: paymentMethod,
		Amount:          r.amount,
		Description:     fmt.Sprintf("Renewal of booking %s", r.parent.ID),
		Metadata: map[string]string{
			"booking_id":        r.successor.ID.String(),
			"parent_booking_id": r.parent.ID.String(),
			"type":              renewalsvc.ChargeType,
		},
		IdempotencyKey: *r.successor.ChargeKey,
	})
	if err != nil {
		j.chargeFailed(ctx, r, err)
		return decimal.Zero, fmt.Errorf("charge failed: %w", err)
	}

	if err := j.chargeSucceeded(ctx, r, result, paymentMethod); err != nil {
		// The client has been charged; the ledger must be fixed by hand.
		j.Logger.Error(err, "Charge succeeded but bookkeeping failed",
			"booking_id", r.parent.ID.String(),
			"successor_id", r.successor.ID.String(),
			"payment_intent", result.ID)
		return decimal.Zero, err
	}
	return r.amount, nil
}

func (j *RecurringJob) chargeFailed(ctx context.Context, r *renewal, chargeErr error) {
	parent, successor := r.parent, r.successor
	log := j.Logger.WithFields(map[string]interface{}{
		"booking_id":   parent.ID.String(),
		"successor_id": successor.ID.String(),
		"retryable":    apperrors.IsRetryable(chargeErr),
	})

	successor.Status = model.BookingStatusPending
	successor.PaymentStatus = model.PaymentStatusFailed
	// A retryable failure may still have gone through, so the next attempt
	// repeats the same request.
	if !apperrors.IsRetryable(chargeErr) {
		successor.ChargeKey = nil
	}
	if err := j.Bookings.Update(ctx, successor); err != nil {
		log.Error(err, "Failed to mark successor payment failed")
	}

	parent.RecurringFailedAttempts++
	suspended := parent.RecurringFailedAttempts >= j.Policy.MaxRenewalAttempts
	if suspended {
		status := model.RecurringStatusSuspended
		parent.RecurringStatus = &status
	}
	if err := j.Bookings.Update(ctx, parent); err != nil {
		log.Error(err, "Failed to record renewal failure on parent")
	}

	amount := r.amount.StringFixed(2)
	j.Notifier.Notify(ctx, parent.ClientID, notification.Message{
		Type:  model.NotificationRecurringPaymentFailed,
		Title: "Recurring payment failed",
		Body:  fmt.Sprintf("We could not charge $%s to renew your booking. Please update your payment method.", amount),
	})
	j.Notifier.NotifyAdmins(ctx, notification.Message{
		Type:  model.NotificationRecurringPaymentFailed,
		Title: "Recurring payment failed",
		Body: fmt.Sprintf("Renewal charge of $%s for booking %s failed (attempt %d of %d): %v",
			amount, parent.ID, parent.RecurringFailedAttempts, j.Policy.MaxRenewalAttempts, chargeErr),
	})
	if suspended {
		log.Warn("Recurring booking suspended", "attempts", parent.RecurringFailedAttempts)
		j.Notifier.NotifyAdmins(ctx, notification.Message{
			Type:  model.NotificationRecurringSuspended,
			Title: "Recurring booking suspended",
			Body: fmt.Sprintf("Booking %s was suspended after %d failed renewal charges.",
				parent.ID, parent.RecurringFailedAttempts),
		})
	}
}

func (j *RecurringJob) chargeSucceeded(ctx context.Context, r *renewal, result *gateway.ChargeResult, paymentMethod string) error {
	if result.PaymentMethodID != "" {
		paymentMethod = result.PaymentMethodID
	}
	return j.renewals.Succeeded(ctx, r.parent, r.successor, renewalsvc.Charge{
		IntentID:        result.ID,
		PaymentMethodID: paymentMethod,
		Amount:          r.amount,
		PaidAt:          j.now(),
	})
}
