package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/model"
)

var (
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = errors.New("record not found")
	// ErrSuccessorExists is returned when a parent booking already has a successor.
	ErrSuccessorExists = errors.New("successor booking already exists")
	// ErrPaymentExists is returned when a payment for the transaction is
	// already recorded.
	ErrPaymentExists = errors.New("payment already recorded")
)

// All repository interfaces in one file
type (
	BookingRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Booking, error)
		GetByPaymentIntent(ctx context.Context, intentID string) (*model.Booking, error)
		// ListRenewalCandidates returns recurring, auto-pay bookings whose
		// service period ended on or before asOf.
		ListRenewalCandidates(ctx context.Context, asOf time.Time) ([]*model.Booking, error)
		// ListScheduled returns bookings in the given status that have a schedule.
		ListScheduled(ctx context.Context, status string) ([]*model.Booking, error)
		GetSuccessor(ctx context.Context, parentID uuid.UUID) (*model.Booking, error)
		// CreateSuccessor inserts a successor booking and fails with
		// ErrSuccessorExists when the parent already has one.
		CreateSuccessor(ctx context.Context, booking *model.Booking) error
		Update(ctx context.Context, booking *model.Booking) error
	}

	AssignmentRepository interface {
		ListAssigned(ctx context.Context, bookingID uuid.UUID) ([]*model.BookingAssignment, error)
		Create(ctx context.Context, assignment *model.BookingAssignment) error
	}

	UserRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.User, error)
		ListActiveByRole(ctx context.Context, roles ...string) ([]*model.User, error)
		SetPayoutsEnabled(ctx context.Context, payoutAccountID string, enabled bool) error
	}

	TimeTrackingRepository interface {
		// ListOpen returns entries on the booking with no clock-out whose work
		// date is on or after since.
		ListOpen(ctx context.Context, bookingID uuid.UUID, since time.Time) ([]*model.TimeTracking, error)
		// Close stores the clock-out of an entry that is still open. It returns
		// ErrNotFound when another process closed it first.
		Close(ctx context.Context, entry *model.TimeTracking) error
		// UnpaidEarnings lists closed, unpaid amounts owed to a contractor in the
		// given role as of the cutoff.
		UnpaidEarnings(ctx context.Context, userID uuid.UUID, role string, cutoff time.Time) ([]model.Earning, error)
	}

	PaymentRepository interface {
		// Create fails with ErrPaymentExists when the transaction is already
		// recorded.
		Create(ctx context.Context, payment *model.Payment) error
		MarkRefunded(ctx context.Context, transactionID string, refundedAt time.Time) error
	}

	// PayoutRepository stores payouts. A payout is created pending before its
	// transfer and a user has at most one pending payout per role.
	PayoutRepository interface {
		Create(ctx context.Context, payout *model.PayoutTransaction) error
		// FindOpen returns the pending payout of the user in role, or nil.
		FindOpen(ctx context.Context, userID uuid.UUID, role string) (*model.PayoutTransaction, error)
		RecordTransfer(ctx context.Context, id uuid.UUID, transferID string) error
		Fail(ctx context.Context, id uuid.UUID, reason string) error
		// Settle completes a pending payout and marks its entries as paid in
		// one transaction.
		Settle(ctx context.Context, payout *model.PayoutTransaction, paidAt time.Time) error
		UpdateStatusByTransfer(ctx context.Context, transferID, status string, reason *string) error
	}

	SnapshotRepository interface {
		Totals(ctx context.Context, cutoff time.Time) (*model.FinancialTotals, error)
		Upsert(ctx context.Context, snapshot *model.DailyBalanceSnapshot) error
	}

	WebhookRepository interface {
		Enqueue(ctx context.Context, hook *model.FailedWebhook) error
		// ClaimPending atomically moves up to limit pending rows, and rows stuck
		// in processing for longer than staleAfter, to processing.
		ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.FailedWebhook, error)
		MarkCompleted(ctx context.Context, id uuid.UUID) error
		MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error
		// MarkFailed records one failed attempt and returns the resulting status.
		MarkFailed(ctx context.Context, id uuid.UUID, reason string) (string, error)
		DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}

	NotificationRepository interface {
		Create(ctx context.Context, notification *model.Notification) error
	}
)

// Earnings totals unpaid earnings and collects the time entries they cover.
func Earnings(earnings []model.Earning) (decimal.Decimal, []uuid.UUID) {
	ids := make([]uuid.UUID, 0, len(earnings))
	for _, e := range earnings {
		ids = append(ids, e.TimeTrackingID)
	}
	return model.SumEarnings(earnings), ids
}
