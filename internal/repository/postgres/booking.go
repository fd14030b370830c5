package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
)

const bookingColumns = `
	id, client_id, service_type, duty_type, service_date, duration_days,
	hourly_rate, schedule, address, status, payment_status, payment_date,
	payment_intent_id, assigned_caregiver_id, recurring_service, auto_pay_enabled,
	recurring_status, parent_booking_id, recurring_count, recurring_failed_attempts,
	last_recurring_charge_date, charge_key, created_at, updated_at`

const uniqueViolation = "23505"

type bookingRepository struct {
	BaseRepository
}

func NewBookingRepository(base BaseRepository) repository.BookingRepository {
	return &bookingRepository{base}
}

func (r *bookingRepository) Get(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	var booking model.Booking
	if err := r.db.GetContext(ctx, &booking, query, id); err != nil {
		return nil, notFound(err, "booking")
	}
	booking.DecodeSchedule()
	return &booking, nil
}

func (r *bookingRepository) GetByPaymentIntent(ctx context.Context, intentID string) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE payment_intent_id = $1`

	var booking model.Booking
	if err := r.db.GetContext(ctx, &booking, query, intentID); err != nil {
		return nil, notFound(err, "booking")
	}
	booking.DecodeSchedule()
	return &booking, nil
}

func (r *bookingRepository) ListRenewalCandidates(ctx context.Context, asOf time.Time) ([]*model.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE recurring_service = TRUE
		AND auto_pay_enabled = TRUE
		AND status IN ('approved', 'confirmed', 'completed')
		AND payment_status = 'paid'
		AND (recurring_status IS NULL OR recurring_status = '' OR recurring_status = 'active')
		AND service_date + duration_days <= $1::date
		ORDER BY service_date ASC
	`

	var bookings []*model.Booking
	if err := r.db.SelectContext(ctx, &bookings, query, asOf.Format("2006-01-02")); err != nil {
		return nil, fmt.Errorf("failed to list renewal candidates: %w", err)
	}
	decodeSchedules(bookings)
	return bookings, nil
}

func (r *bookingRepository) ListScheduled(ctx context.Context, status string) ([]*model.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = $1
		AND schedule IS NOT NULL AND schedule <> '{}'::jsonb
	`

	var bookings []*model.Booking
	if err := r.db.SelectContext(ctx, &bookings, query, status); err != nil {
		return nil, fmt.Errorf("failed to list scheduled bookings: %w", err)
	}
	decodeSchedules(bookings)
	return bookings, nil
}

func (r *bookingRepository) GetSuccessor(ctx context.Context, parentID uuid.UUID) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE parent_booking_id = $1`

	var booking model.Booking
	err := r.db.GetContext(ctx, &booking, query, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get successor booking: %w", err)
	}
	booking.DecodeSchedule()
	return &booking, nil
}

// decodeSchedules parses each row's schedule after the scan. Rows whose
// schedule does not parse are returned with ScheduleErr set.
func decodeSchedules(bookings []*model.Booking) {
	for _, b := range bookings {
		b.DecodeSchedule()
	}
}

func (r *bookingRepository) CreateSuccessor(ctx context.Context, b *model.Booking) error {
	if b.ParentBookingID == nil {
		return fmt.Errorf("successor booking requires a parent")
	}

	query := `
		INSERT INTO bookings (
			id, client_id, service_type, duty_type, service_date, duration_days,
			hourly_rate, schedule, address, status, payment_status,
			assigned_caregiver_id, recurring_service, auto_pay_enabled,
			recurring_status, parent_booking_id, charge_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (parent_booking_id) WHERE parent_booking_id IS NOT NULL DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		b.ID,
		b.ClientID,
		b.ServiceType,
		b.DutyType,
		b.ServiceDate,
		b.DurationDays,
		b.HourlyRate,
		b.Schedule,
		b.Address,
		b.Status,
		b.PaymentStatus,
		b.AssignedCaregiverID,
		b.RecurringService,
		b.AutoPayEnabled,
		b.RecurringStatus,
		b.ParentBookingID,
		b.ChargeKey,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return repository.ErrSuccessorExists
		}
		return fmt.Errorf("failed to create successor booking: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrSuccessorExists
	}
	return nil
}

func (r *bookingRepository) Update(ctx context.Context, b *model.Booking) error {
	query := `
		UPDATE bookings
		SET status = $1,
			payment_status = $2,
			payment_date = $3,
			payment_intent_id = $4,
			assigned_caregiver_id = $5,
			recurring_status = $6,
			recurring_count = $7,
			recurring_failed_attempts = $8,
			last_recurring_charge_date = $9,
			charge_key = $10,
			updated_at = $11
		WHERE id = $12
	`
	b.UpdatedAt = time.Now()

	result, err := r.db.ExecContext(ctx, query,
		b.Status,
		b.PaymentStatus,
		b.PaymentDate,
		b.PaymentIntentID,
		b.AssignedCaregiverID,
		b.RecurringStatus,
		b.RecurringCount,
		b.RecurringFailedAttempts,
		b.LastRecurringChargeDate,
		b.ChargeKey,
		b.UpdatedAt,
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	return requireRows(result, "booking")
}

type assignmentRepository struct {
	BaseRepository
}

func NewAssignmentRepository(base BaseRepository) repository.AssignmentRepository {
	return &assignmentRepository{base}
}

func (r *assignmentRepository) ListAssigned(ctx context.Context, bookingID uuid.UUID) ([]*model.BookingAssignment, error) {
	query := `
		SELECT id, booking_id, caregiver_id, status, hourly_rate, created_at, updated_at
		FROM booking_assignments
		WHERE booking_id = $1 AND status = 'assigned'
		ORDER BY created_at ASC
	`

	var assignments []*model.BookingAssignment
	if err := r.db.SelectContext(ctx, &assignments, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}

func (r *assignmentRepository) Create(ctx context.Context, a *model.BookingAssignment) error {
	query := `
		INSERT INTO booking_assignments (
			id, booking_id, caregiver_id, status, hourly_rate, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt

	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.BookingID,
		a.CaregiverID,
		a.Status,
		a.HourlyRate,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}
