package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
)

const timeTrackingColumns = `
	id, caregiver_id, booking_id, work_date, clock_in_time, clock_out_time,
	hours_worked, caregiver_earnings, total_client_charge, payment_status, paid_at,
	payout_id, auto_clocked_out, marketing_partner_id, marketing_partner_commission,
	marketing_commission_paid, training_center_user_id, training_center_commission,
	training_commission_paid, created_at, updated_at`

// earningColumns describes where each contractor role's money lives on a
// time entry.
type earningColumns struct {
	owner  string
	amount string
	unpaid string
	settle string
}

var earningsByRole = map[string]earningColumns{
	model.RoleCaregiver: {
		owner:  "caregiver_id",
		amount: "caregiver_earnings",
		unpaid: "payment_status = 'pending'",
		settle: "payment_status = 'paid', paid_at = $1, payout_id = $2",
	},
	model.RoleMarketing: {
		owner:  "marketing_partner_id",
		amount: "marketing_partner_commission",
		unpaid: "marketing_commission_paid = FALSE",
		settle: "marketing_commission_paid = TRUE, marketing_paid_at = $1, marketing_payout_id = $2",
	},
	model.RoleTrainingCenter: {
		owner:  "training_center_user_id",
		amount: "training_center_commission",
		unpaid: "training_commission_paid = FALSE",
		settle: "training_commission_paid = TRUE, training_paid_at = $1, training_payout_id = $2",
	},
}

func init() {
	// Housekeepers clock in on bookings exactly like caregivers.
	earningsByRole[model.RoleHousekeeper] = earningsByRole[model.RoleCaregiver]
}

func columnsForRole(role string) (earningColumns, error) {
	cols, ok := earningsByRole[role]
	if !ok {
		return earningColumns{}, fmt.Errorf("role %q has no earnings", role)
	}
	return cols, nil
}

type timeTrackingRepository struct {
	BaseRepository
}

func NewTimeTrackingRepository(base BaseRepository) repository.TimeTrackingRepository {
	return &timeTrackingRepository{base}
}

func (r *timeTrackingRepository) ListOpen(ctx context.Context, bookingID uuid.UUID, since time.Time) ([]*model.TimeTracking, error) {
	query := `
		SELECT ` + timeTrackingColumns + `
		FROM time_trackings
		WHERE booking_id = $1
		AND clock_out_time IS NULL
		AND work_date >= $2::date
		ORDER BY clock_in_time ASC
	`

	var entries []*model.TimeTracking
	if err := r.db.SelectContext(ctx, &entries, query, bookingID, since.Format("2006-01-02")); err != nil {
		return nil, fmt.Errorf("failed to list open time entries: %w", err)
	}
	return entries, nil
}

func (r *timeTrackingRepository) Close(ctx context.Context, entry *model.TimeTracking) error {
	if entry.ClockOutTime == nil {
		return fmt.Errorf("time entry %s has no clock-out", entry.ID)
	}

	query := `
		UPDATE time_trackings
		SET clock_out_time = $1,
			hours_worked = $2,
			caregiver_earnings = $3,
			total_client_charge = $4,
			auto_clocked_out = $5,
			updated_at = $6
		WHERE id = $7 AND clock_out_time IS NULL
	`
	result, err := r.db.ExecContext(ctx, query,
		entry.ClockOutTime,
		entry.HoursWorked,
		entry.CaregiverEarnings,
		entry.TotalClientCharge,
		entry.AutoClockedOut,
		entry.UpdatedAt,
		entry.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to close time entry: %w", err)
	}
	return requireRows(result, "open time entry")
}

func (r *timeTrackingRepository) UnpaidEarnings(ctx context.Context, userID uuid.UUID, role string, cutoff time.Time) ([]model.Earning, error) {
	cols, err := columnsForRole(role)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, %[1]s AS amount
		FROM time_trackings
		WHERE %[2]s = $1
		AND %[3]s
		AND clock_out_time IS NOT NULL
		AND clock_out_time <= $2
		AND %[1]s > 0
		ORDER BY clock_out_time ASC
	`, cols.amount, cols.owner, cols.unpaid)

	var earnings []model.Earning
	if err := r.db.SelectContext(ctx, &earnings, query, userID, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list unpaid earnings: %w", err)
	}
	return earnings, nil
}
