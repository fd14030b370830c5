package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
)

type snapshotRepository struct {
	BaseRepository
}

func NewSnapshotRepository(base BaseRepository) repository.SnapshotRepository {
	return &snapshotRepository{base}
}

// Totals reconstructs the ledger as it stood at cutoff: money paid after the
// cutoff still counts as payable, refunds after the cutoff still count as revenue.
func (r *snapshotRepository) Totals(ctx context.Context, cutoff time.Time) (*model.FinancialTotals, error) {
	query := `
		SELECT
			COALESCE((SELECT SUM(amount) FROM payments
				WHERE paid_at <= $1
				AND (status = 'completed' OR (status = 'refunded' AND refunded_at > $1))), 0) AS total_revenue,
			COALESCE((SELECT SUM(caregiver_earnings) FROM time_trackings
				WHERE payment_status = 'paid' AND paid_at <= $1), 0) AS caregivers_paid,
			COALESCE((SELECT SUM(marketing_partner_commission) FROM time_trackings
				WHERE marketing_commission_paid AND marketing_paid_at <= $1), 0) AS marketing_paid,
			COALESCE((SELECT SUM(training_center_commission) FROM time_trackings
				WHERE training_commission_paid AND training_paid_at <= $1), 0) AS training_paid,
			COALESCE((SELECT SUM(caregiver_earnings) FROM time_trackings
				WHERE clock_out_time <= $1
				AND (payment_status = 'pending' OR paid_at > $1)), 0) AS caregivers_payable,
			COALESCE((SELECT SUM(marketing_partner_commission) FROM time_trackings
				WHERE marketing_partner_id IS NOT NULL AND clock_out_time <= $1
				AND (NOT marketing_commission_paid OR marketing_paid_at > $1)), 0) AS marketing_payable,
			COALESCE((SELECT SUM(training_center_commission) FROM time_trackings
				WHERE training_center_user_id IS NOT NULL AND clock_out_time <= $1
				AND (NOT training_commission_paid OR training_paid_at > $1)), 0) AS training_payable
	`

	var totals model.FinancialTotals
	if err := r.db.GetContext(ctx, &totals, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to compute financial totals: %w", err)
	}
	return &totals, nil
}

func (r *snapshotRepository) Upsert(ctx context.Context, s *model.DailyBalanceSnapshot) error {
	query := `
		INSERT INTO daily_balance_snapshots (
			id, snapshot_date, total_revenue, caregivers_paid, marketing_paid, training_paid,
			caregivers_payable, marketing_payable, training_payable, platform_revenue,
			gateway_available, gateway_pending, gateway_reconciled, discrepancies,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (snapshot_date) DO UPDATE SET
			total_revenue = EXCLUDED.total_revenue,
			caregivers_paid = EXCLUDED.caregivers_paid,
			marketing_paid = EXCLUDED.marketing_paid,
			training_paid = EXCLUDED.training_paid,
			caregivers_payable = EXCLUDED.caregivers_payable,
			marketing_payable = EXCLUDED.marketing_payable,
			training_payable = EXCLUDED.training_payable,
			platform_revenue = EXCLUDED.platform_revenue,
			gateway_available = EXCLUDED.gateway_available,
			gateway_pending = EXCLUDED.gateway_pending,
			gateway_reconciled = EXCLUDED.gateway_reconciled,
			discrepancies = EXCLUDED.discrepancies,
			updated_at = EXCLUDED.updated_at
	`
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Discrepancies == nil {
		s.Discrepancies = pq.StringArray{}
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.SnapshotDate.Format("2006-01-02"),
		s.TotalRevenue,
		s.CaregiversPaid,
		s.MarketingPaid,
		s.TrainingPaid,
		s.CaregiversPayable,
		s.MarketingPayable,
		s.TrainingPayable,
		s.PlatformRevenue,
		s.GatewayAvailable,
		s.GatewayPending,
		s.GatewayReconciled,
		s.Discrepancies,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert balance snapshot: %w", err)
	}
	return nil
}
