package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
)

type payoutRepository struct {
	BaseRepository
}

func NewPayoutRepository(base BaseRepository) repository.PayoutRepository {
	return &payoutRepository{base}
}

const insertPayout = `
	INSERT INTO payout_transactions (
		id, user_id, role, frequency, amount, status, transfer_id,
		failure_reason, entry_count, entry_ids, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (r *payoutRepository) Create(ctx context.Context, p *model.PayoutTransaction) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	if p.EntryCount == 0 {
		p.EntryCount = len(p.EntryIDs)
	}

	_, err := r.db.ExecContext(ctx, insertPayout,
		p.ID, p.UserID, p.Role, p.Frequency, p.Amount, p.Status, p.TransferID,
		p.FailureReason, p.EntryCount, pq.Array(uuidStrings(p.EntryIDs)), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

type payoutRow struct {
	model.PayoutTransaction
	Entries pq.StringArray `db:"entry_ids"`
}

func (r *payoutRepository) FindOpen(ctx context.Context, userID uuid.UUID, role string) (*model.PayoutTransaction, error) {
	query := `
		SELECT id, user_id, role, frequency, amount, status, transfer_id,
			failure_reason, entry_count, entry_ids, created_at, updated_at
		FROM payout_transactions
		WHERE user_id = $1 AND role = $2 AND status = 'pending'
	`

	var row payoutRow
	err := r.db.GetContext(ctx, &row, query, userID, role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open payout: %w", err)
	}

	payout := row.PayoutTransaction
	payout.EntryIDs = make([]uuid.UUID, 0, len(row.Entries))
	for _, s := range row.Entries {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("payout %s has a bad entry id %q: %w", payout.ID, s, err)
		}
		payout.EntryIDs = append(payout.EntryIDs, id)
	}
	return &payout, nil
}

func (r *payoutRepository) RecordTransfer(ctx context.Context, id uuid.UUID, transferID string) error {
	query := `
		UPDATE payout_transactions
		SET transfer_id = $1, updated_at = $2
		WHERE id = $3 AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, transferID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return requireRows(result, "payout")
}

func (r *payoutRepository) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE payout_transactions
		SET status = 'failed', failure_reason = $1, updated_at = $2
		WHERE id = $3 AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, reason, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark payout failed: %w", err)
	}
	return requireRows(result, "payout")
}

func (r *payoutRepository) Settle(ctx context.Context, p *model.PayoutTransaction, paidAt time.Time) error {
	cols, err := columnsForRole(p.Role)
	if err != nil {
		return err
	}

	complete := `
		UPDATE payout_transactions
		SET status = 'completed', transfer_id = COALESCE($1, transfer_id), updated_at = $2
		WHERE id = $3 AND status = 'pending'
	`
	settle := fmt.Sprintf(`
		UPDATE time_trackings
		SET %s, updated_at = NOW()
		WHERE id = ANY($3) AND %s
	`, cols.settle, cols.unpaid)

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, complete, p.TransferID, paidAt, p.ID)
		if err != nil {
			return fmt.Errorf("failed to complete payout: %w", err)
		}
		if err := requireRows(result, "pending payout"); err != nil {
			return err
		}

		result, err = tx.ExecContext(ctx, settle, paidAt, p.ID, pq.Array(uuidStrings(p.EntryIDs)))
		if err != nil {
			return fmt.Errorf("failed to settle time entries: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if int(rows) != len(p.EntryIDs) {
			return fmt.Errorf("settled %d of %d time entries", rows, len(p.EntryIDs))
		}
		p.Status = model.PayoutStatusCompleted
		return nil
	})
}

func (r *payoutRepository) UpdateStatusByTransfer(ctx context.Context, transferID, status string, reason *string) error {
	query := `
		UPDATE payout_transactions
		SET status = $1, failure_reason = COALESCE($2, failure_reason), updated_at = $3
		WHERE transfer_id = $4
	`
	result, err := r.db.ExecContext(ctx, query, status, reason, time.Now(), transferID)
	if err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}
	return requireRows(result, "payout")
}

type paymentRepository struct {
	BaseRepository
}

func NewPaymentRepository(base BaseRepository) repository.PaymentRepository {
	return &paymentRepository{base}
}

func (r *paymentRepository) Create(ctx context.Context, p *model.Payment) error {
	query := `
		INSERT INTO payments (
			id, booking_id, client_id, amount, platform_fee, caregiver_amount,
			status, transaction_id, payment_method_id, paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt

	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.BookingID,
		p.ClientID,
		p.Amount,
		p.PlatformFee,
		p.CaregiverAmount,
		p.Status,
		p.TransactionID,
		p.PaymentMethodID,
		p.PaidAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return repository.ErrPaymentExists
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) MarkRefunded(ctx context.Context, transactionID string, refundedAt time.Time) error {
	query := `
		UPDATE payments
		SET status = 'refunded', refunded_at = $1, updated_at = $1
		WHERE transaction_id = $2 AND status <> 'refunded'
	`
	result, err := r.db.ExecContext(ctx, query, refundedAt, transactionID)
	if err != nil {
		return fmt.Errorf("failed to refund payment: %w", err)
	}
	return requireRows(result, "payment")
}
