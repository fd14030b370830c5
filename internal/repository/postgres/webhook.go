package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
)

const webhookColumns = `
	id, event_id, event_type, payload, status, attempts, max_attempts,
	error_log, last_attempt_at, created_at, updated_at`

type webhookRepository struct {
	BaseRepository
}

func NewWebhookRepository(base BaseRepository) repository.WebhookRepository {
	return &webhookRepository{base}
}

func (r *webhookRepository) Enqueue(ctx context.Context, hook *model.FailedWebhook) error {
	if hook == nil {
		return fmt.Errorf("webhook cannot be nil")
	}
	if len(hook.Payload) == 0 {
		return fmt.Errorf("webhook payload cannot be empty")
	}

	query := `
		INSERT INTO failed_webhooks (
			id, event_id, event_type, payload, status, attempts, max_attempts,
			error_log, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if hook.ID == uuid.Nil {
		hook.ID = uuid.New()
	}

	_, err := r.db.ExecContext(ctx, query,
		hook.ID,
		hook.EventID,
		hook.EventType,
		[]byte(hook.Payload),
		hook.Status,
		hook.Attempts,
		hook.MaxAttempts,
		hook.ErrorLog,
		hook.CreatedAt,
		hook.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	return nil
}

func (r *webhookRepository) ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*model.FailedWebhook, error) {
	query := `
		UPDATE failed_webhooks
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM failed_webhooks
			WHERE status = 'pending'
			OR (status = 'processing' AND updated_at < $2)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + webhookColumns

	var hooks []*model.FailedWebhook
	if err := r.db.SelectContext(ctx, &hooks, query, limit, time.Now().Add(-staleAfter)); err != nil {
		return nil, fmt.Errorf("failed to claim pending webhooks: %w", err)
	}
	return hooks, nil
}

func (r *webhookRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE failed_webhooks
		SET status = 'completed',
			attempts = attempts + 1,
			last_attempt_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook completed: %w", err)
	}
	return requireRows(result, "webhook")
}

func (r *webhookRepository) MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE failed_webhooks
		SET status = 'skipped',
			attempts = attempts + 1,
			error_log = error_log || format(E'%s attempt %s: %s\n', to_char(NOW() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'), attempts + 1, $2::text),
			last_attempt_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark webhook skipped: %w", err)
	}
	return requireRows(result, "webhook")
}

// MarkFailed appends the attempt to the error log and either returns the row
// to pending or, once max_attempts is reached, parks it as failed.
func (r *webhookRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (string, error) {
	query := `
		UPDATE failed_webhooks
		SET attempts = attempts + 1,
			error_log = error_log || format(E'%s attempt %s: %s\n', to_char(NOW() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'), attempts + 1, $2::text),
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			last_attempt_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		RETURNING status
	`
	var status string
	if err := r.db.GetContext(ctx, &status, query, id, reason); err != nil {
		return "", notFound(err, "webhook")
	}
	return status, nil
}

func (r *webhookRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM failed_webhooks
		WHERE status IN ('completed', 'failed')
		AND updated_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed webhooks: %w", err)
	}

	return result.RowsAffected()
}
