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

const userColumns = `
	id, name, email, role, status, gateway_customer_id, payout_account_id,
	payouts_enabled, payout_frequency, created_at, updated_at`

type userRepository struct {
	BaseRepository
}

func NewUserRepository(base BaseRepository) repository.UserRepository {
	return &userRepository{base}
}

func (r *userRepository) Get(ctx context.Context, id uuid.UUID) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var user model.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

func (r *userRepository) ListActiveByRole(ctx context.Context, roles ...string) ([]*model.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE status = 'active' AND role = ANY($1)
		ORDER BY created_at ASC
	`

	var users []*model.User
	if err := r.db.SelectContext(ctx, &users, query, pq.Array(roles)); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (r *userRepository) SetPayoutsEnabled(ctx context.Context, payoutAccountID string, enabled bool) error {
	query := `
		UPDATE users
		SET payouts_enabled = $1, updated_at = $2
		WHERE payout_account_id = $3
	`
	result, err := r.db.ExecContext(ctx, query, enabled, time.Now(), payoutAccountID)
	if err != nil {
		return fmt.Errorf("failed to update payout status: %w", err)
	}
	return requireRows(result, "user")
}

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, type, title, message, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query, n.ID, n.UserID, n.Type, n.Title, n.Message, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}
