package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository/memory"
	"github.com/jwalitptl/homecare-billing/internal/webhook"
)

func queueWebhook(store *memory.Store, kind, object string, attempts int, created time.Time) *model.FailedWebhook {
	payload := fmt.Sprintf(`{"id":"evt_%d","type":%q,"data":{"object":%s}}`, created.UnixNano(), kind, object)
	return store.AddWebhook(&model.FailedWebhook{
		Base:        model.Base{CreatedAt: created, UpdatedAt: created},
		EventID:     fmt.Sprintf("evt_%d", created.UnixNano()),
		EventType:   kind,
		Payload:     []byte(payload),
		Status:      model.WebhookStatusPending,
		Attempts:    attempts,
		MaxAttempts: 5,
	})
}

func TestWebhookRetry_Outcomes(t *testing.T) {
	store := memory.NewStore()
	account := "acct_1"
	user := store.AddUser(&model.User{Role: model.RoleCaregiver, Status: model.UserStatusActive, PayoutAccountID: &account})
	start := time.Now().Add(-time.Hour)

	ok := queueWebhook(store, string(webhook.KindAccountUpdated), `{"id":"acct_1","payouts_enabled":true}`, 0, start)
	unknown := queueWebhook(store, "customer.created", `{"id":"cus_1"}`, 0, start.Add(time.Second))
	retry := queueWebhook(store, string(webhook.KindTransferReversed), `{"id":"tr_missing"}`, 1, start.Add(2*time.Second))
	exhausted := queueWebhook(store, string(webhook.KindTransferReversed), `{"id":"tr_missing"}`, 4, start.Add(3*time.Second))
	garbage := store.AddWebhook(&model.FailedWebhook{
		Base:        model.Base{CreatedAt: start.Add(4 * time.Second)},
		EventID:     "evt_bad",
		EventType:   "unknown",
		Payload:     []byte(`not json`),
		Status:      model.WebhookStatusPending,
		MaxAttempts: 1,
	})

	summary, err := NewWebhookRetryJob(newDeps(t, store, newFakeGateway(), time.Now())).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 3, summary.Failed)

	assert.Equal(t, model.WebhookStatusCompleted, store.Webhook(ok.ID).Status)
	assert.True(t, store.User(user.ID).PayoutsEnabled)

	assert.Equal(t, model.WebhookStatusSkipped, store.Webhook(unknown.ID).Status)

	retried := store.Webhook(retry.ID)
	assert.Equal(t, model.WebhookStatusPending, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Contains(t, retried.ErrorLog, "tr_missing")

	assert.Equal(t, model.WebhookStatusFailed, store.Webhook(exhausted.ID).Status)
	assert.Equal(t, model.WebhookStatusFailed, store.Webhook(garbage.ID).Status)
}

func TestWebhookRetry_RespectsLimitAndDryRun(t *testing.T) {
	store := memory.NewStore()
	start := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		queueWebhook(store, "customer.created", `{}`, 0, start.Add(time.Duration(i)*time.Second))
	}
	job := NewWebhookRetryJob(newDeps(t, store, newFakeGateway(), time.Now()))

	summary, err := job.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Writes())
	assert.Equal(t, 0, summary.Skipped)

	summary, err = job.Run(context.Background(), Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)

	var pending int
	for _, w := range store.Webhooks() {
		if w.Status == model.WebhookStatusPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestWebhookRetry_RecoversHandlerPanic(t *testing.T) {
	store := memory.NewStore()
	deps := newDeps(t, store, newFakeGateway(), time.Now())
	deps.Registry = webhook.NewRegistry()
	deps.Registry.Register(webhook.KindChargeRefunded, func(context.Context, *webhook.Event) error {
		panic("nil map")
	})
	hook := queueWebhook(store, string(webhook.KindChargeRefunded), `{"id":"ch_1"}`, 0, time.Now().Add(-time.Minute))

	summary, err := NewWebhookRetryJob(deps).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	stored := store.Webhook(hook.ID)
	assert.Equal(t, model.WebhookStatusPending, stored.Status)
	assert.Contains(t, stored.ErrorLog, "panicked")
}

func TestWebhookCleanup_RemovesOnlyOldTerminalRows(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	old := now.AddDate(0, 0, -31)
	recent := now.AddDate(0, 0, -29)

	add := func(status string, updated time.Time) uuid.UUID {
		return store.AddWebhook(&model.FailedWebhook{
			Base:        model.Base{CreatedAt: updated, UpdatedAt: updated},
			EventID:     uuid.NewString(),
			EventType:   "x",
			Payload:     []byte(`{}`),
			Status:      status,
			MaxAttempts: 5,
		}).ID
	}
	oldCompleted := add(model.WebhookStatusCompleted, old)
	oldFailed := add(model.WebhookStatusFailed, old)
	oldPending := add(model.WebhookStatusPending, old)
	oldProcessing := add(model.WebhookStatusProcessing, old)
	oldSkipped := add(model.WebhookStatusSkipped, old)
	recentCompleted := add(model.WebhookStatusCompleted, recent)

	job := NewWebhookCleanupJob(newDeps(t, store, newFakeGateway(), now))

	_, err := job.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, store.Webhooks(), 6)

	summary, err := job.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)

	assert.Nil(t, store.Webhook(oldCompleted))
	assert.Nil(t, store.Webhook(oldFailed))
	assert.NotNil(t, store.Webhook(oldPending))
	assert.NotNil(t, store.Webhook(oldProcessing))
	assert.NotNil(t, store.Webhook(oldSkipped))
	assert.NotNil(t, store.Webhook(recentCompleted))

	summary, err = job.Run(context.Background(), Options{Days: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Nil(t, store.Webhook(recentCompleted))
}
