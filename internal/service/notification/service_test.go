package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository/memory"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

type mockEmail struct {
	mock.Mock
}

func (m *mockEmail) Send(ctx context.Context, to string, subject string, content string) error {
	args := m.Called(ctx, to, subject, content)
	return args.Error(0)
}

func TestNotify_StoresAndEmails(t *testing.T) {
	store := memory.NewStore()
	client := store.AddUser(&model.User{Name: "Cleo", Email: "cleo@example.com", Role: model.RoleClient, Status: model.UserStatusActive})

	mailer := new(mockEmail)
	mailer.On("Send", mock.Anything, "cleo@example.com", "Payment received", "Thanks").Return(nil)

	svc := NewService(store.NotificationRepo(), store.UserRepo(), mailer, time.Minute, logger.Nop())
	svc.Notify(context.Background(), client.ID, Message{Type: model.NotificationRecurringPaymentSuccess, Title: "Payment received", Body: "Thanks"})

	notes := store.Notifications(model.NotificationRecurringPaymentSuccess)
	require.Len(t, notes, 1)
	assert.Equal(t, client.ID, notes[0].UserID)
	assert.False(t, notes[0].IsRead)
	mailer.AssertExpectations(t)
}

func TestNotify_FailuresAreSwallowed(t *testing.T) {
	store := memory.NewStore()
	client := store.AddUser(&model.User{Email: "x@example.com", Role: model.RoleClient, Status: model.UserStatusActive})
	store.FailOn("Notifications.Create", errors.New("db down"))

	mailer := new(mockEmail)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	svc := NewService(store.NotificationRepo(), store.UserRepo(), mailer, time.Minute, logger.Nop())
	assert.NotPanics(t, func() {
		svc.Notify(context.Background(), client.ID, Message{Type: model.NotificationPayoutFailed, Title: "t", Body: "b"})
	})
	mailer.AssertNumberOfCalls(t, "Send", 1)
}

func TestNotifyAdmins_CachesRecipients(t *testing.T) {
	store := memory.NewStore()
	store.AddUser(&model.User{Email: "a1@example.com", Role: model.RoleAdmin, Status: model.UserStatusActive})
	store.AddUser(&model.User{Email: "a2@example.com", Role: model.RoleAdmin, Status: model.UserStatusActive})
	store.AddUser(&model.User{Email: "gone@example.com", Role: model.RoleAdmin, Status: model.UserStatusInactive})

	svc := NewService(store.NotificationRepo(), store.UserRepo(), nil, time.Minute, logger.Nop())
	msg := Message{Type: model.NotificationRecurringPaymentFailed, Title: "Renewal failed", Body: "card declined"}
	svc.NotifyAdmins(context.Background(), msg)

	assert.Len(t, store.Notifications(model.NotificationRecurringPaymentFailed), 2)

	// A lookup failure after the first call is hidden by the cache.
	store.FailOn("Users.ListActiveByRole", errors.New("db down"))
	svc.NotifyAdmins(context.Background(), msg)
	assert.Len(t, store.Notifications(model.NotificationRecurringPaymentFailed), 4)
}
