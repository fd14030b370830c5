package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/config"
	"github.com/jwalitptl/homecare-billing/internal/gateway"
	"github.com/jwalitptl/homecare-billing/internal/lock"
	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository/memory"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
	"github.com/jwalitptl/homecare-billing/internal/webhook"
	apperrors "github.com/jwalitptl/homecare-billing/pkg/errors"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
	"github.com/jwalitptl/homecare-billing/pkg/metrics"
)

// fakeGateway records every call and answers from its fields.
type fakeGateway struct {
	mu sync.Mutex

	calls     int
	charges   []gateway.ChargeRequest
	transfers []gateway.TransferRequest

	defaultMethod string
	methods       []gateway.PaymentMethod
	chargeErr     error
	// transferErrs fails transfers to the given destinations.
	transferErrs map[string]error
	balance      *gateway.Balance
	balanceErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{defaultMethod: "pm_default", transferErrs: map[string]error{}}
}

func (g *fakeGateway) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.charges = append(g.charges, req)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	return &gateway.ChargeResult{
		ID:              "pi_" + req.Metadata["booking_id"][:8],
		Status:          "succeeded",
		PaymentMethodID: req.PaymentMethodID,
		Amount:          req.Amount,
	}, nil
}

func (g *fakeGateway) GetBalance(context.Context) (*gateway.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.balanceErr != nil {
		return nil, g.balanceErr
	}
	if g.balance == nil {
		return &gateway.Balance{}, nil
	}
	b := *g.balance
	return &b, nil
}

func (g *fakeGateway) ListPaymentMethods(context.Context, string) ([]gateway.PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.methods, nil
}

func (g *fakeGateway) DefaultPaymentMethod(context.Context, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.defaultMethod, nil
}

func (g *fakeGateway) Transfer(_ context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.transfers = append(g.transfers, req)
	if err, ok := g.transferErrs[req.Destination]; ok {
		return nil, err
	}
	return &gateway.TransferResult{ID: "tr_" + req.Destination, Amount: req.Amount}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

var errDeclined = apperrors.Declined("card declined", nil)

func testPolicy() config.Policy {
	return config.Policy{
		PlatformFeePercent:   decimal.NewFromInt(10),
		DefaultHourlyRate:    decimal.NewFromInt(45),
		DefaultHoursPerDay:   8,
		ReconcileTolerance:   decimal.NewFromInt(1),
		MaxRenewalAttempts:   3,
		ClockOutLookbackDays: 1,
	}
}

func newDeps(t *testing.T, store *memory.Store, gw gateway.Gateway, now time.Time) *Deps {
	t.Helper()
	log := logger.Nop()
	notifier := notification.NewService(store.NotificationRepo(), store.UserRepo(), nil, time.Minute, log)
	registry := webhook.NewDefaultRegistry(&webhook.Handlers{
		Bookings:    store.BookingRepo(),
		Assignments: store.AssignmentRepo(),
		Payments:    store.PaymentRepo(),
		Payouts:     store.PayoutRepo(),
		Users:       store.UserRepo(),
		Notifier:    notifier,
		FeePercent:  decimal.NewFromInt(10),
		Logger:      log,
	})

	return &Deps{
		Bookings:    store.BookingRepo(),
		Assignments: store.AssignmentRepo(),
		Users:       store.UserRepo(),
		TimeEntries: store.TimeTrackingRepo(),
		Payments:    store.PaymentRepo(),
		Payouts:     store.PayoutRepo(),
		Snapshots:   store.SnapshotRepo(),
		Webhooks:    store.WebhookRepo(),
		Gateway:     gw,
		Notifier:    notifier,
		Locker:      lock.NewMemoryLocker(),
		Registry:    registry,
		Policy:      testPolicy(),
		Queue: config.WebhookConfig{
			MaxAttempts:   5,
			BatchSize:     50,
			StaleAfter:    15 * time.Minute,
			RetentionDays: 30,
		},
		Location: time.UTC,
		Logger:   log,
		Metrics:  metrics.New("test", prometheus.NewRegistry()),
		Now:      func() time.Time { return now },
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func strPtr(s string) *string { return &s }

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func addClient(store *memory.Store, customerID string) *model.User {
	u := &model.User{Name: "Client", Email: "client@example.com", Role: model.RoleClient, Status: model.UserStatusActive}
	if customerID != "" {
		u.GatewayCustomerID = strPtr(customerID)
	}
	return store.AddUser(u)
}

func addAdmin(store *memory.Store) *model.User {
	return store.AddUser(&model.User{Name: "Admin", Email: "admin@example.com", Role: model.RoleAdmin, Status: model.UserStatusActive})
}
