package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/schedule"
)

func setupMockDB(t *testing.T) (BaseRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewBaseRepository(sqlx.NewDb(db, "postgres")), mock
}

func newSuccessor() *model.Booking {
	rate := decimal.NewFromInt(45)
	parent := &model.Booking{
		Base:         model.Base{ID: uuid.New()},
		ClientID:     uuid.New(),
		ServiceDate:  time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC),
		DurationDays: 15,
		HourlyRate:   &rate,
		Schedule:     schedule.Weekly{time.Monday: {Start: schedule.NewTimeOfDay(8, 0), End: schedule.NewTimeOfDay(16, 0)}},
	}
	return parent.NewSuccessor(time.Now())
}

func TestCreateSuccessor_Inserted(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewBookingRepository(base)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (parent_booking_id)")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateSuccessor(context.Background(), newSuccessor()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSuccessor_ConflictMeansExists(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewBookingRepository(base)

	mock.ExpectExec("INSERT INTO bookings").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CreateSuccessor(context.Background(), newSuccessor())
	assert.ErrorIs(t, err, repository.ErrSuccessorExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSuccessor_UniqueViolation(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewBookingRepository(base)

	mock.ExpectExec("INSERT INTO bookings").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.CreateSuccessor(context.Background(), newSuccessor())
	assert.ErrorIs(t, err, repository.ErrSuccessorExists)
}

func TestCreateSuccessor_RequiresParent(t *testing.T) {
	base, _ := setupMockDB(t)
	repo := NewBookingRepository(base)

	err := repo.CreateSuccessor(context.Background(), &model.Booking{})
	assert.Error(t, err)
}

func TestGetSuccessor_None(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewBookingRepository(base)
	parentID := uuid.New()

	mock.ExpectQuery("FROM bookings WHERE parent_booking_id").
		WithArgs(parentID).
		WillReturnError(sql.ErrNoRows)

	successor, err := repo.GetSuccessor(context.Background(), parentID)
	require.NoError(t, err)
	assert.Nil(t, successor)
}

func TestGetBooking_ScansScheduleAndDecimals(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewBookingRepository(base)
	id := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "client_id", "service_type", "duty_type", "service_date", "duration_days",
		"hourly_rate", "schedule", "address", "status", "payment_status", "payment_date",
		"payment_intent_id", "assigned_caregiver_id", "recurring_service", "auto_pay_enabled",
		"recurring_status", "parent_booking_id", "recurring_count", "recurring_failed_attempts",
		"last_recurring_charge_date", "created_at", "updated_at",
	}).AddRow(
		id.String(), uuid.New().String(), "home_care", "8 Hours per Day", now, 15,
		"45.00", []byte(`{"monday":"8:00 AM - 4:00 PM"}`), "12 Elm St", "approved", "paid", nil,
		nil, nil, true, true,
		nil, nil, 2, 0,
		nil, now, now,
	)
	mock.ExpectQuery("FROM bookings WHERE id").WithArgs(id).WillReturnRows(rows)

	b, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b.HourlyRate)
	assert.Equal(t, "45", b.HourlyRate.String())
	assert.Equal(t, 8*time.Hour, b.Schedule[time.Monday].Duration())
	assert.Nil(t, b.RecurringStatus)
	assert.True(t, b.RecurringActive())
}

func TestGetBooking_NotFound(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewBookingRepository(base)

	mock.ExpectQuery("FROM bookings").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListScheduled_KeepsRowsWithBadSchedule(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewBookingRepository(base)
	good, bad := uuid.New(), uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "client_id", "service_type", "duty_type", "service_date", "duration_days",
		"hourly_rate", "schedule", "address", "status", "payment_status", "payment_date",
		"payment_intent_id", "assigned_caregiver_id", "recurring_service", "auto_pay_enabled",
		"recurring_status", "parent_booking_id", "recurring_count", "recurring_failed_attempts",
		"last_recurring_charge_date", "charge_key", "created_at", "updated_at",
	}).AddRow(
		bad.String(), uuid.New().String(), "home_care", "8 Hours per Day", now, 15,
		nil, []byte(`{"monday":"morning shift"}`), "3 Oak Ave", "approved", "paid", nil,
		nil, nil, false, false,
		nil, nil, 0, 0,
		nil, nil, now, now,
	).AddRow(
		good.String(), uuid.New().String(), "home_care", "8 Hours per Day", now, 15,
		nil, []byte(`{"tuesday":"9:00 AM - 5:00 PM"}`), "12 Elm St", "approved", "paid", nil,
		nil, nil, false, false,
		nil, nil, 0, 0,
		nil, "renewal-abc-0", now, now,
	)
	mock.ExpectQuery("FROM bookings").WithArgs(model.BookingStatusApproved).WillReturnRows(rows)

	bookings, err := repo.ListScheduled(context.Background(), model.BookingStatusApproved)
	require.NoError(t, err)
	require.Len(t, bookings, 2)

	assert.Equal(t, bad, bookings[0].ID)
	assert.Error(t, bookings[0].ScheduleErr)
	assert.Empty(t, bookings[0].Schedule)

	assert.Equal(t, good, bookings[1].ID)
	assert.NoError(t, bookings[1].ScheduleErr)
	assert.Equal(t, 8*time.Hour, bookings[1].Schedule[time.Tuesday].Duration())
	require.NotNil(t, bookings[1].ChargeKey)
	assert.Equal(t, "renewal-abc-0", *bookings[1].ChargeKey)
}

func TestCloseTimeEntry_AlreadyClosed(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewTimeTrackingRepository(base)
	entry := &model.TimeTracking{Base: model.Base{ID: uuid.New()}, ClockInTime: time.Now().Add(-9 * time.Hour)}
	entry.CloseAt(8*time.Hour, decimal.NewFromInt(20), time.Now())

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $7 AND clock_out_time IS NULL")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Close(context.Background(), entry)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUnpaidEarnings_UsesRoleColumns(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewTimeTrackingRepository(base)
	userID := uuid.New()
	entryID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, marketing_partner_commission AS amount")).
		WithArgs(userID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).AddRow(entryID.String(), "12.50"))

	earnings, err := repo.UnpaidEarnings(context.Background(), userID, model.RoleMarketing, time.Now())
	require.NoError(t, err)
	require.Len(t, earnings, 1)
	assert.Equal(t, entryID, earnings[0].TimeTrackingID)
	assert.Equal(t, "12.5", earnings[0].Amount.String())

	_, err = repo.UnpaidEarnings(context.Background(), userID, model.RoleClient, time.Now())
	assert.Error(t, err)
}

func TestSettlePayout_CommitsTogether(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewPayoutRepository(base)
	transfer := "tr_123"
	payout := &model.PayoutTransaction{
		Base:       model.Base{ID: uuid.New()},
		UserID:     uuid.New(),
		Role:       model.RoleHousekeeper,
		Frequency:  model.FrequencyWeekly,
		Amount:     decimal.NewFromInt(300),
		Status:     model.PayoutStatusPending,
		TransferID: &transfer,
		EntryIDs:   []uuid.UUID{uuid.New(), uuid.New()},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WithArgs(transfer, sqlmock.AnyArg(), payout.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET payment_status = 'paid', paid_at = $1, payout_id = $2")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, repo.Settle(context.Background(), payout, time.Now()))
	assert.Equal(t, model.PayoutStatusCompleted, payout.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlePayout_RollsBackOnShortSettle(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewPayoutRepository(base)
	payout := &model.PayoutTransaction{
		Base:     model.Base{ID: uuid.New()},
		UserID:   uuid.New(),
		Role:     model.RoleTrainingCenter,
		Amount:   decimal.NewFromInt(10),
		EntryIDs: []uuid.UUID{uuid.New(), uuid.New()},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payout_transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("training_commission_paid = TRUE")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := repo.Settle(context.Background(), payout, time.Now())
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlePayout_OnlyPending(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewPayoutRepository(base)
	payout := &model.PayoutTransaction{Base: model.Base{ID: uuid.New()}, Role: model.RoleCaregiver}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3 AND status = 'pending'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Settle(context.Background(), payout, time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePayout_StoresEntries(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewPayoutRepository(base)
	entries := []uuid.UUID{uuid.New(), uuid.New()}
	payout := &model.PayoutTransaction{
		UserID:   uuid.New(),
		Role:     model.RoleCaregiver,
		Amount:   decimal.NewFromInt(120),
		Status:   model.PayoutStatusPending,
		EntryIDs: entries,
	}

	mock.ExpectExec("INSERT INTO payout_transactions").
		WithArgs(sqlmock.AnyArg(), payout.UserID, model.RoleCaregiver, "", sqlmock.AnyArg(), model.PayoutStatusPending,
			nil, nil, 2, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), payout))
	assert.NotEqual(t, uuid.Nil, payout.ID)
	assert.Equal(t, 2, payout.EntryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOpenPayout(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewPayoutRepository(base)
	userID, id := uuid.New(), uuid.New()
	entries := []uuid.UUID{uuid.New(), uuid.New()}
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("status = 'pending'")).
		WithArgs(userID, model.RoleCaregiver).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "role", "frequency", "amount", "status", "transfer_id",
			"failure_reason", "entry_count", "entry_ids", "created_at", "updated_at",
		}).AddRow(id.String(), userID.String(), "caregiver", "weekly", "120.00", "pending", "tr_9",
			nil, 2, fmt.Sprintf("{%s,%s}", entries[0], entries[1]), now, now))

	payout, err := repo.FindOpen(context.Background(), userID, model.RoleCaregiver)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, id, payout.ID)
	assert.Equal(t, entries, payout.EntryIDs)
	assert.Equal(t, "tr_9", *payout.TransferID)

	mock.ExpectQuery("FROM payout_transactions").WillReturnError(sql.ErrNoRows)
	payout, err = repo.FindOpen(context.Background(), userID, model.RoleCaregiver)
	require.NoError(t, err)
	assert.Nil(t, payout)
}

func TestRecordTransfer_OnlyPending(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewPayoutRepository(base)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET transfer_id = $1")).
		WithArgs("tr_1", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RecordTransfer(context.Background(), id, "tr_1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTotals(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewSnapshotRepository(base)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{
			"total_revenue", "caregivers_paid", "marketing_paid", "training_paid",
			"caregivers_payable", "marketing_payable", "training_payable",
		}).AddRow("1000.00", "500.00", "20.00", "10.00", "300.00", "5.00", "5.00"))

	totals, err := repo.Totals(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "160", totals.NetRevenue().String())
}

func TestUpsertSnapshot(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewSnapshotRepository(base)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (snapshot_date) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "2026-10-18", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			nil, nil, false, "{}", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := &model.DailyBalanceSnapshot{SnapshotDate: time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, repo.Upsert(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingWebhooks(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewWebhookRepository(base)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(25, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "event_type", "payload", "status", "attempts", "max_attempts",
			"error_log", "last_attempt_at", "created_at", "updated_at",
		}).AddRow(id.String(), "evt_1", "payment_intent.succeeded", []byte(`{"id":"evt_1"}`),
			"processing", 1, 5, "", nil, now, now))

	hooks, err := repo.ClaimPending(context.Background(), 25, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, id, hooks[0].ID)
	assert.Equal(t, json.RawMessage(`{"id":"evt_1"}`), hooks[0].Payload)
}

func TestMarkFailedReturnsStatus(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewWebhookRepository(base)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END")).
		WithArgs(id, "handler exploded").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	status, err := repo.MarkFailed(context.Background(), id, "handler exploded")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusFailed, status)
}

func TestDeleteTerminalBeforeNeverTouchesPending(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewWebhookRepository(base)
	cutoff := time.Now().AddDate(0, 0, -30)

	mock.ExpectExec(regexp.QuoteMeta("WHERE status IN ('completed', 'failed')")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestEnqueueRejectsEmptyPayload(t *testing.T) {
	base, _ := setupMockDB(t)
	repo := NewWebhookRepository(base)

	assert.Error(t, repo.Enqueue(context.Background(), &model.FailedWebhook{}))
	assert.Error(t, repo.Enqueue(context.Background(), nil))
}

func TestListActiveByRole(t *testing.T) {
	base, mock := setupMockDB(t)
	repo := NewUserRepository(base)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("role = ANY($1)")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "email", "role", "status", "gateway_customer_id", "payout_account_id",
			"payouts_enabled", "payout_frequency", "created_at", "updated_at",
		}).AddRow(uuid.New().String(), "Ada", "ada@example.com", "caregiver", "active", nil, "acct_1",
			true, "weekly", now, now))

	users, err := repo.ListActiveByRole(context.Background(), model.ContractorRoles...)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.True(t, users[0].CanReceivePayouts())
	assert.False(t, users[0].HasPaymentMethodOnFile())
}
