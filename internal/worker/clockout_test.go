package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository/memory"
	"github.com/jwalitptl/homecare-billing/internal/schedule"
)

func addScheduledBooking(store *memory.Store, status string) *model.Booking {
	return store.AddBooking(&model.Booking{
		ClientID:     uuid.New(),
		ServiceDate:  date(2026, 10, 1),
		DurationDays: 30,
		HourlyRate:   decPtr(45),
		Status:       status,
		Schedule: schedule.Weekly{
			time.Monday: {Start: schedule.NewTimeOfDay(9, 0), End: schedule.NewTimeOfDay(17, 0)},
			time.Sunday: {Start: schedule.NewTimeOfDay(22, 0), End: schedule.NewTimeOfDay(6, 0)},
		},
	})
}

func addOpenEntry(store *memory.Store, bookingID, caregiverID uuid.UUID, clockIn time.Time) *model.TimeTracking {
	return store.AddTimeEntry(&model.TimeTracking{
		CaregiverID:   caregiverID,
		BookingID:     bookingID,
		WorkDate:      model.DateOnly(clockIn),
		ClockInTime:   clockIn,
		PaymentStatus: model.PaymentStatusPending,
	})
}

func TestClockOut_ClosesFinishedShifts(t *testing.T) {
	store := memory.NewStore()
	booking := addScheduledBooking(store, model.BookingStatusApproved)
	caregiver := uuid.New()

	monday := addOpenEntry(store, booking.ID, caregiver, time.Date(2026, 10, 19, 9, 5, 0, 0, time.UTC))
	overnight := addOpenEntry(store, booking.ID, caregiver, time.Date(2026, 10, 18, 22, 0, 0, 0, time.UTC))
	running := addOpenEntry(store, booking.ID, uuid.New(), time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	stale := addOpenEntry(store, booking.ID, caregiver, time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC))

	pending := addScheduledBooking(store, model.BookingStatusPending)
	ignored := addOpenEntry(store, pending.ID, caregiver, time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))

	now := time.Date(2026, 10, 19, 17, 30, 0, 0, time.UTC)
	summary, err := NewClockOutJob(newDeps(t, store, newFakeGateway(), now)).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 0, summary.Failed)

	closed := store.TimeEntry(monday.ID)
	require.NotNil(t, closed.ClockOutTime)
	assert.Equal(t, time.Date(2026, 10, 19, 17, 5, 0, 0, time.UTC), *closed.ClockOutTime)
	assert.Equal(t, "8", closed.HoursWorked.String())
	assert.Equal(t, "360", closed.CaregiverEarnings.String())
	assert.Equal(t, "360", closed.TotalClientCharge.String())
	assert.True(t, closed.AutoClockedOut)

	night := store.TimeEntry(overnight.ID)
	require.NotNil(t, night.ClockOutTime)
	assert.Equal(t, time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC), *night.ClockOutTime)

	assert.True(t, store.TimeEntry(running.ID).Open())
	assert.True(t, store.TimeEntry(stale.ID).Open())
	assert.True(t, store.TimeEntry(ignored.ID).Open())

	notes := store.Notifications(model.NotificationAutoClockOut)
	require.Len(t, notes, 2)
	assert.Equal(t, caregiver, notes[0].UserID)
}

func TestClockOut_LateRunUsesScheduledEnd(t *testing.T) {
	store := memory.NewStore()
	booking := addScheduledBooking(store, model.BookingStatusApproved)
	entry := addOpenEntry(store, booking.ID, uuid.New(), time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))

	// Tuesday has no shift, but Monday's is still open.
	now := time.Date(2026, 10, 20, 3, 0, 0, 0, time.UTC)
	summary, err := NewClockOutJob(newDeps(t, store, newFakeGateway(), now)).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	closed := store.TimeEntry(entry.ID)
	require.NotNil(t, closed.ClockOutTime)
	assert.Equal(t, time.Date(2026, 10, 19, 17, 0, 0, 0, time.UTC), *closed.ClockOutTime)
}

func TestClockOut_DryRun(t *testing.T) {
	store := memory.NewStore()
	booking := addScheduledBooking(store, model.BookingStatusApproved)
	entry := addOpenEntry(store, booking.ID, uuid.New(), time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))

	now := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)
	summary, err := NewClockOutJob(newDeps(t, store, newFakeGateway(), now)).Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, "360", summary.Amount.String())
	assert.Equal(t, 0, store.Writes())
	assert.True(t, store.TimeEntry(entry.ID).Open())
}

func TestClockOut_SkipsUnreadableSchedule(t *testing.T) {
	store := memory.NewStore()
	good := addScheduledBooking(store, model.BookingStatusApproved)
	bad := addScheduledBooking(store, model.BookingStatusApproved)
	bad.Schedule = nil
	bad.ScheduleRaw = []byte(`{"monday":"morning shift"}`)
	bad.DecodeSchedule()
	store.AddBooking(bad)

	caregiver := uuid.New()
	closes := addOpenEntry(store, good.ID, caregiver, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	stays := addOpenEntry(store, bad.ID, caregiver, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))

	now := time.Date(2026, 10, 19, 17, 30, 0, 0, time.UTC)
	summary, err := NewClockOutJob(newDeps(t, store, newFakeGateway(), now)).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)

	assert.False(t, store.TimeEntry(closes.ID).Open())
	assert.True(t, store.TimeEntry(stays.ID).Open())
}
