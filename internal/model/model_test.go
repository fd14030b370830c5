package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenewalAmount(t *testing.T) {
	rate := decimal.NewFromInt(45)
	b := &Booking{DutyType: "8 Hours per Day", DurationDays: 15, HourlyRate: &rate}

	assert.True(t, decimal.NewFromInt(5400).Equal(b.RenewalAmount(8, decimal.NewFromInt(30))))

	b.HourlyRate = nil
	b.DutyType = "Live-in"
	assert.True(t, decimal.NewFromInt(8*15*45).Equal(b.RenewalAmount(8, decimal.NewFromInt(45))))
}

func TestNewSuccessorStartsDayAfterParentEnds(t *testing.T) {
	caregiver := uuid.New()
	parent := &Booking{
		Base:                Base{ID: uuid.New()},
		ClientID:            uuid.New(),
		ServiceDate:         time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC),
		DurationDays:        15,
		Status:              BookingStatusCompleted,
		PaymentStatus:       PaymentStatusPaid,
		RecurringService:    true,
		AutoPayEnabled:      true,
		RecurringCount:      3,
		AssignedCaregiverID: &caregiver,
	}
	now := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)

	s := parent.NewSuccessor(now)

	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), parent.EndDate())
	assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), s.ServiceDate)
	require.NotNil(t, s.ParentBookingID)
	assert.Equal(t, parent.ID, *s.ParentBookingID)
	assert.NotEqual(t, parent.ID, s.ID)
	assert.Equal(t, BookingStatusPending, s.Status)
	assert.Equal(t, PaymentStatusPending, s.PaymentStatus)
	assert.Equal(t, 0, s.RecurringCount)
	assert.True(t, s.RecurringActive())
	assert.Equal(t, &caregiver, s.AssignedCaregiverID)
}

func TestSplitAmountAddsUp(t *testing.T) {
	ten := decimal.NewFromInt(10)
	for _, raw := range []string{"5400", "0.01", "99.99", "1234.57", "0"} {
		amount := decimal.RequireFromString(raw)
		fee, contractor := SplitAmount(amount, ten)
		assert.True(t, fee.Add(contractor).Equal(amount), raw)
	}

	fee, contractor := SplitAmount(decimal.NewFromInt(5400), ten)
	assert.Equal(t, "540", fee.String())
	assert.Equal(t, "4860", contractor.String())
}

func TestCloseAtUsesScheduledDuration(t *testing.T) {
	in := time.Date(2026, 10, 19, 8, 5, 0, 0, time.UTC)
	entry := &TimeTracking{ClockInTime: in}
	now := in.Add(14 * time.Hour)

	entry.CloseAt(12*time.Hour+30*time.Minute, decimal.NewFromInt(20), now)

	require.NotNil(t, entry.ClockOutTime)
	assert.Equal(t, in.Add(12*time.Hour+30*time.Minute), *entry.ClockOutTime)
	assert.Equal(t, "12.5", entry.HoursWorked.String())
	assert.Equal(t, "250", entry.CaregiverEarnings.String())
	assert.True(t, entry.CaregiverEarnings.Equal(entry.TotalClientCharge))
	assert.True(t, entry.AutoClockedOut)
	assert.False(t, entry.Open())
}

func TestUserPayoutPreferences(t *testing.T) {
	weekly := FrequencyWeekly
	account := "acct_1"
	u := &User{PayoutFrequency: &weekly, PayoutAccountID: &account, PayoutsEnabled: true}

	assert.True(t, u.WantsFrequency(FrequencyWeekly))
	assert.False(t, u.WantsFrequency(FrequencyMonthly))
	assert.True(t, u.CanReceivePayouts())

	u.PayoutFrequency = nil
	assert.True(t, u.WantsFrequency(FrequencyMonthly))

	u.PayoutsEnabled = false
	assert.False(t, u.CanReceivePayouts())
}

func TestTotals(t *testing.T) {
	totals := FinancialTotals{
		TotalRevenue:      decimal.NewFromInt(1000),
		CaregiversPaid:    decimal.NewFromInt(500),
		MarketingPaid:     decimal.NewFromInt(20),
		TrainingPaid:      decimal.NewFromInt(10),
		CaregiversPayable: decimal.NewFromInt(300),
		MarketingPayable:  decimal.NewFromInt(5),
		TrainingPayable:   decimal.NewFromInt(5),
	}
	assert.Equal(t, "530", totals.TotalPaid().String())
	assert.Equal(t, "310", totals.TotalPayable().String())
	assert.Equal(t, "160", totals.NetRevenue().String())
}
