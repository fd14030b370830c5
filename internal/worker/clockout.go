package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
)

// ClockOutJob closes shifts caregivers forgot to clock out of once their
// scheduled length has passed.
type ClockOutJob struct {
	*Deps
}

func NewClockOutJob(d *Deps) *ClockOutJob {
	return &ClockOutJob{Deps: d}
}

func (j *ClockOutJob) Name() string { return JobClockOut }

func (j *ClockOutJob) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := newSummary(j.Name(), opts).describe("clock out", "shifts")
	now := j.now()
	// Shifts that started yesterday may run past midnight.
	since := j.today().AddDate(0, 0, -j.Policy.ClockOutLookbackDays)

	bookings, err := j.Bookings.ListScheduled(ctx, model.BookingStatusApproved)
	if err != nil {
		j.Metrics.DatabaseOperations.WithLabelValues("list_scheduled_bookings", "error").Inc()
		return nil, fmt.Errorf("failed to list scheduled bookings: %w", err)
	}
	j.Metrics.DatabaseOperations.WithLabelValues("list_scheduled_bookings", "success").Inc()

	for _, booking := range bookings {
		if ctx.Err() != nil {
			summary.note("stopped early: %v", ctx.Err())
			break
		}
		if booking.ScheduleErr != nil {
			j.Logger.Warn("Skipping booking with unreadable schedule",
				"booking_id", booking.ID.String(),
				"error", booking.ScheduleErr.Error())
			summary.skipped(booking.ID.String(), booking.ScheduleErr.Error())
			continue
		}

		entries, err := j.TimeEntries.ListOpen(ctx, booking.ID, since)
		if err != nil {
			j.Logger.Error(err, "Failed to list open time entries", "booking_id", booking.ID.String())
			summary.failed(booking.ID.String(), decimal.Zero, err.Error())
			continue
		}

		rate := booking.Rate(j.Policy.DefaultHourlyRate)
		for _, entry := range entries {
			id := entry.ID.String()
			// The shift is the one scheduled on the day the caregiver
			// clocked in, not necessarily today's.
			shift, ok := booking.Schedule.For(entry.ClockInTime.In(j.location()))
			if !ok {
				continue
			}
			duration := shift.Duration()
			if duration <= 0 || now.Before(entry.ClockInTime.Add(duration)) {
				continue
			}

			entry.CloseAt(duration, rate, now)
			detail := fmt.Sprintf("%s hours, shift %s", entry.HoursWorked.String(), shift)
			if opts.DryRun {
				summary.processed(id, entry.CaregiverEarnings, detail)
				continue
			}

			if err := j.TimeEntries.Close(ctx, entry); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					summary.skipped(id, "already clocked out")
					continue
				}
				j.Logger.Error(err, "Failed to clock out", "time_tracking_id", id)
				summary.failed(id, entry.CaregiverEarnings, err.Error())
				continue
			}

			j.Notifier.Notify(ctx, entry.CaregiverID, notification.Message{
				Type:  model.NotificationAutoClockOut,
				Title: "You were clocked out automatically",
				Body: fmt.Sprintf("Your shift on %s ended at %s and you were clocked out for %s hours.",
					entry.ClockInTime.In(j.location()).Format("Monday, January 2"),
					entry.ClockOutTime.In(j.location()).Format("3:04 PM"),
					entry.HoursWorked.String()),
			})
			summary.processed(id, entry.CaregiverEarnings, detail)
		}
	}
	return summary, nil
}
