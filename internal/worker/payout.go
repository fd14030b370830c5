package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/gateway"
	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
	apperrors "github.com/jwalitptl/homecare-billing/pkg/errors"
)

var allFrequencies = []string{model.FrequencyWeekly, model.FrequencyBiweekly, model.FrequencyMonthly}

// DueFrequencies lists the payout frequencies that fall on date: weekly every
// Friday, biweekly on Fridays of even ISO weeks, monthly on the first and
// last day of the month.
func DueFrequencies(date time.Time) []string {
	var due []string
	if date.Weekday() == time.Friday {
		due = append(due, model.FrequencyWeekly)
		if _, week := date.ISOWeek(); week%2 == 0 {
			due = append(due, model.FrequencyBiweekly)
		}
	}
	if date.Day() == 1 || date.AddDate(0, 0, 1).Day() == 1 {
		due = append(due, model.FrequencyMonthly)
	}
	return due
}

func IsDue(frequency string, date time.Time) bool {
	for _, f := range DueFrequencies(date) {
		if f == frequency {
			return true
		}
	}
	return false
}

func validFrequency(frequency string) bool {
	for _, f := range allFrequencies {
		if f == frequency {
			return true
		}
	}
	return false
}

// PayoutJob transfers unpaid earnings to contractors on their payout
// schedule.
type PayoutJob struct {
	*Deps
}

func NewPayoutJob(d *Deps) *PayoutJob {
	return &PayoutJob{Deps: d}
}

func (j *PayoutJob) Name() string { return JobPayouts }

// frequencies decides which payout runs happen today.
func (j *PayoutJob) frequencies(opts Options, today time.Time, summary *Summary) ([]string, error) {
	if opts.Frequency != "" {
		if !validFrequency(opts.Frequency) {
			return nil, apperrors.BadRequest(fmt.Sprintf("unknown payout frequency %q", opts.Frequency), nil)
		}
		if !opts.Force && !IsDue(opts.Frequency, today) {
			summary.note("%s payouts are not due on %s; use --force to run anyway", opts.Frequency, today.Format("Monday 2006-01-02"))
			return nil, nil
		}
		return []string{opts.Frequency}, nil
	}

	if opts.Force {
		return allFrequencies, nil
	}
	due := DueFrequencies(today)
	if len(due) == 0 {
		summary.note("no payouts due on %s", today.Format("Monday 2006-01-02"))
	}
	return due, nil
}

func (j *PayoutJob) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := newSummary(j.Name(), opts).describe("pay", "contractors")
	today := j.today()

	frequencies, err := j.frequencies(opts, today, summary)
	if err != nil || len(frequencies) == 0 {
		return summary, err
	}

	contractors, err := j.Users.ListActiveByRole(ctx, model.ContractorRoles...)
	if err != nil {
		j.Metrics.DatabaseOperations.WithLabelValues("list_contractors", "error").Inc()
		return nil, fmt.Errorf("failed to list contractors: %w", err)
	}
	j.Metrics.DatabaseOperations.WithLabelValues("list_contractors", "success").Inc()

	seen := make(map[string]bool, len(contractors))
	for _, frequency := range frequencies {
		for _, user := range contractors {
			id := user.ID.String()
			if seen[id] || !user.WantsFrequency(frequency) {
				continue
			}
			if ctx.Err() != nil {
				summary.note("stopped early: %v", ctx.Err())
				return summary, nil
			}
			seen[id] = true

			amount, err := j.pay(ctx, user, frequency, opts.DryRun)
			switch {
			case err == nil:
				summary.processed(id, amount, fmt.Sprintf("%s %s payout", user.Role, frequency))
			case apperrors.IsIneligible(err):
				summary.skipped(id, err.Error())
			default:
				j.Logger.Error(err, "Payout failed", "user_id", id, "frequency", frequency)
				summary.failed(id, amount, err.Error())
			}
		}
	}
	return summary, nil
}

// pay settles one contractor's unpaid earnings. The payout is stored as
// pending before the transfer and its ID keys the transfer, so a later run
// resumes it instead of paying the same entries twice. Failures are reported
// to the contractor before being returned.
func (j *PayoutJob) pay(ctx context.Context, user *model.User, frequency string, dryRun bool) (decimal.Decimal, error) {
	now := j.now()
	payout, err := j.Payouts.FindOpen(ctx, user.ID, user.Role)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load pending payout: %w", err)
	}

	if payout == nil {
		earnings, err := j.TimeEntries.UnpaidEarnings(ctx, user.ID, user.Role, now)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to load earnings: %w", err)
		}
		total, entryIDs := repository.Earnings(earnings)
		if !total.IsPositive() {
			return decimal.Zero, apperrors.Ineligible("no pending earnings")
		}
		payout = &model.PayoutTransaction{
			Base:       model.Base{CreatedAt: now, UpdatedAt: now},
			UserID:     user.ID,
			Role:       user.Role,
			Frequency:  frequency,
			Amount:     total,
			Status:     model.PayoutStatusPending,
			EntryCount: len(entryIDs),
			EntryIDs:   entryIDs,
		}
	} else {
		j.Logger.Info("Resuming pending payout",
			"user_id", user.ID.String(),
			"payout_id", payout.ID.String(),
			"created", payout.CreatedAt.Format(time.RFC3339))
	}

	total := payout.Amount
	if !user.CanReceivePayouts() {
		return decimal.Zero, apperrors.Ineligible("payout account missing or not enabled")
	}
	if dryRun {
		return total, nil
	}

	if payout.ID == uuid.Nil {
		if err := j.Payouts.Create(ctx, payout); err != nil {
			return total, fmt.Errorf("failed to record payout: %w", err)
		}
	}

	if payout.TransferID == nil {
		transfer, err := j.Gateway.Transfer(ctx, gateway.TransferRequest{
			Destination: *user.PayoutAccountID,
			Amount:      total,
			Description: fmt.Sprintf("%s payout for %d entries", payout.Frequency, len(payout.EntryIDs)),
			Metadata: map[string]string{
				"user_id":   user.ID.String(),
				"role":      user.Role,
				"frequency": payout.Frequency,
				"payout_id": payout.ID.String(),
			},
			IdempotencyKey: "payout-" + payout.ID.String(),
		})
		if err != nil {
			j.transferFailed(ctx, user, payout, err)
			return total, fmt.Errorf("transfer failed: %w", err)
		}

		payout.TransferID = &transfer.ID
		if err := j.Payouts.RecordTransfer(ctx, payout.ID, transfer.ID); err != nil {
			j.Logger.Error(err, "Failed to record transfer",
				"payout_id", payout.ID.String(),
				"transfer_id", transfer.ID)
		}
	}

	if err := j.Payouts.Settle(ctx, payout, now); err != nil {
		// The payout stays pending and the next run settles it without a
		// second transfer.
		j.Logger.Error(err, "Transfer sent but settlement failed",
			"user_id", user.ID.String(),
			"payout_id", payout.ID.String(),
			"transfer_id", *payout.TransferID)
		return total, fmt.Errorf("failed to settle payout: %w", err)
	}

	j.Notifier.Notify(ctx, user.ID, notification.Message{
		Type:  model.NotificationPayoutSent,
		Title: "Payout sent",
		Body:  fmt.Sprintf("Your %s payout of $%s is on its way.", payout.Frequency, total.StringFixed(2)),
	})
	return total, nil
}

// transferFailed closes the payout when the gateway refused it. A retryable
// failure leaves it pending so the next run repeats the same transfer.
func (j *PayoutJob) transferFailed(ctx context.Context, user *model.User, payout *model.PayoutTransaction, transferErr error) {
	if !apperrors.IsRetryable(transferErr) {
		if err := j.Payouts.Fail(ctx, payout.ID, transferErr.Error()); err != nil {
			j.Logger.Error(err, "Failed to record failed payout", "payout_id", payout.ID.String())
		}
	}
	j.Notifier.Notify(ctx, user.ID, notification.Message{
		Type:  model.NotificationPayoutFailed,
		Title: "Payout failed",
		Body: fmt.Sprintf("Your %s payout of $%s could not be sent. Please check your payout account.",
			payout.Frequency, payout.Amount.StringFixed(2)),
	})
}
