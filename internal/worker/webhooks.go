package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/webhook"
)

const defaultRetentionDays = 30

// WebhookRetryJob replays queued gateway events through the handler registry.
type WebhookRetryJob struct {
	*Deps
}

func NewWebhookRetryJob(d *Deps) *WebhookRetryJob {
	return &WebhookRetryJob{Deps: d}
}

func (j *WebhookRetryJob) Name() string { return JobWebhookRetry }

func (j *WebhookRetryJob) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := newSummary(j.Name(), opts).describe("replay", "webhooks")
	if opts.DryRun {
		// Claiming is itself a write.
		summary.note("dry run: queue left untouched")
		return summary, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = j.Queue.BatchSize
	}

	hooks, err := j.Webhooks.ClaimPending(ctx, limit, j.Queue.StaleAfter)
	if err != nil {
		j.Metrics.DatabaseOperations.WithLabelValues("claim_webhooks", "error").Inc()
		return nil, fmt.Errorf("failed to claim webhooks: %w", err)
	}
	j.Metrics.DatabaseOperations.WithLabelValues("claim_webhooks", "success").Inc()

	for _, hook := range hooks {
		// Claimed rows are finished even when the run is cancelled, so
		// they do not sit in processing until they go stale.
		j.replay(context.WithoutCancel(ctx), hook, summary)
	}
	return summary, nil
}

func (j *WebhookRetryJob) replay(ctx context.Context, hook *model.FailedWebhook, summary *Summary) {
	id := hook.ID.String()
	log := j.Logger.WithFields(map[string]interface{}{
		"webhook_id": id,
		"event_id":   hook.EventID,
		"event_type": hook.EventType,
	})

	outcome := func(result string) {
		j.Metrics.WebhookOutcomes.WithLabelValues(hook.EventType, result).Inc()
	}

	err := j.dispatch(ctx, hook)
	switch {
	case err == nil:
		if markErr := j.Webhooks.MarkCompleted(ctx, hook.ID); markErr != nil {
			log.Error(markErr, "Failed to mark webhook completed")
		}
		outcome(model.WebhookStatusCompleted)
		summary.processed(id, decimal.Zero, hook.EventType)

	case errors.Is(err, webhook.ErrUnknownKind):
		if markErr := j.Webhooks.MarkSkipped(ctx, hook.ID, err.Error()); markErr != nil {
			log.Error(markErr, "Failed to mark webhook skipped")
		}
		outcome(model.WebhookStatusSkipped)
		summary.skipped(id, fmt.Sprintf("no handler for %s", hook.EventType))

	default:
		status, markErr := j.Webhooks.MarkFailed(ctx, hook.ID, err.Error())
		if markErr != nil {
			log.Error(markErr, "Failed to record webhook failure")
		}
		log.Warn("Webhook replay failed", "error", err.Error(), "status", status, "attempts", hook.Attempts+1)
		outcome(model.WebhookStatusFailed)
		summary.failed(id, decimal.Zero, fmt.Sprintf("%s: %v (now %s)", hook.EventType, err, status))
	}
}

func (j *WebhookRetryJob) dispatch(ctx context.Context, hook *model.FailedWebhook) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("replay of %s panicked: %v", hook.EventID, p)
		}
	}()

	ev, err := webhook.ParseEvent(hook.Payload)
	if err != nil {
		return err
	}
	return j.Registry.Dispatch(ctx, ev)
}

// WebhookCleanupJob purges finished queue rows past the retention period.
// Pending, processing and skipped rows are never removed.
type WebhookCleanupJob struct {
	*Deps
}

func NewWebhookCleanupJob(d *Deps) *WebhookCleanupJob {
	return &WebhookCleanupJob{Deps: d}
}

func (j *WebhookCleanupJob) Name() string { return JobWebhookCleanup }

func (j *WebhookCleanupJob) Run(ctx context.Context, opts Options) (*Summary, error) {
	summary := newSummary(j.Name(), opts).describe("purge", "webhooks")

	days := opts.Days
	if days <= 0 {
		days = j.Queue.RetentionDays
	}
	if days <= 0 {
		days = defaultRetentionDays
	}
	cutoff := j.now().AddDate(0, 0, -days)
	summary.note("removing completed and failed webhooks last updated before %s", cutoff.Format("2006-01-02 15:04 MST"))

	if opts.DryRun {
		return summary, nil
	}

	n, err := j.Webhooks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.Metrics.DatabaseOperations.WithLabelValues("purge_webhooks", "error").Inc()
		return nil, fmt.Errorf("failed to purge webhooks: %w", err)
	}
	j.Metrics.DatabaseOperations.WithLabelValues("purge_webhooks", "success").Inc()
	j.Metrics.WebhooksPurged.Add(float64(n))

	summary.Processed = int(n)
	summary.note("removed %d rows", n)
	return summary, nil
}
