package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Webhook queue statuses
const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
	// WebhookStatusSkipped marks events nothing handles; kept apart from
	// completed so audits can tell them apart.
	WebhookStatusSkipped = "skipped"
)

// FailedWebhook is a gateway notification whose first processing failed and
// is waiting to be replayed.
type FailedWebhook struct {
	Base
	EventID       string          `json:"event_id" db:"event_id"`
	EventType     string          `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        string          `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	MaxAttempts   int             `json:"max_attempts" db:"max_attempts"`
	ErrorLog      string          `json:"error_log" db:"error_log"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
}

// NewFailedWebhook queues an event that could not be handled on receipt.
func NewFailedWebhook(eventID, eventType string, payload json.RawMessage, reason string, maxAttempts int) *FailedWebhook {
	now := time.Now()
	return &FailedWebhook{
		Base:        Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		EventID:     eventID,
		EventType:   eventType,
		Payload:     payload,
		Status:      WebhookStatusPending,
		MaxAttempts: maxAttempts,
		ErrorLog:    FormatAttemptError(now, 0, reason),
	}
}

// FormatAttemptError is one line of a webhook's accumulated error log.
func FormatAttemptError(at time.Time, attempt int, reason string) string {
	return at.UTC().Format(time.RFC3339) + " attempt " + strconv.Itoa(attempt) + ": " + reason + "\n"
}
