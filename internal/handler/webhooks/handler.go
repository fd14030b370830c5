package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/homecare-billing/internal/handler"
	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
	"github.com/jwalitptl/homecare-billing/internal/webhook"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
	"github.com/jwalitptl/homecare-billing/pkg/metrics"
)

// SignatureHeader carries the gateway's "t=...,v1=..." signature.
const SignatureHeader = "Stripe-Signature"

// Outcomes recorded for received events.
const (
	outcomeCompleted = "completed"
	outcomeQueued    = "queued"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

type Config struct {
	SigningKey  string
	Tolerance   time.Duration
	MaxAttempts int
}

// Handler receives gateway events, handles them inline and queues the ones
// that fail for the retry job.
type Handler struct {
	cfg      Config
	registry *webhook.Registry
	queue    repository.WebhookRepository
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewHandler(cfg Config, registry *webhook.Registry, queue repository.WebhookRepository, log *logger.Logger, m *metrics.Metrics) *Handler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Handler{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		logger:   log,
		metrics:  m,
		now:      time.Now,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

func (h *Handler) Receive(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		h.metrics.WebhooksReceived.WithLabelValues("unknown", outcomeRejected).Inc()
		c.JSON(http.StatusRequestEntityTooLarge, handler.NewErrorResponse("could not read body"))
		return
	}

	if err := webhook.VerifySignature(payload, c.GetHeader(SignatureHeader), h.cfg.SigningKey, h.cfg.Tolerance, h.now()); err != nil {
		h.logger.Warn("Rejected webhook", "reason", err.Error(), "ip", c.ClientIP())
		h.metrics.WebhooksReceived.WithLabelValues("unknown", outcomeRejected).Inc()
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid signature"))
		return
	}

	ev, err := webhook.ParseEvent(payload)
	if err != nil {
		h.metrics.WebhooksReceived.WithLabelValues("unknown", outcomeRejected).Inc()
		handler.RespondWithError(c, err)
		return
	}

	kind := string(ev.Type)
	log := logger.FromContext(c.Request.Context(), h.logger).WithFields(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": kind,
	})

	err = h.registry.Dispatch(c.Request.Context(), ev)
	switch {
	case err == nil:
		h.metrics.WebhooksReceived.WithLabelValues(kind, outcomeCompleted).Inc()
		c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"received": true}))

	case errors.Is(err, webhook.ErrUnknownKind):
		// Acknowledge so the gateway stops resending events we never handle.
		h.metrics.WebhooksReceived.WithLabelValues(kind, outcomeIgnored).Inc()
		c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"received": true, "ignored": true}))

	default:
		log.Warn("Webhook handler failed, queueing for retry", "error", err.Error())
		hook := model.NewFailedWebhook(ev.ID, kind, payload, err.Error(), h.cfg.MaxAttempts)
		if qErr := h.queue.Enqueue(c.Request.Context(), hook); qErr != nil {
			// Without a queue row only the gateway's own retry is left.
			log.Error(qErr, "Failed to queue webhook")
			h.metrics.WebhooksReceived.WithLabelValues(kind, outcomeError).Inc()
			c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("webhook could not be processed"))
			return
		}
		h.metrics.WebhooksReceived.WithLabelValues(kind, outcomeQueued).Inc()
		c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"received": true, "queued": true}))
	}
}
