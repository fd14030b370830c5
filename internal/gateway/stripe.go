package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	apperrors "github.com/jwalitptl/homecare-billing/pkg/errors"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
	"github.com/jwalitptl/homecare-billing/pkg/metrics"
)

type Config struct {
	BaseURL         string
	SecretKey       string
	Currency        string
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// StripeClient speaks Stripe's form-encoded REST API.
type StripeClient struct {
	http     *resty.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	currency string
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

type apiError struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func NewStripeClient(cfg Config, log *logger.Logger, m *metrics.Metrics) *StripeClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Accept", "application/json").
		SetError(&apiError{})

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Declines are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}

	return &StripeClient{
		http:     client,
		breaker:  breaker,
		limiter:  rate.NewLimiter(limit, burst),
		currency: strings.ToLower(currency),
		logger:   log,
		metrics:  m,
	}
}

type paymentIntent struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"payment_method"`
}

func (c *StripeClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	cents := ToCents(req.Amount)
	if cents <= 0 {
		return nil, apperrors.BadRequest("charge amount must be positive", nil)
	}

	form := map[string]string{
		"amount":         strconv.FormatInt(cents, 10),
		"currency":       c.currency,
		"customer":       req.CustomerID,
		"payment_method": req.PaymentMethodID,
		"confirm":        "true",
		"off_session":    "true",
	}
	if req.Description != "" {
		form["description"] = req.Description
	}
	addMetadata(form, req.Metadata)

	var intent paymentIntent
	err := c.do(ctx, "charge", req.IdempotencyKey, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(form).SetResult(&intent).Post("/v1/payment_intents")
	})
	if err != nil {
		return nil, err
	}

	if intent.Status != "succeeded" {
		return nil, apperrors.Declined(fmt.Sprintf("payment intent %s is %s", intent.ID, intent.Status), nil)
	}

	pm := intent.PaymentMethod
	if pm == "" {
		pm = req.PaymentMethodID
	}
	return &ChargeResult{
		ID:              intent.ID,
		Status:          intent.Status,
		PaymentMethodID: pm,
		Amount:          FromCents(intent.Amount),
	}, nil
}

type balanceAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type balanceResponse struct {
	Available []balanceAmount `json:"available"`
	Pending   []balanceAmount `json:"pending"`
}

func (c *StripeClient) GetBalance(ctx context.Context) (*Balance, error) {
	var body balanceResponse
	err := c.do(ctx, "balance", "", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&body).Get("/v1/balance")
	})
	if err != nil {
		return nil, err
	}

	return &Balance{
		Available: c.sumCurrency(body.Available),
		Pending:   c.sumCurrency(body.Pending),
	}, nil
}

func (c *StripeClient) sumCurrency(amounts []balanceAmount) (total decimal.Decimal) {
	for _, a := range amounts {
		if strings.EqualFold(a.Currency, c.currency) {
			total = total.Add(FromCents(a.Amount))
		}
	}
	return total
}

type customerResponse struct {
	InvoiceSettings struct {
		DefaultPaymentMethod *string `json:"default_payment_method"`
	} `json:"invoice_settings"`
}

func (c *StripeClient) DefaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	var body customerResponse
	err := c.do(ctx, "get_customer", "", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", customerID).SetResult(&body).Get("/v1/customers/{id}")
	})
	if err != nil {
		return "", err
	}
	if body.InvoiceSettings.DefaultPaymentMethod == nil {
		return "", nil
	}
	return *body.InvoiceSettings.DefaultPaymentMethod, nil
}

type paymentMethodList struct {
	Data []struct {
		ID   string `json:"id"`
		Card struct {
			Brand string `json:"brand"`
			Last4 string `json:"last4"`
		} `json:"card"`
	} `json:"data"`
}

func (c *StripeClient) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	var body paymentMethodList
	err := c.do(ctx, "list_payment_methods", "", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"customer": customerID,
			"type":     "card",
		}).SetResult(&body).Get("/v1/payment_methods")
	})
	if err != nil {
		return nil, err
	}

	methods := make([]PaymentMethod, 0, len(body.Data))
	for _, pm := range body.Data {
		methods = append(methods, PaymentMethod{ID: pm.ID, Brand: pm.Card.Brand, Last4: pm.Card.Last4})
	}
	return methods, nil
}

type transferResponse struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

func (c *StripeClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	cents := ToCents(req.Amount)
	if cents <= 0 {
		return nil, apperrors.BadRequest("transfer amount must be positive", nil)
	}

	form := map[string]string{
		"amount":      strconv.FormatInt(cents, 10),
		"currency":    c.currency,
		"destination": req.Destination,
	}
	if req.Description != "" {
		form["description"] = req.Description
	}
	addMetadata(form, req.Metadata)

	var body transferResponse
	err := c.do(ctx, "transfer", req.IdempotencyKey, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(form).SetResult(&body).Post("/v1/transfers")
	})
	if err != nil {
		return nil, err
	}

	return &TransferResult{ID: body.ID, Amount: FromCents(body.Amount)}, nil
}

// do runs one API call through the rate limiter and circuit breaker and
// turns the outcome into a classified error.
func (c *StripeClient) do(ctx context.Context, operation, idempotencyKey string, call func(*resty.Request) (*resty.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.Transient("gateway rate limit wait aborted", err)
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		r := c.http.R().SetContext(ctx)
		if idempotencyKey != "" {
			r.SetHeader("Idempotency-Key", idempotencyKey)
		}
		resp, err := call(r)
		return nil, classify(operation, resp, err)
	})
	c.metrics.GatewayLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = apperrors.Transient("payment gateway unavailable", err)
	}

	status := "success"
	switch {
	case err == nil:
	case apperrors.IsRetryable(err):
		status = "transient"
	default:
		status = "rejected"
	}
	c.metrics.GatewayRequests.WithLabelValues(operation, status).Inc()

	if err != nil {
		c.logger.Debug("Gateway call failed", "operation", operation, "status", status, "error", err.Error())
	}
	return err
}

func classify(operation string, resp *resty.Response, err error) error {
	if err != nil {
		return apperrors.Transient(operation+" request failed", err)
	}

	code := resp.StatusCode()
	if code < 300 {
		return nil
	}

	msg := fmt.Sprintf("%s returned HTTP %d", operation, code)
	if body, ok := resp.Error().(*apiError); ok && body.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, body.Error.Message)
		if body.Error.DeclineCode != "" {
			msg = fmt.Sprintf("%s (%s)", msg, body.Error.DeclineCode)
		}
	}

	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return apperrors.Transient(msg, nil)
	}
	return apperrors.Declined(msg, nil)
}

func addMetadata(form map[string]string, metadata map[string]string) {
	for k, v := range metadata {
		form["metadata["+k+"]"] = v
	}
}
