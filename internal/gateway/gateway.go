package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the payment processor the jobs charge clients and pay
// contractors through. Implementations classify failures with pkg/errors:
// Transient for timeouts, rate limiting and 5xx; Declined for refusals.
type Gateway interface {
	// Charge confirms an off-session payment against a saved payment method.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	GetBalance(ctx context.Context) (*Balance, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	// DefaultPaymentMethod returns "" when the customer has no default set.
	DefaultPaymentMethod(ctx context.Context, customerID string) (string, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	Amount          decimal.Decimal
	Description     string
	Metadata        map[string]string
	// IdempotencyKey makes a retried request return the original result.
	IdempotencyKey string
}

type ChargeResult struct {
	ID              string
	Status          string
	PaymentMethodID string
	Amount          decimal.Decimal
}

type Balance struct {
	Available decimal.Decimal
	Pending   decimal.Decimal
}

func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Pending)
}

type PaymentMethod struct {
	ID    string
	Brand string
	Last4 string
}

type TransferRequest struct {
	Destination    string
	Amount         decimal.Decimal
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type TransferResult struct {
	ID     string
	Amount decimal.Decimal
}

// ResolvePaymentMethod picks the customer's default payment method, falling
// back to the first one on file. It returns "" when there is none.
func ResolvePaymentMethod(ctx context.Context, g Gateway, customerID string) (string, error) {
	pm, err := g.DefaultPaymentMethod(ctx, customerID)
	if err != nil {
		return "", err
	}
	if pm != "" {
		return pm, nil
	}

	methods, err := g.ListPaymentMethods(ctx, customerID)
	if err != nil {
		return "", err
	}
	if len(methods) == 0 {
		return "", nil
	}
	return methods[0].ID, nil
}

// ToCents converts a dollar amount to the gateway's minor units.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
