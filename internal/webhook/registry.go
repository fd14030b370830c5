package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	apperrors "github.com/jwalitptl/homecare-billing/pkg/errors"
)

// Kind is a gateway event type.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment_intent.succeeded"
	KindPaymentFailed    Kind = "payment_intent.payment_failed"
	KindChargeRefunded   Kind = "charge.refunded"
	KindTransferReversed Kind = "transfer.reversed"
	KindAccountUpdated   Kind = "account.updated"
)

// ErrUnknownKind is returned by Dispatch for events nothing is registered for.
var ErrUnknownKind = errors.New("unknown webhook kind")

// Event is the envelope the gateway posts.
type Event struct {
	ID      string `json:"id"`
	Type    Kind   `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperrors.Parse("invalid webhook payload", err)
	}
	if ev.Type == "" {
		return nil, apperrors.Parse("webhook payload has no type", nil)
	}
	return &ev, nil
}

// Object decodes the event's data object into v.
func (e *Event) Object(v interface{}) error {
	if len(e.Data.Object) == 0 {
		return apperrors.Parse(fmt.Sprintf("%s event has no data object", e.Type), nil)
	}
	if err := json.Unmarshal(e.Data.Object, v); err != nil {
		return apperrors.Parse(fmt.Sprintf("invalid %s data object", e.Type), err)
	}
	return nil
}

type HandlerFunc func(ctx context.Context, ev *Event) error

// Registry maps event kinds to handlers. It is shared by the HTTP receiver
// and the retry processor so both replay events the same way.
type Registry struct {
	handlers map[Kind]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]HandlerFunc)}
}

func (r *Registry) Register(kind Kind, h HandlerFunc) {
	r.handlers[kind] = h
}

func (r *Registry) Handles(kind Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Dispatch runs the handler for ev.Type. A panicking handler is reported as
// an error.
func (r *Registry) Dispatch(ctx context.Context, ev *Event) (err error) {
	h, ok := r.handlers[ev.Type]
	if !ok {
		return fmt.Errorf("%s: %w", ev.Type, ErrUnknownKind)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %s panicked: %v", ev.Type, p)
		}
	}()
	return h(ctx, ev)
}
