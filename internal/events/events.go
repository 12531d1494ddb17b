package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ListingCreated = "ListingCreated"
	MatchRequested = "MatchRequested"
	MatchAccepted  = "MatchAccepted"
	MatchDeclined  = "MatchDeclined"
	OrderPlaced    = "OrderPlaced"
	OrderCompleted = "OrderCompleted"
	OrderCancelled = "OrderCancelled"
	UserVerified   = "UserVerified"
)

// Envelope wraps every domain event published by the API
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // aggregate key, e.g. listing:12
	Audience      []int           `json:"audience,omitempty"`       // user ids the live feed may show it to
	Payload       json.RawMessage `json:"payload"`
}

// Publisher delivers envelopes to one sink
type Publisher interface {
	Publish(ctx context.Context, ev Envelope) error
}

// NewEnvelope builds a version 1 envelope around payload
func NewEnvelope(producer, eventType, key string, payload any, audience ...int) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: key,
		Audience:      audience,
		Payload:       raw,
	}, nil
}

// UnwrapPayload decodes the payload of ev into T
func UnwrapPayload[T any](ev Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(ev.Payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

// Key formats an aggregate key
func Key(aggregate string, id int) string {
	return fmt.Sprintf("%s:%d", aggregate, id)
}

type fanout []Publisher

// Fanout publishes to every sink and joins their errors
func Fanout(pubs ...Publisher) Publisher {
	return fanout(pubs)
}

func (f fanout) Publish(ctx context.Context, ev Envelope) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nop struct{}

// Nop discards every event
func Nop() Publisher { return nop{} }

func (nop) Publish(context.Context, Envelope) error { return nil }

// Emitter is what lifecycle code calls after a transition has committed.
// Failures are logged and never returned: the transition already happened.
type Emitter struct {
	pub      Publisher
	producer string
	log      *zap.Logger
}

func NewEmitter(pub Publisher, producer string, log *zap.Logger) *Emitter {
	if pub == nil {
		pub = Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{pub: pub, producer: producer, log: log}
}

// Emit publishes payload to every sink. audience names the users the event
// concerns; the live feed shows it to nobody else.
func (e *Emitter) Emit(ctx context.Context, eventType, key string, payload any, audience ...int) {
	ev, err := NewEnvelope(e.producer, eventType, key, payload, audience...)
	if err != nil {
		e.log.Error("Failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn("Failed to publish event",
			zap.String("type", eventType),
			zap.String("key", key),
			zap.Error(err))
	}
}
