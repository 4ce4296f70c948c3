// Package bus is the event bus shared by every agroflow service: a durable
// topic exchange with named queues, at-least-once delivery and manual
// acknowledgement.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed marks a message whose envelope or payload cannot be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrClosed is returned once the bus has been closed.
	ErrClosed = errors.New("bus closed")
)

// Envelope wraps every published event.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for publication under eventType.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload in %s", ErrMalformed, e.EventType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.EventType, err)
	}
	return nil
}

// Handler processes one delivery. Returning nil acknowledges it; any error
// negatively acknowledges it without requeue so the broker dead-letters it.
type Handler func(ctx context.Context, env Envelope) error

// Binding names a durable queue and the routing keys it receives.
type Binding struct {
	Queue       string
	RoutingKeys []string
}

// DeadLetterQueue is where rejected deliveries of the binding's queue end up.
func (b Binding) DeadLetterQueue() string { return b.Queue + ".dlq" }

// Publisher publishes events to the exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Subscriber consumes a queue until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, binding Binding, handler Handler) error
}

// Bus is a connected event bus driver.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func encode(routingKey string, payload any) (Envelope, []byte, error) {
	env, err := NewEnvelope(routingKey, payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return env, body, nil
}

// dispatch decodes body and runs handler, converting panics into errors so a
// single bad message never takes a consumer down.
func dispatch(ctx context.Context, handler Handler, body []byte) (env Envelope, err error) {
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.EventType == "" {
		return env, fmt.Errorf("%w: envelope without event_type", ErrMalformed)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", env.EventType, r)
		}
	}()
	return env, handler(ctx, env)
}

// interrupted reports whether a handler failure was caused by the consumer
// shutting down rather than by the message itself.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && !errors.Is(err, ErrMalformed)
}
