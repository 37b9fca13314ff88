package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CanonicalEvent is a versioned domain event. Types end in .vN and never
// carry matched text.
type CanonicalEvent interface {
	EventType() string
}

// Envelope is the wire form shared by the outbox, SQS and in-process
// delivery. Payload is the JSON of the event itself.
type Envelope struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	Aggregate       string          `json:"aggregate"`
	TimestampMicros int64           `json:"timestamp"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Timestamp is the event time in UTC.
func (e Envelope) Timestamp() time.Time {
	return time.UnixMicro(e.TimestampMicros).UTC()
}

// Decode unmarshals the payload into dst, which must be of the envelope's
// type.
func (e Envelope) Decode(dst CanonicalEvent) error {
	if dst.EventType() != e.EventType {
		return fmt.Errorf("events: envelope is %s, not %s", e.EventType, dst.EventType())
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("events: decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// EnvelopeOption sets envelope metadata at emit time.
type EnvelopeOption func(*Envelope)

// WithEventID gives the envelope the id the event already carries, so a
// consumer sees one identity for both. uuid.Nil is ignored.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.EventID = id
		}
	}
}

// WithTimestamp stamps the envelope with the time the event describes
// rather than the time it was emitted. A zero time is ignored.
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if !ts.IsZero() {
			e.TimestampMicros = ts.UTC().UnixMicro()
		}
	}
}

var (
	ErrNoAggregate = errors.New("events: aggregate is required")
	ErrNoEvent     = errors.New("events: event is required")
	ErrNoEventType = errors.New("events: event type is required")
)

// Seal validates evt and wraps it for delivery. Without options the
// envelope gets a fresh id and the current time.
func Seal(aggregate, correlationID string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	aggregate = strings.TrimSpace(aggregate)
	switch {
	case aggregate == "":
		return Envelope{}, ErrNoAggregate
	case evt == nil:
		return Envelope{}, ErrNoEvent
	case strings.TrimSpace(evt.EventType()) == "":
		return Envelope{}, ErrNoEventType
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", evt.EventType(), err)
	}
	env := Envelope{
		EventID:         uuid.New(),
		EventType:       strings.TrimSpace(evt.EventType()),
		Aggregate:       aggregate,
		TimestampMicros: time.Now().UTC().UnixMicro(),
		CorrelationID:   strings.TrimSpace(correlationID),
		Payload:         payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

func (e Envelope) outboxEntry() (OutboxEntry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	return OutboxEntry{
		ID:        e.EventID,
		Aggregate: e.Aggregate,
		Type:      e.EventType,
		Payload:   data,
		CreatedAt: e.Timestamp(),
	}, nil
}

// DecodeEnvelope parses an outbox payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, errors.New("events: envelope has no event type")
	}
	return env, nil
}
