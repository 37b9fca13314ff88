package events

import (
	"context"
	"sync"
)

// Emitter publishes domain events. The engine and reporter only emit;
// notification transports live downstream.
type Emitter interface {
	// Emit seals evt for aggregate. correlationID ties the event to the
	// request that caused it.
	Emit(ctx context.Context, aggregate, correlationID string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error)
}

// MemoryEmitter keeps envelopes in process and optionally hands each one
// to a DeliveryHandler right away.
type MemoryEmitter struct {
	handler DeliveryHandler

	mu        sync.Mutex
	envelopes []Envelope
}

func NewMemoryEmitter(handler DeliveryHandler) *MemoryEmitter {
	return &MemoryEmitter{handler: handler}
}

func (m *MemoryEmitter) Emit(ctx context.Context, aggregate, correlationID string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	env, err := Seal(aggregate, correlationID, evt, opts...)
	if err != nil {
		return Envelope{}, err
	}
	m.mu.Lock()
	m.envelopes = append(m.envelopes, env)
	m.mu.Unlock()

	if m.handler != nil {
		entry, err := env.outboxEntry()
		if err != nil {
			return Envelope{}, err
		}
		if err := m.handler.Handle(ctx, entry); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}

// Envelopes returns a copy of everything emitted so far.
func (m *MemoryEmitter) Envelopes() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.envelopes...)
}

// OfType returns the emitted envelopes with the given event type.
func (m *MemoryEmitter) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, env := range m.Envelopes() {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}
