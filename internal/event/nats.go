package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "runner."

// Envelope is the wire form of an event mirrored onto NATS.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Subject returns the NATS subject an event kind is published on, e.g.
// "task:assigned" -> "runner.task.assigned".
func Subject(kind Kind) string {
	return subjectPrefix + strings.ReplaceAll(string(kind), ":", ".")
}

// NATSBus dispatches to in-process subscribers like LocalBus and mirrors
// every event onto a NATS subject so out-of-process consumers can follow a
// run. Publish never fails the publisher: mirror errors are logged and
// dropped.
type NATSBus struct {
	local  *LocalBus
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSBus creates a bus mirroring events through the given connection.
func NewNATSBus(nc *nats.Conn, logger *zap.Logger) *NATSBus {
	return &NATSBus{
		local:  NewLocalBus(),
		nc:     nc,
		logger: logger.Named("event-bus"),
	}
}

// Publish dispatches locally, then mirrors the event to NATS.
func (b *NATSBus) Publish(ev Event) {
	b.local.Publish(ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to marshal event payload",
			zap.String("kind", string(ev.Kind())),
			zap.Error(err))
		return
	}

	data, err := json.Marshal(Envelope{
		ID:      uuid.New().String(),
		Kind:    ev.Kind(),
		At:      time.Now(),
		Payload: payload,
	})
	if err != nil {
		b.logger.Error("Failed to marshal event envelope",
			zap.String("kind", string(ev.Kind())),
			zap.Error(err))
		return
	}

	if err := b.nc.Publish(Subject(ev.Kind()), data); err != nil {
		b.logger.Warn("Failed to mirror event to NATS",
			zap.String("kind", string(ev.Kind())),
			zap.Error(err))
	}
}

// Subscribe registers an in-process handler for one event kind.
func (b *NATSBus) Subscribe(kind Kind, h Handler) func() {
	return b.local.Subscribe(kind, h)
}

// SubscribeAll registers an in-process handler for every event kind.
func (b *NATSBus) SubscribeAll(h Handler) func() {
	return b.local.SubscribeAll(h)
}

// Close drops in-process subscriptions and flushes the connection.
func (b *NATSBus) Close() {
	b.local.Close()
	if err := b.nc.Flush(); err != nil {
		b.logger.Warn("Failed to flush NATS connection", zap.Error(err))
	}
}
