package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSPublisher is the minimal JetStream publish surface outbox.go
// depends on, satisfied by *natsclient.Client (internal/corelib/natsclient)
// via a thin adapter so this package does not import the NATS client
// directly (ground: audit-service consumer.AuditConsumer depending on
// natsclient.Client only through the methods it actually calls).
type JSPublisher interface {
	Publish(subject string, data []byte) error
}

// OutboxEvent is the on-wire envelope published for every appended
// entry, reusing the shape audit-service's consumer and cdc-worker's
// replication decoder already agree on (OutboxEvent / OutboxRow),
// repurposed here as the kernel's own audit replication feed instead
// of a downstream consumer of someone else's outbox table.
type OutboxEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	ActorID       string          `json:"actor_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// NATSOutbox publishes every appended entry to a NATS JetStream
// subject so an external SIEM can subscribe to the live feed rather
// than only polling query()/export().
type NATSOutbox struct {
	js      JSPublisher
	subject string
}

// NewNATSOutbox returns a Publisher that publishes onto subject
// (conventionally "kernel.audit.<principal>" or a fixed
// "kernel.audit" subject with principal carried in the payload).
func NewNATSOutbox(js JSPublisher, subject string) *NATSOutbox {
	return &NATSOutbox{js: js, subject: subject}
}

func (o *NATSOutbox) Publish(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry payload: %w", err)
	}

	event := OutboxEvent{
		ID:            e.ID.String(),
		AggregateType: "audit_entry",
		AggregateID:   e.ObjectID,
		ActorID:       e.Principal,
		Type:          e.Op,
		Payload:       payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	return o.js.Publish(o.subject, data)
}
