package models

import "time"

// MessageEnvelope is the wire form of an outbound notification. ID is the idempotency key
// and doubles as the Kafka message key, so consumers can drop redeliveries.
type MessageEnvelope struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  Metadata               `json:"metadata"`
}

type Metadata struct {
	TraceID string `json:"trace_id,omitempty"`
	// Webhook event that caused the notification.
	EventID   string `json:"event_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	EventType string `json:"event_type,omitempty"`
}
