package deduplication

import "hookvault/internal/eventstore"

// Incoming is one verified delivery after decoding.
type Incoming struct {
	Provider        string
	EventID         string
	EventType       string
	Payload         []byte
	IdempotencyKeys []string
}

type Admission struct {
	Event *eventstore.WebhookEvent
	// Duplicate is set when the (provider, event id) pair was already stored.
	Duplicate bool
	// PayloadMismatch flags a duplicate whose body hashes differently from the stored one.
	PayloadMismatch bool
}
