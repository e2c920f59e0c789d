package query

import (
	"time"

	"hookvault/internal/eventstore"
)

type ListRequest struct {
	Page   int
	Size   int
	Status string
	Q      string
	From   *time.Time
	To     *time.Time
}

// Summary is the list view of an event. It never carries the payload.
type Summary struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	EventID           string            `json:"eventId"`
	EventType         string            `json:"eventType"`
	ReceivedAt        time.Time         `json:"receivedAt"`
	SignatureVerified bool              `json:"signatureVerified"`
	Result            eventstore.Result `json:"result"`
	ProcessedAt       *time.Time        `json:"processedAt,omitempty"`
	Attempts          int               `json:"attempts"`
}

type Detail struct {
	Summary
	Payload         []byte             `json:"payload" swaggertype:"string" format:"base64"`
	PayloadHash     string             `json:"payloadHash"`
	IdempotencyKeys []string           `json:"idempotencyKeys"`
	Traces          []eventstore.Trace `json:"traces"`
	LastError       string             `json:"lastError,omitempty"`
}

type Page struct {
	Items []Summary `json:"items"`
	Page  int       `json:"page"`
	Size  int       `json:"size"`
	Total int       `json:"total"`
}

func summaryOf(ev *eventstore.WebhookEvent) Summary {
	return Summary{
		ID:                ev.ID,
		Provider:          ev.Provider,
		EventID:           ev.EventID,
		EventType:         ev.EventType,
		ReceivedAt:        ev.ReceivedAt,
		SignatureVerified: ev.SignatureVerified,
		Result:            ev.Result,
		ProcessedAt:       ev.ProcessedAt,
		Attempts:          ev.Attempts,
	}
}

func detailOf(ev *eventstore.WebhookEvent) *Detail {
	keys := ev.IdempotencyKeys
	if keys == nil {
		keys = []string{}
	}
	traces := ev.Traces
	if traces == nil {
		traces = []eventstore.Trace{}
	}
	return &Detail{
		Summary:         summaryOf(ev),
		Payload:         ev.Payload,
		PayloadHash:     ev.PayloadHash,
		IdempotencyKeys: keys,
		Traces:          traces,
		LastError:       ev.LastError,
	}
}
