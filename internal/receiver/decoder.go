package receiver

import (
	"encoding/json"
	"net/http"
	"strings"

	"hookvault/internal/deduplication"
	"hookvault/internal/signature"
	pkgerrors "hookvault/pkg/errors"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerGitHubDelivery = "X-GitHub-Delivery"
	headerGitHubEvent    = "X-GitHub-Event"
	headerPatreonEvent   = "X-Patreon-Event"
	unknownEventType     = "unknown"
	hashEventIDPrefix    = "sha256:"
)

// Envelope is what the receiver needs from a verified body before admission.
type Envelope struct {
	EventID         string
	EventType       string
	IdempotencyKeys []string
}

func malformed(msg string) *pkgerrors.Error {
	return pkgerrors.ErrPayloadMalformed.WithMessage(msg)
}

// Decode extracts the event identity from a verified delivery. Bodies must be JSON objects.
// A delivery without an event id is identified by the hash of its payload.
func Decode(provider signature.Provider, header http.Header, body []byte) (Envelope, error) {
	var env Envelope
	switch provider {
	case signature.Stripe:
		var p struct {
			ID      string `json:"id"`
			Type    string `json:"type"`
			Request *struct {
				IdempotencyKey string `json:"idempotency_key"`
			} `json:"request"`
		}
		if err := unmarshalObject(body, &p); err != nil {
			return env, err
		}
		env.EventID, env.EventType = p.ID, p.Type
		if p.Request != nil && p.Request.IdempotencyKey != "" {
			env.IdempotencyKeys = append(env.IdempotencyKeys, p.Request.IdempotencyKey)
		}

	case signature.GitHub:
		var p struct {
			Action string `json:"action"`
		}
		if err := unmarshalObject(body, &p); err != nil {
			return env, err
		}
		env.EventID = header.Get(headerGitHubDelivery)
		env.EventType = header.Get(headerGitHubEvent)
		if env.EventType != "" && p.Action != "" {
			env.EventType += "." + p.Action
		}

	case signature.Patreon:
		if err := unmarshalObject(body, &struct{}{}); err != nil {
			return env, err
		}
		env.EventType = header.Get(headerPatreonEvent)

	case signature.Generic:
		var p struct {
			ID             string `json:"id"`
			Type           string `json:"type"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := unmarshalObject(body, &p); err != nil {
			return env, err
		}
		env.EventID, env.EventType = p.ID, p.Type
		if p.IdempotencyKey != "" {
			env.IdempotencyKeys = append(env.IdempotencyKeys, p.IdempotencyKey)
		}

	default:
		return env, pkgerrors.ErrUnknownProvider
	}

	if k := strings.TrimSpace(header.Get(headerIdempotencyKey)); k != "" {
		env.IdempotencyKeys = append(env.IdempotencyKeys, k)
	}
	env.EventID = strings.TrimSpace(env.EventID)
	if env.EventID == "" {
		env.EventID = hashEventIDPrefix + deduplication.PayloadHash(body)
	}
	if env.EventType == "" {
		env.EventType = unknownEventType
	}
	return env, nil
}

func unmarshalObject(body []byte, v interface{}) error {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return malformed("payload must be a JSON object")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return malformed("payload is not valid JSON").WithCause(err)
	}
	return nil
}
