package deduplication

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
	"hookvault/pkg/logging"
	"hookvault/pkg/metrics"
	"hookvault/pkg/tracing"
)

// Service admits verified deliveries into the event store exactly once per (provider, event id).
type Service struct {
	store  eventstore.Store
	logger logger.Logger
}

func NewService(store eventstore.Store, log logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

// Admit persists a new event or returns the stored one for a duplicate delivery.
// Duplicates are never re-processed whatever their result; a differing payload is only reported.
func (s *Service) Admit(ctx context.Context, in Incoming) (Admission, error) {
	ctx, span := tracing.GetTracer("deduplication").Start(ctx, "deduplication.admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.provider", in.Provider),
		attribute.String("webhook.event_id", in.EventID),
	)

	hash := PayloadHash(in.Payload)
	res, err := s.store.InsertIfAbsent(ctx, eventstore.NewEvent{
		Provider:          in.Provider,
		EventID:           in.EventID,
		EventType:         in.EventType,
		Payload:           in.Payload,
		PayloadHash:       hash,
		SignatureVerified: true,
		IdempotencyKeys:   in.IdempotencyKeys,
	})
	if err != nil {
		span.RecordError(err)
		return Admission{}, fmt.Errorf("admit %s/%s: %w", in.Provider, in.EventID, err)
	}

	ctx = logging.WithEventID(ctx, res.Event.ID)
	span.SetAttributes(attribute.Bool("webhook.duplicate", !res.Created))
	if res.Created {
		return Admission{Event: res.Event}, nil
	}

	adm := Admission{Event: res.Event, Duplicate: true}
	if res.Event.PayloadHash != hash {
		adm.PayloadMismatch = true
		metrics.PayloadMismatchTotal.WithLabelValues(in.Provider).Inc()
		s.logger.WarnwCtx(ctx, "Duplicate delivery with different payload",
			"provider", in.Provider,
			"provider_event_id", in.EventID,
			"stored_hash", res.Event.PayloadHash,
			"received_hash", hash,
		)
	}

	// the stored event is left exactly as first admitted
	if extra := missingKeys(res.Event.IdempotencyKeys, in.IdempotencyKeys); len(extra) > 0 {
		s.logger.InfowCtx(ctx, "Duplicate delivery carried idempotency keys the stored event lacks, ignoring them",
			"provider_event_id", in.EventID,
			"ignored_keys", extra,
		)
	}

	s.logger.DebugwCtx(ctx, "Duplicate delivery acknowledged",
		"provider", in.Provider,
		"provider_event_id", in.EventID,
		"result", res.Event.Result,
	)
	return adm, nil
}

func missingKeys(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, k := range have {
		set[k] = struct{}{}
	}
	var out []string
	for _, k := range want {
		if _, ok := set[k]; !ok && k != "" {
			out = append(out, k)
		}
	}
	return out
}
