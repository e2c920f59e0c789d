package processing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"hookvault/internal/deduplication"
	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
	pkgerrors "hookvault/pkg/errors"
	"hookvault/pkg/logging"
	"hookvault/pkg/metrics"
	"hookvault/pkg/retry"
	"hookvault/pkg/tracing"
)

type OutcomeKind string

const (
	OutcomeOK        OutcomeKind = "ok"
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
	// OutcomeSkipped means no attempt was made: the event was leased elsewhere, already
	// final, or the attempt result lost its lease.
	OutcomeSkipped OutcomeKind = "skipped"
)

type Outcome struct {
	Kind   OutcomeKind
	Reason string
	GaveUp bool
}

type Config struct {
	Timeout     time.Duration
	Lease       time.Duration
	MaxAttempts int
}

const resultWriteTimeout = 5 * time.Second

// Processor runs one attempt of one stored event at a time, recording every transition.
type Processor struct {
	store    eventstore.Store
	ledger   deduplication.KeyLedger
	registry *Registry
	filters  *Filters
	cfg      Config
	logger   logger.Logger
}

func NewProcessor(store eventstore.Store, ledger deduplication.KeyLedger, registry *Registry, filters *Filters, cfg Config, log logger.Logger) *Processor {
	if cfg.Lease < cfg.Timeout {
		cfg.Lease = cfg.Timeout
	}
	return &Processor{
		store:    store,
		ledger:   ledger,
		registry: registry,
		filters:  filters,
		cfg:      cfg,
		logger:   log,
	}
}

func (p *Processor) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Process makes a single attempt at eventID. Errors are infrastructure failures only;
// handler failures are reported through the Outcome and the event's traces.
func (p *Processor) Process(ctx context.Context, eventID string) (Outcome, error) {
	ctx, span := tracing.GetTracer("processing").Start(ctx, "processing.process")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.id", eventID))
	ctx = logging.WithEventID(ctx, eventID)

	tok, err := p.store.RecordAttemptStart(ctx, eventID, p.cfg.Lease)
	if errors.Is(err, eventstore.ErrAttemptInProgress) || errors.Is(err, eventstore.ErrNotEligible) {
		p.logger.DebugwCtx(ctx, "Attempt not started", "reason", err)
		return Outcome{Kind: OutcomeSkipped, Reason: err.Error()}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("start attempt: %w", err)
	}

	ev, err := p.store.Get(ctx, eventID)
	if err != nil {
		// the lease lapses and the scheduler picks the event up again
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("load event: %w", err)
	}
	ctx = logging.WithProvider(ctx, ev.Provider)
	span.SetAttributes(
		attribute.String("webhook.provider", ev.Provider),
		attribute.String("webhook.event_type", ev.EventType),
		attribute.Int("webhook.attempt", tok.Attempt),
	)

	start := time.Now()
	guard := newKeyGuard(p.ledger, p.store, ev.ID)
	result := p.attempt(ctx, ev, tok, guard)
	if result.Outcome == eventstore.OutcomeTransient && tok.Attempt >= p.cfg.MaxAttempts {
		result.GiveUp = true
	}
	outcome := Outcome{Kind: OutcomeKind(result.Outcome), Reason: result.Reason, GaveUp: result.GiveUp}
	metrics.ObserveProcessing(ev.Provider, string(outcome.Kind), time.Since(start))

	// record even when ctx was cancelled mid-attempt so shutdown does not strand the lease
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()

	if err := p.store.RecordAttemptResult(writeCtx, tok, result); err != nil {
		if errors.Is(err, eventstore.ErrStaleAttempt) {
			metrics.StaleAttemptsTotal.Inc()
			p.logger.WarnwCtx(ctx, "Attempt result discarded, lease superseded",
				"attempt", tok.Attempt,
				"outcome", result.Outcome,
			)
			return Outcome{Kind: OutcomeSkipped, Reason: "stale attempt"}, nil
		}
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("record attempt result: %w", err)
	}

	if result.Outcome == eventstore.OutcomePermanent || result.GiveUp {
		keys := append(ev.IdempotencyKeys, guard.claimedKeys()...)
		if err := p.ledger.Release(writeCtx, ev.ID, keys); err != nil {
			p.logger.WarnwCtx(ctx, "Failed to release idempotency keys", "error", err)
		}
	}
	if result.GiveUp {
		metrics.EventsGivenUpTotal.WithLabelValues(ev.Provider).Inc()
	}

	switch result.Outcome {
	case eventstore.OutcomeOK:
		span.SetStatus(codes.Ok, "")
		p.logger.InfowCtx(ctx, "Webhook processed", "attempt", tok.Attempt, "note", result.Reason)
	default:
		span.SetStatus(codes.Error, result.Reason)
		p.logger.WarnwCtx(ctx, "Webhook processing failed",
			"attempt", tok.Attempt,
			"outcome", result.Outcome,
			"reason", result.Reason,
			"given_up", result.GiveUp,
		)
	}
	return outcome, nil
}

func (p *Processor) attempt(ctx context.Context, ev *eventstore.WebhookEvent, tok eventstore.AttemptToken, guard *keyGuard) eventstore.AttemptResult {
	if deduplication.PayloadHash(ev.Payload) != ev.PayloadHash {
		return permanent(ErrPayloadChanged)
	}

	if rule, ok := p.filters.Match(ctx, ev); ok {
		return eventstore.AttemptResult{Outcome: eventstore.OutcomeOK, Reason: "filtered by rule " + rule}
	}

	for _, key := range ev.IdempotencyKeys {
		note, err := guard.claim(ctx, key)
		if err != nil {
			return transient(err)
		}
		if note != "" {
			metrics.IdempotencySkipsTotal.WithLabelValues(ev.Provider).Inc()
			return eventstore.AttemptResult{Outcome: eventstore.OutcomeOK, Reason: "side effects skipped: " + note}
		}
	}

	handler, ok := p.registry.Lookup(ev.Provider, ev.EventType)
	if !ok {
		return permanent(fmt.Errorf("%w for %s/%s", ErrNoHandler, ev.Provider, ev.EventType))
	}

	err := p.invoke(ctx, handler, Invocation{Event: ev, Attempt: tok.Attempt, Keys: guard})
	if err == nil {
		if skips := guard.skips(); len(skips) > 0 {
			metrics.IdempotencySkipsTotal.WithLabelValues(ev.Provider).Inc()
			return eventstore.AttemptResult{
				Outcome: eventstore.OutcomeOK,
				Reason:  "side effects skipped: " + strings.Join(skips, "; "),
			}
		}
		return eventstore.AttemptResult{Outcome: eventstore.OutcomeOK}
	}
	if retry.Classify(err) == retry.ClassRetryable {
		return transient(err)
	}
	return permanent(err)
}

// invoke runs the handler under the attempt timeout. A handler that overruns is abandoned:
// its goroutine keeps running with a cancelled context but its result is ignored.
func (p *Processor) invoke(ctx context.Context, h Handler, inv Invocation) error {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Permanent(pkgerrors.RecoverPanic(r))
			}
		}()
		done <- h.Handle(runCtx, inv)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
			return Transient(ErrHandlerTimeout)
		}
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Transient(ErrHandlerTimeout)
		}
		return Transient(fmt.Errorf("attempt cancelled: %w", runCtx.Err()))
	}
}

func transient(err error) eventstore.AttemptResult {
	return eventstore.AttemptResult{Outcome: eventstore.OutcomeTransient, Reason: err.Error()}
}

func permanent(err error) eventstore.AttemptResult {
	return eventstore.AttemptResult{Outcome: eventstore.OutcomePermanent, Reason: err.Error()}
}

// GiveUpExhausted closes out retryable events already at the attempt cap.
func (p *Processor) GiveUpExhausted(ctx context.Context) (int, error) {
	n, err := p.store.GiveUpExhausted(ctx, p.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.EventsGivenUpTotal.WithLabelValues("sweep").Add(float64(n))
		p.logger.InfowCtx(ctx, "Gave up on exhausted events", "count", n)
	}
	return n, nil
}
