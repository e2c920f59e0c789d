package processing

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/config"
	"hookvault/internal/deduplication"
	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
)

type fixture struct {
	store     *eventstore.MemoryStore
	processor *Processor
}

func newFixture(t *testing.T, handler Handler, filters []config.FilterConfig, maxAttempts int) *fixture {
	t.Helper()
	store := eventstore.NewMemoryStore()
	registry, err := NewRegistry(Route{Provider: "stripe", EventType: "payment.succeeded", Handler: handler})
	require.NoError(t, err)
	f, err := NewFilters(filters, logger.NopLogger())
	require.NoError(t, err)

	p := NewProcessor(store, deduplication.NewStoreLedger(store), registry, f, Config{
		Timeout:     200 * time.Millisecond,
		Lease:       time.Second,
		MaxAttempts: maxAttempts,
	}, logger.NopLogger())
	return &fixture{store: store, processor: p}
}

func (f *fixture) admit(t *testing.T, eventID string, keys ...string) string {
	t.Helper()
	adm, err := deduplication.NewService(f.store, logger.NopLogger()).Admit(context.Background(), deduplication.Incoming{
		Provider:        "stripe",
		EventID:         eventID,
		EventType:       "payment.succeeded",
		Payload:         []byte(`{"id":"` + eventID + `","livemode":true}`),
		IdempotencyKeys: keys,
	})
	require.NoError(t, err)
	return adm.Event.ID
}

func (f *fixture) event(t *testing.T, id string) *eventstore.WebhookEvent {
	t.Helper()
	ev, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func resultTraces(ev *eventstore.WebhookEvent) []string {
	var out []string
	for _, tr := range ev.Traces {
		if strings.Contains(tr.Message, "succeeded") || strings.Contains(tr.Message, "failed") {
			out = append(out, tr.Message)
		}
	}
	return out
}

func TestProcess_Success(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, HandlerFunc(func(ctx context.Context, inv Invocation) error {
		calls.Add(1)
		assert.Equal(t, 1, inv.Attempt)
		return nil
	}), nil, 3)
	id := f.admit(t, "evt_1")

	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, int32(1), calls.Load())

	ev := f.event(t, id)
	assert.Equal(t, eventstore.ResultOK, ev.Result)
	assert.NotNil(t, ev.ProcessedAt)

	out, err = f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Kind, "ok is terminal")
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcess_AlwaysTransientGivesUpAtCap(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		return Transientf("upstream unavailable")
	}), nil, 3)
	id := f.admit(t, "evt_flaky")

	for i := 1; i <= 3; i++ {
		out, err := f.processor.Process(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeTransient, out.Kind)
		assert.Equal(t, i == 3, out.GaveUp)
	}

	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Kind)

	ev := f.event(t, id)
	assert.Equal(t, eventstore.ResultError, ev.Result)
	assert.Equal(t, 3, ev.Attempts)
	assert.True(t, ev.GivenUp)
	assert.Equal(t, "given up after 3 attempts", ev.Traces[len(ev.Traces)-1].Message)
}

func TestProcess_SucceedsOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		if calls.Add(1) == 1 {
			return Transientf("connection reset")
		}
		return nil
	}), nil, 3)
	id := f.admit(t, "evt_2nd")

	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, out.Kind)

	out, err = f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Kind)

	ev := f.event(t, id)
	assert.Equal(t, eventstore.ResultOK, ev.Result)
	assert.Equal(t, 2, ev.Attempts)
	assert.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, []string{
		"attempt 1 failed (transient): connection reset",
		"attempt 2 succeeded",
	}, resultTraces(ev))
}

func TestProcess_UnclassifiedErrorIsPermanentAndReleasesKeys(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		return errors.New("card declined")
	}), nil, 3)
	id := f.admit(t, "evt_perm", "order-9")

	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, out.Kind)

	ev := f.event(t, id)
	assert.False(t, ev.Retryable)
	assert.Equal(t, "card declined", ev.LastError)

	_, claimed, err := f.store.ClaimIdempotencyKey(context.Background(), "order-9", "someone-else")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestProcess_PanicIsPermanent(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		panic("nil map")
	}), nil, 3)
	id := f.admit(t, "evt_panic")

	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, out.Kind)
	assert.Contains(t, out.Reason, "nil map")
}

func TestProcess_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, HandlerFunc(func(ctx context.Context, inv Invocation) error {
		<-release
		return nil
	}), nil, 3)
	id := f.admit(t, "evt_slow")

	start := time.Now()
	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, out.Kind)
	assert.Equal(t, "timeout", out.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)

	ev := f.event(t, id)
	assert.True(t, ev.Retryable)
	assert.Empty(t, ev.LeaseToken)
}

func TestProcess_NoHandlerIsPermanent(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error { return nil }), nil, 3)
	adm, err := deduplication.NewService(f.store, logger.NopLogger()).Admit(context.Background(), deduplication.Incoming{
		Provider: "stripe", EventID: "evt_x", EventType: "charge.refunded", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	out, err := f.processor.Process(context.Background(), adm.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, out.Kind)
	assert.Contains(t, out.Reason, "no handler registered")
}

func TestProcess_FilteredEventSkipsHandler(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		calls.Add(1)
		return nil
	}), []config.FilterConfig{{Name: "live-only", Expression: `payload.livemode == true`}}, 3)
	id := f.admit(t, "evt_filtered")

	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, []string{"attempt 1 succeeded (filtered by rule live-only)"}, resultTraces(f.event(t, id)))
}

func TestProcess_IdempotencyKeyReplayAcrossEvents(t *testing.T) {
	var sideEffects atomic.Int32
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		sideEffects.Add(1)
		return nil
	}), nil, 3)
	first := f.admit(t, "evt_a", "order-1")
	second := f.admit(t, "evt_b", "order-1")

	for _, id := range []string{first, second} {
		out, err := f.processor.Process(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOK, out.Kind)
	}

	assert.Equal(t, int32(1), sideEffects.Load())
	assert.Equal(t, eventstore.ResultOK, f.event(t, second).Result)
	assert.Equal(t, []string{"attempt 1 succeeded (side effects skipped: key order-1 owned by event " + first + ")"},
		resultTraces(f.event(t, second)))
}

func TestProcess_DuplicateWithForeignKeyDoesNotSuppressRetry(t *testing.T) {
	calls := map[string]int{}
	f := newFixture(t, HandlerFunc(func(_ context.Context, inv Invocation) error {
		calls[inv.Event.EventID]++
		if inv.Event.EventID == "evt_b" && inv.Attempt == 1 {
			return Transientf("connection reset")
		}
		return nil
	}), nil, 3)

	first := f.admit(t, "evt_a", "order-1")
	out, err := f.processor.Process(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out.Kind)

	second := f.admit(t, "evt_b")
	out, err = f.processor.Process(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, OutcomeTransient, out.Kind)

	// redelivery of evt_b now names a key evt_a already owns
	assert.Equal(t, second, f.admit(t, "evt_b", "order-1"))
	assert.Empty(t, f.event(t, second).IdempotencyKeys)

	out, err = f.processor.Process(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, 2, calls["evt_b"])
	assert.Equal(t, []string{
		"attempt 1 failed (transient): connection reset",
		"attempt 2 succeeded",
	}, resultTraces(f.event(t, second)))
}

func TestProcess_KeyGuardOnce(t *testing.T) {
	var emails atomic.Int32
	f := newFixture(t, HandlerFunc(func(ctx context.Context, inv Invocation) error {
		return inv.Keys.Once(ctx, "welcome-email:cus_1", func(context.Context) error {
			emails.Add(1)
			return nil
		})
	}), nil, 3)
	first := f.admit(t, "evt_c")
	second := f.admit(t, "evt_d")

	for _, id := range []string{first, second} {
		out, err := f.processor.Process(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOK, out.Kind)
	}

	assert.Equal(t, int32(1), emails.Load())
	assert.Contains(t, f.event(t, first).IdempotencyKeys, "welcome-email:cus_1")
	assert.Contains(t, resultTraces(f.event(t, second))[0], "side effects skipped")
}

func TestProcess_LeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error { return nil }), nil, 3)
	id := f.admit(t, "evt_busy")

	_, err := f.store.RecordAttemptStart(context.Background(), id, time.Minute)
	require.NoError(t, err)

	out, err := f.processor.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, 1, f.event(t, id).Attempts)
}

type tamperingStore struct {
	*eventstore.MemoryStore
	stale bool
}

func (s *tamperingStore) Get(ctx context.Context, id string) (*eventstore.WebhookEvent, error) {
	ev, err := s.MemoryStore.Get(ctx, id)
	if err == nil && !s.stale {
		ev.Payload = []byte(`{"tampered":true}`)
	}
	return ev, err
}

func (s *tamperingStore) RecordAttemptResult(ctx context.Context, tok eventstore.AttemptToken, r eventstore.AttemptResult) error {
	if s.stale {
		return eventstore.ErrStaleAttempt
	}
	return s.MemoryStore.RecordAttemptResult(ctx, tok, r)
}

func newTamperingProcessor(t *testing.T, store *tamperingStore) *Processor {
	registry, err := NewRegistry(Route{Provider: "stripe", EventType: AnyEventType, Handler: HandlerFunc(func(context.Context, Invocation) error { return nil })})
	require.NoError(t, err)
	return NewProcessor(store, deduplication.NewStoreLedger(store), registry, nil,
		Config{Timeout: time.Second, Lease: 2 * time.Second, MaxAttempts: 3}, logger.NopLogger())
}

func TestProcess_PayloadHashMismatchIsPermanent(t *testing.T) {
	store := &tamperingStore{MemoryStore: eventstore.NewMemoryStore()}
	res, err := store.InsertIfAbsent(context.Background(), eventstore.NewEvent{
		Provider: "stripe", EventID: "evt_t", EventType: "x", Payload: []byte(`{}`),
		PayloadHash: deduplication.PayloadHash([]byte(`{}`)), SignatureVerified: true,
	})
	require.NoError(t, err)

	out, err := newTamperingProcessor(t, store).Process(context.Background(), res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanent, out.Kind)
	assert.Equal(t, ErrPayloadChanged.Error(), out.Reason)
}

func TestProcess_StaleResultIsIgnored(t *testing.T) {
	store := &tamperingStore{MemoryStore: eventstore.NewMemoryStore(), stale: true}
	res, err := store.InsertIfAbsent(context.Background(), eventstore.NewEvent{
		Provider: "stripe", EventID: "evt_s", EventType: "x", Payload: []byte(`{}`),
		PayloadHash: deduplication.PayloadHash([]byte(`{}`)), SignatureVerified: true,
	})
	require.NoError(t, err)

	out, err := newTamperingProcessor(t, store).Process(context.Background(), res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, "stale attempt", out.Reason)
}

func TestProcess_UnverifiedEventNeverProcessed(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		calls.Add(1)
		return nil
	}), nil, 3)
	res, err := f.store.InsertIfAbsent(context.Background(), eventstore.NewEvent{
		Provider: "stripe", EventID: "evt_forged", EventType: "payment.succeeded", Payload: []byte(`{}`),
		PayloadHash: deduplication.PayloadHash([]byte(`{}`)), SignatureVerified: false,
	})
	require.NoError(t, err)

	out, err := f.processor.Process(context.Background(), res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, int32(0), calls.Load())

	ev := f.event(t, res.Event.ID)
	assert.Equal(t, 0, ev.Attempts)
	assert.Equal(t, eventstore.ResultError, ev.Result)
}

func TestGiveUpExhausted(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, Invocation) error {
		return Transientf("busy")
	}), nil, 5)
	id := f.admit(t, "evt_sweep")
	for i := 0; i < 2; i++ {
		_, err := f.processor.Process(context.Background(), id)
		require.NoError(t, err)
	}

	// cap lowered to 2 after the fact
	f.processor.cfg.MaxAttempts = 2
	n, err := f.processor.GiveUpExhausted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.event(t, id).GivenUp)
}

func TestRegistry(t *testing.T) {
	h := HandlerFunc(func(context.Context, Invocation) error { return nil })

	_, err := NewRegistry(Route{Provider: "stripe", EventType: "a", Handler: h}, Route{Provider: "stripe", EventType: "a", Handler: h})
	assert.Error(t, err)

	_, err = NewRegistry(Route{Provider: "stripe", EventType: "a"})
	assert.Error(t, err)

	r, err := NewRegistry(Route{Provider: "stripe", EventType: "a", Handler: h}, Route{Provider: "github", EventType: AnyEventType, Handler: h})
	require.NoError(t, err)
	_, ok := r.Lookup("stripe", "a")
	assert.True(t, ok)
	_, ok = r.Lookup("stripe", "b")
	assert.False(t, ok)
	_, ok = r.Lookup("github", "push")
	assert.True(t, ok)
	assert.Equal(t, []string{"github/*", "stripe/a"}, r.Describe())
}
