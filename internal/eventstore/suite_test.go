package eventstore

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type backendFactory func(t *testing.T, clock *fakeClock) Backend

func messages(ev *WebhookEvent) []string {
	out := make([]string, 0, len(ev.Traces))
	for _, tr := range ev.Traces {
		out = append(out, tr.Message)
	}
	return out
}

func newEvent(eventID string) NewEvent {
	return NewEvent{
		Provider:          "stripe",
		EventID:           eventID,
		EventType:         "payment.succeeded",
		Payload:           []byte(`{"id":"` + eventID + `"}`),
		PayloadHash:       "hash-" + eventID,
		SignatureVerified: true,
		IdempotencyKeys:   []string{"k2", "k1"},
	}
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, factory backendFactory) {
	ctx := context.Background()

	t.Run("insert is idempotent on provider and event id", func(t *testing.T) {
		store := factory(t, newFakeClock())

		first, err := store.InsertIfAbsent(ctx, newEvent("evt_1"))
		require.NoError(t, err)
		assert.True(t, first.Created)
		assert.Equal(t, ResultPending, first.Event.Result)
		assert.Equal(t, 0, first.Event.Attempts)
		assert.Equal(t, []string{"k1", "k2"}, first.Event.IdempotencyKeys)
		assert.Equal(t, []string{"received", "signature verified"}, messages(first.Event))

		again, err := store.InsertIfAbsent(ctx, newEvent("evt_1"))
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, first.Event.ID, again.Event.ID)
		assert.Len(t, again.Event.Traces, 2)

		other := newEvent("evt_1")
		other.Provider = "github"
		distinct, err := store.InsertIfAbsent(ctx, other)
		require.NoError(t, err)
		assert.True(t, distinct.Created)
		assert.NotEqual(t, first.Event.ID, distinct.Event.ID)
	})

	t.Run("concurrent inserts create exactly one record", func(t *testing.T) {
		store := factory(t, newFakeClock())

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			ids     = map[string]struct{}{}
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := store.InsertIfAbsent(ctx, newEvent("evt_race"))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if res.Created {
					created++
				}
				ids[res.Event.ID] = struct{}{}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Len(t, ids, 1)
	})

	t.Run("attempt lifecycle", func(t *testing.T) {
		store := factory(t, newFakeClock())
		res, err := store.InsertIfAbsent(ctx, newEvent("evt_life"))
		require.NoError(t, err)
		id := res.Event.ID

		tok, err := store.RecordAttemptStart(ctx, id, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, tok.Attempt)

		started, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ResultPending, started.Result)
		assert.Equal(t, 1, started.Attempts)
		assert.Equal(t, tok.Lease, started.LeaseToken)
		assert.Equal(t, []string{"received", "signature verified", "attempt 1 started"}, messages(started))

		_, err = store.RecordAttemptStart(ctx, id, time.Minute)
		assert.ErrorIs(t, err, ErrAttemptInProgress)

		require.NoError(t, store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomeOK}))

		ev, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ResultOK, ev.Result)
		assert.NotNil(t, ev.ProcessedAt)
		assert.Equal(t, 1, ev.Attempts)
		assert.Empty(t, ev.LeaseToken)
		assert.Equal(t, []string{"received", "signature verified", "attempt 1 started", "attempt 1 succeeded"}, messages(ev))

		_, err = store.RecordAttemptStart(ctx, id, time.Minute)
		assert.ErrorIs(t, err, ErrNotEligible)

		err = store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomeOK})
		assert.ErrorIs(t, err, ErrStaleAttempt)
	})

	t.Run("unknown event", func(t *testing.T) {
		store := factory(t, newFakeClock())
		missing := uuid.NewString()

		_, err := store.Get(ctx, missing)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.RecordAttemptStart(ctx, missing, time.Minute)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired lease is superseded and the old token goes stale", func(t *testing.T) {
		clock := newFakeClock()
		store := factory(t, clock)
		res, err := store.InsertIfAbsent(ctx, newEvent("evt_lease"))
		require.NoError(t, err)

		old, err := store.RecordAttemptStart(ctx, res.Event.ID, time.Minute)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		current, err := store.RecordAttemptStart(ctx, res.Event.ID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, current.Attempt)

		err = store.RecordAttemptResult(ctx, old, AttemptResult{Outcome: OutcomePermanent, Reason: "late"})
		assert.ErrorIs(t, err, ErrStaleAttempt)

		ev, err := store.Get(ctx, res.Event.ID)
		require.NoError(t, err)
		assert.Equal(t, ResultPending, ev.Result)
		assert.Empty(t, ev.LastError)

		require.NoError(t, store.RecordAttemptResult(ctx, current, AttemptResult{Outcome: OutcomeOK}))
	})

	t.Run("failures record retryability and give up", func(t *testing.T) {
		store := factory(t, newFakeClock())
		res, err := store.InsertIfAbsent(ctx, newEvent("evt_fail"))
		require.NoError(t, err)
		id := res.Event.ID

		tok, err := store.RecordAttemptStart(ctx, id, time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomeTransient, Reason: "upstream 503"}))

		ev, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ResultError, ev.Result)
		assert.True(t, ev.Retryable)
		assert.False(t, ev.GivenUp)
		assert.Equal(t, "upstream 503", ev.LastError)
		assert.Nil(t, ev.ProcessedAt)

		tok, err = store.RecordAttemptStart(ctx, id, time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomeTransient, Reason: "upstream 503", GiveUp: true}))

		ev, err = store.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, ev.GivenUp)
		assert.False(t, ev.Retryable)
		assert.Equal(t, []string{
			"received", "signature verified",
			"attempt 1 started", "attempt 1 failed (transient): upstream 503",
			"attempt 2 started", "attempt 2 failed (transient): upstream 503", "given up after 2 attempts",
		}, messages(ev))

		_, err = store.RecordAttemptStart(ctx, id, time.Minute)
		assert.ErrorIs(t, err, ErrNotEligible)
	})

	t.Run("due events follow exponential backoff", func(t *testing.T) {
		clock := newFakeClock()
		store := factory(t, clock)
		q := func() DueQuery {
			return DueQuery{Now: clock.Now(), MaxAttempts: 3, BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour, Limit: 10}
		}

		failed, err := store.InsertIfAbsent(ctx, newEvent("evt_due"))
		require.NoError(t, err)
		tok, err := store.RecordAttemptStart(ctx, failed.Event.ID, time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomeTransient, Reason: "timeout"}))

		permanent, err := store.InsertIfAbsent(ctx, newEvent("evt_perm"))
		require.NoError(t, err)
		tok, err = store.RecordAttemptStart(ctx, permanent.Event.ID, time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomePermanent, Reason: "bad"}))

		clock.Advance(59 * time.Second)
		due, err := store.ListDue(ctx, q())
		require.NoError(t, err)
		assert.NotContains(t, due, failed.Event.ID)

		clock.Advance(time.Second)
		due, err = store.ListDue(ctx, q())
		require.NoError(t, err)
		assert.Contains(t, due, failed.Event.ID)
		assert.NotContains(t, due, permanent.Event.ID)
	})

	t.Run("orphaned pending events are due after the base backoff", func(t *testing.T) {
		clock := newFakeClock()
		store := factory(t, clock)
		res, err := store.InsertIfAbsent(ctx, newEvent("evt_orphan"))
		require.NoError(t, err)
		q := DueQuery{MaxAttempts: 3, BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour, Limit: 10}

		q.Now = clock.Now()
		due, err := store.ListDue(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, due)

		clock.Advance(30 * time.Second)
		q.Now = clock.Now()
		due, err = store.ListDue(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{res.Event.ID}, due)

		_, err = store.RecordAttemptStart(ctx, res.Event.ID, time.Minute)
		require.NoError(t, err)
		clock.Advance(45 * time.Second)
		q.Now = clock.Now()
		due, err = store.ListDue(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, due, "live lease hides the event")

		clock.Advance(time.Minute)
		q.Now = clock.Now()
		due, err = store.ListDue(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{res.Event.ID}, due)
	})

	t.Run("give up exhausted", func(t *testing.T) {
		store := factory(t, newFakeClock())
		res, err := store.InsertIfAbsent(ctx, newEvent("evt_cap"))
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			tok, err := store.RecordAttemptStart(ctx, res.Event.ID, time.Minute)
			require.NoError(t, err)
			require.NoError(t, store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomeTransient, Reason: "flaky"}))
		}

		n, err := store.GiveUpExhausted(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = store.GiveUpExhausted(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ev, err := store.Get(ctx, res.Event.ID)
		require.NoError(t, err)
		assert.True(t, ev.GivenUp)
		assert.Equal(t, "given up after 2 attempts", ev.Traces[len(ev.Traces)-1].Message)

		n, err = store.GiveUpExhausted(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("list filters and paginates newest first", func(t *testing.T) {
		clock := newFakeClock()
		store := factory(t, clock)
		start := clock.Now()

		var ids []string
		for i := 0; i < 5; i++ {
			ev := newEvent(fmt.Sprintf("evt_list_%d", i))
			if i%2 == 1 {
				ev.EventType = "Invoice.Paid"
			}
			res, err := store.InsertIfAbsent(ctx, ev)
			require.NoError(t, err)
			ids = append(ids, res.Event.ID)
			clock.Advance(time.Second)
		}
		tok, err := store.RecordAttemptStart(ctx, ids[0], time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.RecordAttemptResult(ctx, tok, AttemptResult{Outcome: OutcomeOK}))

		page, err := store.List(ctx, Filter{}, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, ids[4], page.Items[0].ID)
		assert.Equal(t, ids[3], page.Items[1].ID)
		assert.Empty(t, page.Items[0].Payload)

		page, err = store.List(ctx, Filter{}, 2, 2)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, ids[0], page.Items[0].ID)

		page, err = store.List(ctx, Filter{}, 10, 2)
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Equal(t, 5, page.Total)

		page, err = store.List(ctx, Filter{}, math.MaxInt/2+1, 2)
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Equal(t, 5, page.Total)

		page, err = store.List(ctx, Filter{Q: "invoice"}, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)

		page, err = store.List(ctx, Filter{Q: "LIST_2"}, 0, 10)
		require.NoError(t, err)
		require.Equal(t, 1, page.Total)
		assert.Equal(t, ids[2], page.Items[0].ID)

		page, err = store.List(ctx, Filter{Status: ResultOK}, 0, 10)
		require.NoError(t, err)
		require.Equal(t, 1, page.Total)
		assert.Equal(t, ids[0], page.Items[0].ID)

		from := start.Add(time.Second)
		to := start.Add(3 * time.Second)
		page, err = store.List(ctx, Filter{From: &from, To: &to}, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})

	t.Run("idempotency keys have a single owner", func(t *testing.T) {
		store := factory(t, newFakeClock())
		a, err := store.InsertIfAbsent(ctx, newEvent("evt_key_a"))
		require.NoError(t, err)
		b, err := store.InsertIfAbsent(ctx, newEvent("evt_key_b"))
		require.NoError(t, err)

		owner, claimed, err := store.ClaimIdempotencyKey(ctx, "order-1", a.Event.ID)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, a.Event.ID, owner)

		owner, claimed, err = store.ClaimIdempotencyKey(ctx, "order-1", b.Event.ID)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, a.Event.ID, owner)

		_, claimed, err = store.ClaimIdempotencyKey(ctx, "order-1", a.Event.ID)
		require.NoError(t, err)
		assert.True(t, claimed, "claims are re-entrant for the owner")

		require.NoError(t, store.ReleaseIdempotencyKeys(ctx, a.Event.ID))
		owner, claimed, err = store.ClaimIdempotencyKey(ctx, "order-1", b.Event.ID)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, b.Event.ID, owner)
	})

	t.Run("add idempotency keys merges", func(t *testing.T) {
		store := factory(t, newFakeClock())
		res, err := store.InsertIfAbsent(ctx, newEvent("evt_addkeys"))
		require.NoError(t, err)

		require.NoError(t, store.AddIdempotencyKeys(ctx, res.Event.ID, []string{"k3", "k1"}))
		ev, err := store.Get(ctx, res.Event.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, ev.IdempotencyKeys)
	})
}
