package deduplication

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
)

func incoming(body string) Incoming {
	return Incoming{
		Provider:        "stripe",
		EventID:         "evt_1",
		EventType:       "payment.succeeded",
		Payload:         []byte(body),
		IdempotencyKeys: []string{"order-1"},
	}
}

func TestAdmit_NewThenDuplicate(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	svc := NewService(store, logger.NopLogger())

	first, err := svc.Admit(ctx, incoming(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, PayloadHash([]byte(`{"id":"evt_1"}`)), first.Event.PayloadHash)
	assert.True(t, first.Event.SignatureVerified)

	second, err := svc.Admit(ctx, incoming(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.PayloadMismatch)
	assert.Equal(t, first.Event.ID, second.Event.ID)
}

func TestAdmit_PayloadMismatchStillAcknowledged(t *testing.T) {
	ctx := context.Background()
	svc := NewService(eventstore.NewMemoryStore(), logger.NopLogger())

	_, err := svc.Admit(ctx, incoming(`{"id":"evt_1","amount":1}`))
	require.NoError(t, err)

	dup, err := svc.Admit(ctx, incoming(`{"id":"evt_1","amount":2}`))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.True(t, dup.PayloadMismatch)
	assert.Equal(t, []byte(`{"id":"evt_1","amount":1}`), dup.Event.Payload)
}

func TestAdmit_DuplicateLeavesStoredEventUnchanged(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	svc := NewService(store, logger.NopLogger())

	in := incoming(`{}`)
	in.IdempotencyKeys = nil
	first, err := svc.Admit(ctx, in)
	require.NoError(t, err)
	before, err := store.Get(ctx, first.Event.ID)
	require.NoError(t, err)

	in.IdempotencyKeys = []string{"order-1", "order-2"}
	dup, err := svc.Admit(ctx, in)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	after, err := store.Get(ctx, first.Event.ID)
	require.NoError(t, err)
	assert.Empty(t, after.IdempotencyKeys)
	assert.Equal(t, before.Traces, after.Traces)
	assert.Equal(t, before.Result, after.Result)
}

func TestAdmit_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	svc := NewService(eventstore.NewMemoryStore(), logger.NopLogger())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
		dupes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := svc.Admit(ctx, incoming(`{"id":"evt_1"}`))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if adm.Duplicate {
				dupes++
			} else {
				fresh++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 19, dupes)
}

type unavailableStore struct {
	*eventstore.MemoryStore
}

func (unavailableStore) InsertIfAbsent(context.Context, eventstore.NewEvent) (eventstore.InsertResult, error) {
	return eventstore.InsertResult{}, eventstore.ErrStoreUnavailable.WithCause(errors.New("dial tcp: refused"))
}

func TestAdmit_StoreUnavailable(t *testing.T) {
	svc := NewService(unavailableStore{eventstore.NewMemoryStore()}, logger.NopLogger())

	_, err := svc.Admit(context.Background(), incoming(`{}`))
	assert.ErrorIs(t, err, eventstore.ErrStoreUnavailable)
}
