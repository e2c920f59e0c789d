package processing

import (
	"context"
	"fmt"
	"sync"

	"hookvault/internal/deduplication"
	"hookvault/internal/eventstore"
)

type keyGuard struct {
	ledger  deduplication.KeyLedger
	store   eventstore.Store
	eventID string

	mu      sync.Mutex
	claimed []string
	skipped []string
}

func newKeyGuard(ledger deduplication.KeyLedger, store eventstore.Store, eventID string) *keyGuard {
	return &keyGuard{ledger: ledger, store: store, eventID: eventID}
}

// claim returns a skip note when key belongs to another event.
func (g *keyGuard) claim(ctx context.Context, key string) (string, error) {
	owner, claimed, err := g.ledger.Claim(ctx, key, g.eventID)
	if err != nil {
		return "", Transient(fmt.Errorf("claim idempotency key %q: %w", key, err))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !claimed {
		note := fmt.Sprintf("key %s owned by event %s", key, owner)
		g.skipped = append(g.skipped, note)
		return note, nil
	}
	g.claimed = append(g.claimed, key)
	return "", nil
}

func (g *keyGuard) Once(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return fn(ctx)
	}
	note, err := g.claim(ctx, key)
	if err != nil {
		return err
	}
	if note != "" {
		return nil
	}
	if err := g.store.AddIdempotencyKeys(ctx, g.eventID, []string{key}); err != nil {
		return Transient(fmt.Errorf("record idempotency key %q: %w", key, err))
	}
	return fn(ctx)
}

func (g *keyGuard) skips() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.skipped...)
}

func (g *keyGuard) claimedKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.claimed...)
}
