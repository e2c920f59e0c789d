package processing

import (
	"context"

	"hookvault/internal/eventstore"
)

// Invocation is what a handler receives for one attempt.
type Invocation struct {
	Event   *eventstore.WebhookEvent
	Attempt int
	Keys    KeyGuard
}

type Handler interface {
	Handle(ctx context.Context, inv Invocation) error
}

type HandlerFunc func(ctx context.Context, inv Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// KeyGuard scopes a side effect to an application idempotency key. Once runs fn only
// when the current event owns key or can claim it, and records key on the event.
// When another event owns key, fn is skipped and Once returns nil.
type KeyGuard interface {
	Once(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
