package eventstore

import (
	"context"
	"errors"
	"time"

	"hookvault/internal/config"
	"hookvault/internal/constants"
	"hookvault/pkg/circuitbreaker"
)

// CircuitBreakerStore fails fast with ErrStoreUnavailable while the backend is unhealthy.
// Domain outcomes (not found, lease conflicts, stale tokens) never count as failures.
type CircuitBreakerStore struct {
	backend Backend
	cb      *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(backend Backend, cfg config.CircuitBreakerConfig) Backend {
	if !cfg.Enabled {
		return backend
	}
	cbConfig := circuitbreaker.FromConfig(constants.DefaultCircuitBreakerName, cfg)
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil || !errors.Is(err, ErrStoreUnavailable)
	}
	return &CircuitBreakerStore{backend: backend, cb: circuitbreaker.NewWrapper(cbConfig)}
}

func guard[T any](ctx context.Context, w *circuitbreaker.Wrapper, fn func() (T, error)) (T, error) {
	out, err := circuitbreaker.Do(ctx, w, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return out, ErrStoreUnavailable.WithCause(err)
	}
	return out, err
}

func guardErr(ctx context.Context, w *circuitbreaker.Wrapper, fn func() error) error {
	_, err := guard(ctx, w, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (s *CircuitBreakerStore) InsertIfAbsent(ctx context.Context, ev NewEvent) (InsertResult, error) {
	return guard(ctx, s.cb, func() (InsertResult, error) { return s.backend.InsertIfAbsent(ctx, ev) })
}

func (s *CircuitBreakerStore) RecordAttemptStart(ctx context.Context, id string, lease time.Duration) (AttemptToken, error) {
	return guard(ctx, s.cb, func() (AttemptToken, error) { return s.backend.RecordAttemptStart(ctx, id, lease) })
}

func (s *CircuitBreakerStore) RecordAttemptResult(ctx context.Context, token AttemptToken, result AttemptResult) error {
	return guardErr(ctx, s.cb, func() error { return s.backend.RecordAttemptResult(ctx, token, result) })
}

func (s *CircuitBreakerStore) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	return guard(ctx, s.cb, func() (*WebhookEvent, error) { return s.backend.Get(ctx, id) })
}

func (s *CircuitBreakerStore) List(ctx context.Context, filter Filter, page, size int) (Page, error) {
	return guard(ctx, s.cb, func() (Page, error) { return s.backend.List(ctx, filter, page, size) })
}

func (s *CircuitBreakerStore) ListDue(ctx context.Context, q DueQuery) ([]string, error) {
	return guard(ctx, s.cb, func() ([]string, error) { return s.backend.ListDue(ctx, q) })
}

func (s *CircuitBreakerStore) GiveUpExhausted(ctx context.Context, maxAttempts int) (int, error) {
	return guard(ctx, s.cb, func() (int, error) { return s.backend.GiveUpExhausted(ctx, maxAttempts) })
}

func (s *CircuitBreakerStore) AddIdempotencyKeys(ctx context.Context, id string, keys []string) error {
	return guardErr(ctx, s.cb, func() error { return s.backend.AddIdempotencyKeys(ctx, id, keys) })
}

func (s *CircuitBreakerStore) ClaimIdempotencyKey(ctx context.Context, key, eventID string) (string, bool, error) {
	type claim struct {
		owner   string
		claimed bool
	}
	c, err := guard(ctx, s.cb, func() (claim, error) {
		owner, ok, err := s.backend.ClaimIdempotencyKey(ctx, key, eventID)
		return claim{owner: owner, claimed: ok}, err
	})
	return c.owner, c.claimed, err
}

func (s *CircuitBreakerStore) ReleaseIdempotencyKeys(ctx context.Context, eventID string) error {
	return guardErr(ctx, s.cb, func() error { return s.backend.ReleaseIdempotencyKeys(ctx, eventID) })
}

// Ping bypasses the breaker so health checks see the backend's real state.
func (s *CircuitBreakerStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *CircuitBreakerStore) Close() error {
	return s.backend.Close()
}

func (s *CircuitBreakerStore) IsOpen() bool {
	return s.cb.IsOpen()
}
