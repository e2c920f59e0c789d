package deduplication

import (
	"context"
	"errors"
	"fmt"

	"hookvault/internal/config"
	"hookvault/internal/constants"
	"hookvault/pkg/circuitbreaker"
)

type CircuitBreakerLedger struct {
	ledger KeyLedger
	cb     *circuitbreaker.Wrapper
}

func NewCircuitBreakerLedger(ledger KeyLedger, cfg config.CircuitBreakerConfig) KeyLedger {
	if !cfg.Enabled {
		return ledger
	}
	return &CircuitBreakerLedger{
		ledger: ledger,
		cb:     circuitbreaker.NewWrapper(circuitbreaker.FromConfig(constants.IdempotencyCircuitBreaker, cfg)),
	}
}

type claimResult struct {
	owner   string
	claimed bool
}

func (l *CircuitBreakerLedger) Claim(ctx context.Context, key, eventID string) (string, bool, error) {
	res, err := circuitbreaker.Do(ctx, l.cb, func() (claimResult, error) {
		owner, claimed, err := l.ledger.Claim(ctx, key, eventID)
		return claimResult{owner: owner, claimed: claimed}, err
	})
	if err != nil {
		return "", false, l.wrap(err)
	}
	return res.owner, res.claimed, nil
}

func (l *CircuitBreakerLedger) Release(ctx context.Context, eventID string, keys []string) error {
	_, err := circuitbreaker.Do(ctx, l.cb, func() (struct{}, error) {
		return struct{}{}, l.ledger.Release(ctx, eventID, keys)
	})
	return l.wrap(err)
}

func (l *CircuitBreakerLedger) wrap(err error) error {
	if err != nil && errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("idempotency ledger unavailable: %w", err)
	}
	return err
}

func (l *CircuitBreakerLedger) IsOpen() bool {
	return l.cb.IsOpen()
}
