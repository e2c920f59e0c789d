//go:build integration

package deduplication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/testinfra"
)

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	client := testinfra.Redis(t)
	ledger := NewRedisLedger(client, time.Minute)

	owner, claimed, err := ledger.Claim(ctx, "order-1", "a")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "a", owner)

	_, claimed, err = ledger.Claim(ctx, "order-1", "a")
	require.NoError(t, err)
	assert.True(t, claimed, "owner re-claims")

	owner, claimed, err = ledger.Claim(ctx, "order-1", "b")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "a", owner)

	// a non-owner release leaves the claim in place
	require.NoError(t, ledger.Release(ctx, "b", []string{"order-1"}))
	owner, _, err = ledger.Claim(ctx, "order-1", "b")
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	require.NoError(t, ledger.Release(ctx, "a", []string{"order-1"}))
	_, claimed, err = ledger.Claim(ctx, "order-1", "b")
	require.NoError(t, err)
	assert.True(t, claimed)

	ttl, err := client.TTL(ctx, "idem:order-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
