package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/config"
	"hookvault/internal/logger"
	"hookvault/internal/signature"
)

func TestSignCmd(t *testing.T) {
	payload := `{"id":"evt_1","type":"payment.succeeded"}`

	cmd := signCmd()
	cmd.SetIn(strings.NewReader(payload))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--provider", "stripe", "--secret", "whsec"})
	require.NoError(t, cmd.Execute())

	name, value, ok := strings.Cut(strings.TrimSpace(out.String()), ": ")
	require.True(t, ok)
	assert.Equal(t, "Stripe-Signature", name)
	assert.NoError(t, signature.NewVerifier(time.Minute).Verify(signature.Stripe, []byte(payload), value, "whsec"))
}

func TestSignCmd_UnknownProvider(t *testing.T) {
	cmd := signCmd()
	cmd.SetIn(strings.NewReader("{}"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--provider", "paypal"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[stripe github patreon generic]")
}

func TestMigrate_MemoryDriverIsNoop(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "memory"}}
	assert.NoError(t, Migrate(context.Background(), cfg, logger.NopLogger()))
}
