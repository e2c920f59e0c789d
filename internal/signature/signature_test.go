package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pkgerrors "hookvault/pkg/errors"
)

var payload = []byte(`{"id":"evt_1","type":"payment.succeeded"}`)

func TestParseProvider(t *testing.T) {
	assert.Equal(t, Stripe, ParseProvider("stripe"))
	assert.Equal(t, GitHub, ParseProvider(" GitHub "))
	assert.Equal(t, Unknown, ParseProvider("paypal"))
	assert.Equal(t, Unknown, ParseProvider(""))
	assert.Equal(t, "", Unknown.Header())
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(5 * time.Minute).WithClock(func() time.Time { return now })
	sha := func(body []byte, secret string) string {
		m := hmac.New(sha256.New, []byte(secret))
		m.Write(body)
		return hex.EncodeToString(m.Sum(nil))
	}

	tests := []struct {
		name     string
		provider Provider
		header   string
		secret   string
		valid    bool
	}{
		{"stripe valid", Stripe, Sign(Stripe, payload, "whsec", now), "whsec", true},
		{"stripe second v1 matches", Stripe, "t=1700000000,v1=00ff,v1=" + sha([]byte("1700000000."+string(payload)), "whsec"), "whsec", true},
		{"stripe wrong secret", Stripe, Sign(Stripe, payload, "other", now), "whsec", false},
		{"stripe stale timestamp", Stripe, Sign(Stripe, payload, "whsec", now.Add(-10*time.Minute)), "whsec", false},
		{"stripe future timestamp", Stripe, Sign(Stripe, payload, "whsec", now.Add(10*time.Minute)), "whsec", false},
		{"stripe missing v1", Stripe, "t=1700000000", "whsec", false},
		{"stripe garbage", Stripe, "nonsense", "whsec", false},
		{"github valid", GitHub, "sha256=" + sha(payload, "gh"), "gh", true},
		{"github missing prefix", GitHub, sha(payload, "gh"), "gh", false},
		{"github tampered", GitHub, "sha256=" + sha([]byte("{}"), "gh"), "gh", false},
		{"patreon md5", Patreon, Sign(Patreon, payload, "pt", now), "pt", true},
		{"patreon sha256 fallback", Patreon, sha(payload, "pt"), "pt", true},
		{"patreon wrong", Patreon, sha(payload, "nope"), "pt", false},
		{"generic bare hex", Generic, sha(payload, "g"), "g", true},
		{"generic prefixed", Generic, "sha256=" + sha(payload, "g"), "g", true},
		{"generic not hex", Generic, "zzzz", "g", false},
		{"empty secret", Generic, sha(payload, ""), "", false},
		{"empty header", Generic, "", "g", false},
		{"unknown provider", Unknown, "sha256=" + sha(payload, "g"), "g", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.provider, payload, tt.header, tt.secret)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, 401, pkgerrors.ToHTTPStatus(err))
		})
	}
}

func TestVerify_ZeroToleranceSkipsAgeCheck(t *testing.T) {
	v := NewVerifier(0)
	header := Sign(Stripe, payload, "whsec", time.Unix(1, 0))
	assert.NoError(t, v.Verify(Stripe, payload, header, "whsec"))
}

func TestVerify_AnyByteChangeFails(t *testing.T) {
	v := NewVerifier(0)
	header := Sign(GitHub, payload, "gh", time.Now())
	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		assert.Error(t, v.Verify(GitHub, tampered, header, "gh"), "byte %d", i)
	}
}
