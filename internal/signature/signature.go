// Package signature authenticates webhook deliveries with each provider's HMAC scheme.
package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	pkgerrors "hookvault/pkg/errors"
)

type Provider string

const (
	Stripe  Provider = "stripe"
	GitHub  Provider = "github"
	Patreon Provider = "patreon"
	Generic Provider = "generic"
	Unknown Provider = "unknown"
)

var known = []Provider{Stripe, GitHub, Patreon, Generic}

// ParseProvider maps a path segment onto a provider; anything unrecognised is Unknown.
func ParseProvider(s string) Provider {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range known {
		if p == k {
			return p
		}
	}
	return Unknown
}

func Known() []Provider {
	return append([]Provider(nil), known...)
}

// Header is the request header carrying the provider's signature.
func (p Provider) Header() string {
	switch p {
	case Stripe:
		return "Stripe-Signature"
	case GitHub:
		return "X-Hub-Signature-256"
	case Patreon:
		return "X-Patreon-Signature"
	case Generic:
		return "X-Signature"
	}
	return ""
}

func (p Provider) String() string { return string(p) }

func invalid(reason string) error {
	return pkgerrors.ErrSignatureInvalid.WithMessage(reason)
}

type Verifier struct {
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a verifier; tolerance bounds the age of Stripe timestamps (0 disables the check).
func NewVerifier(tolerance time.Duration) *Verifier {
	return &Verifier{tolerance: tolerance, now: time.Now}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	return &Verifier{tolerance: v.tolerance, now: now}
}

// Verify checks header against payload using secret. It returns nil only for an authentic delivery.
// A missing secret, missing header or unknown provider is always a failure.
func (v *Verifier) Verify(provider Provider, payload []byte, header, secret string) error {
	if secret == "" {
		return invalid("no secret configured for provider")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return invalid("missing signature header")
	}

	switch provider {
	case Stripe:
		return v.verifyStripe(payload, header, secret)
	case GitHub:
		sig, ok := strings.CutPrefix(header, "sha256=")
		if !ok {
			return invalid("signature must use sha256= prefix")
		}
		return compareHex(sha256.New, payload, sig, secret)
	case Patreon:
		if compareHex(md5.New, payload, header, secret) == nil {
			return nil
		}
		return compareHex(sha256.New, payload, header, secret)
	case Generic:
		sig := strings.TrimPrefix(header, "sha256=")
		return compareHex(sha256.New, payload, sig, secret)
	}
	return pkgerrors.ErrUnknownProvider.WithMessage(fmt.Sprintf("unknown provider %q", provider))
}

func (v *Verifier) verifyStripe(payload []byte, header, secret string) error {
	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return invalid("malformed Stripe-Signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return invalid("malformed Stripe-Signature timestamp")
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return invalid("timestamp outside tolerance")
		}
	}

	signed := make([]byte, 0, len(timestamp)+1+len(payload))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, payload...)
	for _, sig := range signatures {
		if compareHex(sha256.New, signed, sig, secret) == nil {
			return nil
		}
	}
	return invalid("no matching v1 signature")
}

func mac(h func() hash.Hash, payload []byte, secret string) []byte {
	m := hmac.New(h, []byte(secret))
	m.Write(payload)
	return m.Sum(nil)
}

func compareHex(h func() hash.Hash, payload []byte, sig, secret string) error {
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return invalid("signature is not hex encoded")
	}
	if !hmac.Equal(mac(h, payload, secret), got) {
		return invalid("signature mismatch")
	}
	return nil
}

// Sign produces a header value that Verify accepts. It is used by tests and the replay tooling.
func Sign(provider Provider, payload []byte, secret string, at time.Time) string {
	switch provider {
	case Stripe:
		ts := strconv.FormatInt(at.Unix(), 10)
		signed := append([]byte(ts+"."), payload...)
		return "t=" + ts + ",v1=" + hex.EncodeToString(mac(sha256.New, signed, secret))
	case GitHub, Generic:
		return "sha256=" + hex.EncodeToString(mac(sha256.New, payload, secret))
	case Patreon:
		return hex.EncodeToString(mac(md5.New, payload, secret))
	}
	return ""
}
