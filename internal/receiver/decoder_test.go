package receiver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/deduplication"
	"hookvault/internal/signature"
	pkgerrors "hookvault/pkg/errors"
)

func TestDecode(t *testing.T) {
	patreonBody := []byte(`{"data":{"id":"mem_1"}}`)

	tests := []struct {
		name     string
		provider signature.Provider
		header   http.Header
		body     string
		want     Envelope
	}{
		{
			name:     "stripe",
			provider: signature.Stripe,
			body:     `{"id":"evt_1","type":"payment.succeeded","livemode":false,"request":{"idempotency_key":"req_9"}}`,
			want:     Envelope{EventID: "evt_1", EventType: "payment.succeeded", IdempotencyKeys: []string{"req_9"}},
		},
		{
			name:     "stripe null request",
			provider: signature.Stripe,
			body:     `{"id":"evt_2","type":"invoice.paid","request":null}`,
			want:     Envelope{EventID: "evt_2", EventType: "invoice.paid"},
		},
		{
			name:     "github with action",
			provider: signature.GitHub,
			header:   http.Header{"X-Github-Delivery": {"d-1"}, "X-Github-Event": {"sponsorship"}},
			body:     `{"action":"created"}`,
			want:     Envelope{EventID: "d-1", EventType: "sponsorship.created"},
		},
		{
			name:     "github ping",
			provider: signature.GitHub,
			header:   http.Header{"X-Github-Delivery": {"d-2"}, "X-Github-Event": {"ping"}},
			body:     `{"zen":"x"}`,
			want:     Envelope{EventID: "d-2", EventType: "ping"},
		},
		{
			name:     "patreon identified by hash",
			provider: signature.Patreon,
			header:   http.Header{"X-Patreon-Event": {"members:pledge:create"}},
			body:     string(patreonBody),
			want: Envelope{
				EventID:   "sha256:" + deduplication.PayloadHash(patreonBody),
				EventType: "members:pledge:create",
			},
		},
		{
			name:     "generic with header key",
			provider: signature.Generic,
			header:   http.Header{"Idempotency-Key": {"hdr-1"}},
			body:     `{"id":"g1","type":"thing.done","idempotency_key":"body-1"}`,
			want:     Envelope{EventID: "g1", EventType: "thing.done", IdempotencyKeys: []string{"body-1", "hdr-1"}},
		},
		{
			name:     "generic without type",
			provider: signature.Generic,
			body:     `{"id":"g2"}`,
			want:     Envelope{EventID: "g2", EventType: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			got, err := Decode(tt.provider, h, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, body := range []string{``, `[]`, `"evt"`, `{"id":`, `nope`} {
		_, err := Decode(signature.Stripe, http.Header{}, []byte(body))
		require.Error(t, err, body)
		assert.Equal(t, http.StatusBadRequest, pkgerrors.ToHTTPStatus(err), body)
	}
}
