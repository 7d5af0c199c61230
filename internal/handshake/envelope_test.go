package handshake

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	in := Receipt{TxID: "tx", ReceiptID: "r", AmountCents: 50, Currency: "XAF", Status: ReceiptAcceptedOffline, CreatedAt: now}

	text, err := Encode(TypeReceipt, in, now)
	require.NoError(t, err)

	env, err := DecodeEnvelope(text)
	require.NoError(t, err)
	assert.Equal(t, TypeReceipt, env.Type)
	assert.True(t, env.CreatedAt.Equal(now))

	var out Receipt
	require.NoError(t, Decode(text, TypeReceipt, &out))
	assert.Equal(t, in, out)
}

func TestDecodeDistinguishesEnvelopeAndPayloadErrors(t *testing.T) {
	var out Intent
	assert.ErrorIs(t, Decode("%%% not base64", TypeIntent, &out), ErrInvalidEnvelope)
	assert.ErrorIs(t, Decode(base64.StdEncoding.EncodeToString([]byte("{")), TypeIntent, &out), ErrInvalidEnvelope)

	raw, err := json.Marshal(Envelope{Type: TypeIntent, Payload: "%%%", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.ErrorIs(t, Decode(base64.StdEncoding.EncodeToString(raw), TypeIntent, &out), ErrInvalidPayload)

	raw, err = json.Marshal(Envelope{Type: TypeIntent, Payload: base64.StdEncoding.EncodeToString([]byte("[1,2]")), CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.ErrorIs(t, Decode(base64.StdEncoding.EncodeToString(raw), TypeIntent, &out), ErrInvalidPayload)
}
