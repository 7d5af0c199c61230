package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// TimeLayout renders timestamps inside canonical digests. Both signer and
// verifier must format with it, so callers truncate to milliseconds before
// signing.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

const receiptMarker = "accepted_offline"

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Digest joins fields with "|" and returns the hex SHA-256 of the result.
func Digest(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// IntentFields are the merchant-signed fields of a payment intent, in
// canonical order.
type IntentFields struct {
	TxID              string
	MerchantIntentID  string
	MerchantAccountID string
	MerchantDeviceID  string
	AmountCents       int64
	Currency          string
	MerchantNonce     string
	MerchantCounter   int64
	IssuedAt          time.Time
	ExpiresAt         time.Time
}

// Digest returns the canonical intent digest.
func (f IntentFields) Digest() string {
	return Digest(
		f.TxID,
		f.MerchantIntentID,
		f.MerchantAccountID,
		f.MerchantDeviceID,
		strconv.FormatInt(f.AmountCents, 10),
		f.Currency,
		f.MerchantNonce,
		strconv.FormatInt(f.MerchantCounter, 10),
		FormatTime(f.IssuedAt),
		FormatTime(f.ExpiresAt),
	)
}

// SettlementFields are the fields both parties sign for server settlement.
// The payer signs them when authorizing and the merchant signs them when
// accepting the authorization.
type SettlementFields struct {
	TxID                  string
	MerchantIntentID      string
	PayerAuthorizationID  string
	AmountCents           int64
	Currency              string
	MerchantNonce         string
	PayerNonce            string
	IntentIssuedAt        time.Time
	AuthorizationIssuedAt time.Time
	ExpiresAt             time.Time
}

// Digest returns the canonical settlement digest.
func (f SettlementFields) Digest() string {
	return Digest(
		f.TxID,
		f.MerchantIntentID,
		f.PayerAuthorizationID,
		strconv.FormatInt(f.AmountCents, 10),
		f.Currency,
		f.MerchantNonce,
		f.PayerNonce,
		FormatTime(f.IntentIssuedAt),
		FormatTime(f.AuthorizationIssuedAt),
		FormatTime(f.ExpiresAt),
	)
}

// ReceiptDigest returns the digest a merchant signs when acknowledging an
// authorization offline.
func ReceiptDigest(txID, payerAuthorizationID string) string {
	return Digest(txID, payerAuthorizationID, receiptMarker)
}
