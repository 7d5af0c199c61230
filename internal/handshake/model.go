package handshake

import (
	"time"

	"github.com/congo-pay/offlinepay/internal/signing"
)

// LocalState is the device-side lifecycle of a payment.
type LocalState string

const (
	StateInitiated   LocalState = "initiated"
	StateAuthorized  LocalState = "authorized"
	StatePendingSync LocalState = "pendingSync"
	StateSynced      LocalState = "synced"
	StateRejected    LocalState = "rejected"
	StateExpired     LocalState = "expired"
	// StateCanceled is reserved; no flow produces it.
	StateCanceled LocalState = "canceled"
)

// IntentTTL bounds how long a payer may take to authorize an intent.
const IntentTTL = 30 * time.Second

// Intent is the merchant's signed offer, shown to the payer.
type Intent struct {
	TxID              string    `json:"txId"`
	MerchantIntentID  string    `json:"merchantIntentId"`
	MerchantAccountID string    `json:"merchantAccountId"`
	MerchantDeviceID  string    `json:"merchantDeviceId"`
	AmountCents       int64     `json:"amountCents"`
	Currency          string    `json:"currency"`
	MerchantNonce     string    `json:"merchantNonce"`
	MerchantCounter   int64     `json:"merchantCounter"`
	IssuedAt          time.Time `json:"issuedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	MerchantSignature string    `json:"merchantSignature"`
}

func (i Intent) fields() signing.IntentFields {
	return signing.IntentFields{
		TxID:              i.TxID,
		MerchantIntentID:  i.MerchantIntentID,
		MerchantAccountID: i.MerchantAccountID,
		MerchantDeviceID:  i.MerchantDeviceID,
		AmountCents:       i.AmountCents,
		Currency:          i.Currency,
		MerchantNonce:     i.MerchantNonce,
		MerchantCounter:   i.MerchantCounter,
		IssuedAt:          i.IssuedAt,
		ExpiresAt:         i.ExpiresAt,
	}
}

// Authorization is the payer's signed acceptance of an intent.
type Authorization struct {
	TxID                 string    `json:"txId"`
	MerchantIntentID     string    `json:"merchantIntentId"`
	PayerAuthorizationID string    `json:"payerAuthorizationId"`
	PayerAccountID       string    `json:"payerAccountId"`
	PayerDeviceID        string    `json:"payerDeviceId"`
	AmountCents          int64     `json:"amountCents"`
	Currency             string    `json:"currency"`
	MerchantNonce        string    `json:"merchantNonce"`
	PayerNonce           string    `json:"payerNonce"`
	PayerCounter         int64     `json:"payerCounter"`
	IntentIssuedAt       time.Time `json:"intentIssuedAt"`
	AuthorizedAt         time.Time `json:"authorizedAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
	PayerSignature       string    `json:"payerSignature"`
}

func (a Authorization) settlementFields() signing.SettlementFields {
	return signing.SettlementFields{
		TxID:                  a.TxID,
		MerchantIntentID:      a.MerchantIntentID,
		PayerAuthorizationID:  a.PayerAuthorizationID,
		AmountCents:           a.AmountCents,
		Currency:              a.Currency,
		MerchantNonce:         a.MerchantNonce,
		PayerNonce:            a.PayerNonce,
		IntentIssuedAt:        a.IntentIssuedAt,
		AuthorizationIssuedAt: a.AuthorizedAt,
		ExpiresAt:             a.ExpiresAt,
	}
}

// ReceiptStatus is what the merchant tells the payer about the payment.
type ReceiptStatus string

const (
	ReceiptAcceptedOffline ReceiptStatus = "acceptedOffline"
	ReceiptPendingSync     ReceiptStatus = "pendingSync"
	ReceiptRejected        ReceiptStatus = "rejected"
)

// Receipt is the merchant's signed acknowledgment of an authorization.
type Receipt struct {
	TxID                 string        `json:"txId"`
	ReceiptID            string        `json:"receiptId"`
	PayerAuthorizationID string        `json:"payerAuthorizationId"`
	MerchantAccountID    string        `json:"merchantAccountId"`
	PayerAccountID       string        `json:"payerAccountId"`
	AmountCents          int64         `json:"amountCents"`
	Currency             string        `json:"currency"`
	Status               ReceiptStatus `json:"status"`
	CreatedAt            time.Time     `json:"createdAt"`
	MerchantSignature    string        `json:"merchantSignature"`
}

// LocalTransaction is one payment as a device remembers it. Payer fields and
// signatures fill in as the handshake progresses.
type LocalTransaction struct {
	TxID                  string     `json:"txId"`
	IdempotencyKey        string     `json:"idempotencyKey"`
	MerchantIntentID      string     `json:"merchantIntentId"`
	PayerAuthorizationID  string     `json:"payerAuthorizationId,omitempty"`
	MerchantAccountID     string     `json:"merchantAccountId"`
	MerchantDeviceID      string     `json:"merchantDeviceId"`
	PayerAccountID        string     `json:"payerAccountId,omitempty"`
	PayerDeviceID         string     `json:"payerDeviceId,omitempty"`
	AmountCents           int64      `json:"amountCents"`
	Currency              string     `json:"currency"`
	MerchantNonce         string     `json:"merchantNonce"`
	PayerNonce            string     `json:"payerNonce,omitempty"`
	MerchantCounter       int64      `json:"merchantCounter"`
	PayerCounter          int64      `json:"payerCounter,omitempty"`
	IntentIssuedAt        time.Time  `json:"intentIssuedAt"`
	AuthorizationIssuedAt time.Time  `json:"authorizationIssuedAt,omitempty"`
	ExpiresAt             time.Time  `json:"expiresAt"`
	MerchantSignature     string     `json:"merchantSignature,omitempty"`
	PayerSignature        string     `json:"payerSignature,omitempty"`
	State                 LocalState `json:"state"`
	FailureReason         string     `json:"failureReason,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// MerchantContext identifies the merchant device running the handshake.
type MerchantContext struct {
	AccountID  string
	DeviceID   string
	LastSyncAt time.Time
}

// PayerContext identifies the payer device running the handshake.
type PayerContext struct {
	AccountID string
	DeviceID  string
}
