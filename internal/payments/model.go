package payments

import (
	"time"

	"github.com/congo-pay/offlinepay/internal/risk"
	"github.com/congo-pay/offlinepay/internal/signing"
)

// Status is the server-side lifecycle of an offline transaction.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusDuplicate  Status = "duplicate"
	StatusReconciled Status = "reconciled"
	StatusReversed   Status = "reversed"
)

// Per-row outcome reasons reported by Sync.
const (
	ReasonMerchantDeviceInactive = "merchant_device_inactive"
	ReasonUnsyncedLimitExceeded  = "unsynced_limit_exceeded"
	ReasonTxIDSeen               = "tx_id_seen"
	ReasonIdempotencyKeySeen     = "idempotency_key_seen"
	ReasonUnknownIdentity        = "unknown_identity"
	ReasonAccountFrozen          = "account_frozen"
	ReasonPayerDeviceInactive    = "payer_device_inactive"
	ReasonMerchantDeviceMismatch = "merchant_device_mismatch"
	ReasonAmountOutOfPolicy      = "tx_amount_out_of_policy"
	ReasonMerchantSyncStale      = "merchant_sync_stale"
	ReasonClockSkewExceeded      = "clock_skew_exceeded"
	ReasonIntentExpired          = "intent_expired"
	ReasonSignatureInvalid       = "signature_invalid"
	ReasonDailyLimitExceeded     = "daily_limit_exceeded"
	ReasonWalletMissing          = "wallet_missing"
	ReasonInsufficientFunds      = "insufficient_funds"
)

// ReasonRefunded marks a row reversed by refunds totalling its amount.
const ReasonRefunded = "refunded"

// Submission is one signed offline payment as uploaded by a merchant device.
type Submission struct {
	TxID                  string    `json:"txId"`
	IdempotencyKey        string    `json:"idempotencyKey"`
	MerchantIntentID      string    `json:"merchantIntentId"`
	PayerAuthorizationID  string    `json:"payerAuthorizationId"`
	MerchantAccountID     string    `json:"merchantAccountId"`
	PayerAccountID        string    `json:"payerAccountId"`
	MerchantDeviceID      string    `json:"merchantDeviceId"`
	PayerDeviceID         string    `json:"payerDeviceId"`
	AmountCents           int64     `json:"amountCents"`
	Currency              string    `json:"currency"`
	MerchantNonce         string    `json:"merchantNonce"`
	PayerNonce            string    `json:"payerNonce"`
	MerchantCounter       int64     `json:"merchantCounter"`
	PayerCounter          int64     `json:"payerCounter"`
	IntentIssuedAt        time.Time `json:"intentIssuedAt"`
	AuthorizationIssuedAt time.Time `json:"authorizationIssuedAt"`
	ExpiresAt             time.Time `json:"expiresAt"`
	MerchantSignature     string    `json:"merchantSignature"`
	PayerSignature        string    `json:"payerSignature"`
}

// SettlementFields returns the fields both signatures cover.
func (s Submission) SettlementFields() signing.SettlementFields {
	return signing.SettlementFields{
		TxID:                  s.TxID,
		MerchantIntentID:      s.MerchantIntentID,
		PayerAuthorizationID:  s.PayerAuthorizationID,
		AmountCents:           s.AmountCents,
		Currency:              s.Currency,
		MerchantNonce:         s.MerchantNonce,
		PayerNonce:            s.PayerNonce,
		IntentIssuedAt:        s.IntentIssuedAt,
		AuthorizationIssuedAt: s.AuthorizationIssuedAt,
		ExpiresAt:             s.ExpiresAt,
	}
}

// OfflineTransaction is the authoritative record of a payment attempt. Only
// Status, FailureReason and UpdatedAt change after insertion.
type OfflineTransaction struct {
	Submission
	MerchantClientSubmittedAt time.Time `json:"merchantClientSubmittedAt"`
	Status                    Status    `json:"status"`
	FailureReason             string    `json:"failureReason,omitempty"`
	RefundedCents             int64     `json:"refundedCents"`
	CreatedAt                 time.Time `json:"createdAt"`
	UpdatedAt                 time.Time `json:"updatedAt"`
}

// WalletAfter reports both balances after an accepted transaction.
type WalletAfter struct {
	PayerAvailableCents    int64 `json:"payerAvailableCents"`
	MerchantAvailableCents int64 `json:"merchantAvailableCents"`
}

// Result is the outcome of one submitted row. A duplicate of a txId the
// server already holds carries that row's status and failure reason.
type Result struct {
	TxID           string       `json:"txId"`
	Status         Status       `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	WalletAfter    *WalletAfter `json:"walletAfter,omitempty"`
	RecordedStatus Status       `json:"recordedStatus,omitempty"`
	RecordedReason string       `json:"recordedReason,omitempty"`
}

// SyncRequest is a merchant device's batch upload.
type SyncRequest struct {
	MerchantDeviceID string       `json:"merchantDeviceId"`
	SubmittedAt      time.Time    `json:"submittedAt"`
	Transactions     []Submission `json:"transactions"`
}

// SyncResponse echoes the policy so devices refresh their offline limits.
type SyncResponse struct {
	SyncedAt   time.Time   `json:"syncedAt"`
	RiskPolicy risk.Policy `json:"riskPolicy"`
	Results    []Result    `json:"results"`
}

func rejected(txID, reason string) Result {
	return Result{TxID: txID, Status: StatusRejected, Reason: reason}
}

func duplicate(txID, reason string) Result {
	return Result{TxID: txID, Status: StatusDuplicate, Reason: reason}
}

func duplicateOf(record OfflineTransaction) Result {
	return Result{
		TxID:           record.TxID,
		Status:         StatusDuplicate,
		Reason:         ReasonTxIDSeen,
		RecordedStatus: record.Status,
		RecordedReason: record.FailureReason,
	}
}
