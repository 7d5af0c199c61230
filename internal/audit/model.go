package audit

import "time"

// Event types emitted by the domain services.
const (
	EventAccountCreated        = "account.created"
	EventDeviceRegistered      = "device.registered"
	EventDeviceFrozen          = "device.frozen"
	EventDeviceRevoked         = "device.revoked"
	EventOfflineTxAccepted     = "offline_tx.accepted"
	EventOfflineTxRejected     = "offline_tx.rejected"
	EventCardTransferStarted   = "card_transfer.started"
	EventCardTransferCompleted = "card_transfer.completed"
	EventWalletTopup           = "wallet.topup"
	EventWalletRefund          = "wallet.refund"
	EventSettlementReconciled  = "settlement.reconciled"
)

// Actor identifies who triggered an event. Both fields are optional.
type Actor struct {
	AccountID string
	DeviceID  string
}

// Event is an append-only audit record.
type Event struct {
	EventID        string            `json:"eventId"`
	EventType      string            `json:"eventType"`
	ActorAccountID string            `json:"actorAccountId,omitempty"`
	ActorDeviceID  string            `json:"actorDeviceId,omitempty"`
	SubjectID      string            `json:"subjectId"`
	OccurredAt     time.Time         `json:"occurredAt"`
	Attributes     map[string]string `json:"attributes"`
}
