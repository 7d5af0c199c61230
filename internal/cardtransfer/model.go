package cardtransfer

import (
	"time"

	"github.com/congo-pay/offlinepay/internal/identity"
)

// Status of a transfer session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	// StatusCanceled is declared for stored sessions; nothing produces it yet.
	StatusCanceled Status = "canceled"
)

// TTL is how long a transfer code stays redeemable.
const TTL = 15 * time.Minute

// Session moves a role's signing capability from one device to a new one.
type Session struct {
	TransferID   string        `json:"transferId"`
	TransferCode string        `json:"transferCode"`
	AccountID    string        `json:"accountId"`
	FromDeviceID string        `json:"fromDeviceId"`
	Role         identity.Role `json:"role"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	NewDeviceID  string        `json:"newDeviceId,omitempty"`
}

// StartInput opens a transfer.
type StartInput struct {
	AccountID      string `json:"accountId"`
	FromDeviceID   string `json:"fromDeviceId"`
	ActorAccountID string `json:"actorAccountId"`
}

// StartResult is the challenge handed to the new device out of band.
type StartResult struct {
	TransferID   string        `json:"transferId"`
	TransferCode string        `json:"transferCode"`
	AccountID    string        `json:"accountId"`
	FromDeviceID string        `json:"fromDeviceId"`
	Role         identity.Role `json:"role"`
	ExpiresAt    time.Time     `json:"expiresAt"`
}

// CompleteInput redeems a transfer code with the new device's key.
type CompleteInput struct {
	TransferCode       string `json:"transferCode"`
	NewDevicePublicKey string `json:"newDevicePublicKey"`
	KeyVersion         int    `json:"keyVersion"`
	ActorAccountID     string `json:"actorAccountId"`
}

// CompleteResult reports the revoked source and the activated replacement.
type CompleteResult struct {
	TransferID      string          `json:"transferId"`
	RevokedDeviceID string          `json:"revokedDeviceId"`
	NewDevice       identity.Device `json:"newDevice"`
}
