package identity

import (
	"slices"
	"time"
)

// Role is one of the closed set of capabilities an account may hold.
type Role string

const (
	RolePayer   Role = "payer"
	RoleCashier Role = "cashier"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePayer, RoleCashier, RoleAdmin:
		return true
	}
	return false
}

const (
	AccountActive = "active"
	AccountFrozen = "frozen"

	DeviceActive  = "active"
	DeviceFrozen  = "frozen"
	DeviceRevoked = "revoked"
)

// MaxActiveDevicesPerRole bounds active devices per (account, role).
const MaxActiveDevicesPerRole = 2

// Account owns devices and exactly one wallet.
type Account struct {
	ID               string    `json:"id"`
	ExternalIdentity string    `json:"externalIdentity"`
	DisplayName      string    `json:"displayName"`
	Roles            []Role    `json:"roles"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// HasRole reports whether the account holds role.
func (a Account) HasRole(role Role) bool {
	return slices.Contains(a.Roles, role)
}

// Active reports whether the account may transact.
func (a Account) Active() bool {
	return a.Status == AccountActive
}

// Device is a registered signing device.
type Device struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	Role         Role      `json:"role"`
	PublicKey    string    `json:"publicKey"`
	KeyVersion   int       `json:"keyVersion"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSyncAt   time.Time `json:"lastSyncAt"`
	FreezeReason string    `json:"freezeReason,omitempty"`
}

// Active reports whether the device may sign.
func (d Device) Active() bool {
	return d.Status == DeviceActive
}

// DeviceSlotKey names the exclusive section guarding the active-device count
// of one (account, role) pair.
func DeviceSlotKey(accountID string, role Role) string {
	return "devices:" + accountID + ":" + string(role)
}
