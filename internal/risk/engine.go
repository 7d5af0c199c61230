package risk

import "time"

// Deny reasons surfaced to device users.
const (
	ReasonTransactionLimit = "transaction limit exceeded"
	ReasonIntentExpired    = "intent expired"
	ReasonClockSkew        = "clock skew too large"
	ReasonSyncStale        = "device sync stale"
)

// Decision is either an allow or a deny carrying a human-readable reason.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denying decision.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Intent carries the facts of a merchant intent the engine evaluates.
type Intent struct {
	AmountCents int64
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// EvaluateIntent is the payer-side gate run on a decoded intent before an
// authorization is signed.
func EvaluateIntent(intent Intent, policy Policy, now time.Time) Decision {
	if !policy.WithinTransactionLimit(intent.AmountCents) {
		return Deny(ReasonTransactionLimit)
	}
	if now.After(intent.ExpiresAt) {
		return Deny(ReasonIntentExpired)
	}
	if !policy.ClockSkewAcceptable(intent.IssuedAt, now) {
		return Deny(ReasonClockSkew)
	}
	return Allow()
}

// AllowOfflineUsage checks the staleness of a device's last successful sync.
func AllowOfflineUsage(lastSyncAt, now time.Time, policy Policy) Decision {
	if !policy.HasFreshSync(lastSyncAt, now) {
		return Deny(ReasonSyncStale)
	}
	return Allow()
}
