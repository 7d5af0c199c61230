package risk

import "time"

// Policy bounds acceptable offline activity. It is a value type: callers pass
// it explicitly and never mutate a shared instance.
type Policy struct {
	MaxPerTransactionCents int64 `json:"maxPerTransactionCents" yaml:"max_per_transaction_cents"`
	MaxPerDayPerPayerCents int64 `json:"maxPerDayPerPayerCents" yaml:"max_per_day_per_payer_cents"`
	MaxUnsyncedPerMerchant int   `json:"maxUnsyncedPerMerchant" yaml:"max_unsynced_per_merchant"`
	MaxSyncAgeHours        int   `json:"maxSyncAgeHours" yaml:"max_sync_age_hours"`
	MaxClockSkewSeconds    int   `json:"maxClockSkewSeconds" yaml:"max_clock_skew_seconds"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxPerTransactionCents: 10_000,
		MaxPerDayPerPayerCents: 50_000,
		MaxUnsyncedPerMerchant: 1_000,
		MaxSyncAgeHours:        48,
		MaxClockSkewSeconds:    300,
	}
}

// MaxSyncAge is the staleness ceiling as a duration.
func (p Policy) MaxSyncAge() time.Duration {
	return time.Duration(p.MaxSyncAgeHours) * time.Hour
}

// MaxClockSkew is the skew tolerance as a duration.
func (p Policy) MaxClockSkew() time.Duration {
	return time.Duration(p.MaxClockSkewSeconds) * time.Second
}

// WithinTransactionLimit reports whether amount is positive and under the
// per-transaction ceiling.
func (p Policy) WithinTransactionLimit(amountCents int64) bool {
	return amountCents > 0 && amountCents <= p.MaxPerTransactionCents
}

// WithinDailyLimit reports whether spending amount on top of what the payer
// already spent today stays under the daily ceiling.
func (p Policy) WithinDailyLimit(spentTodayCents, amountCents int64) bool {
	return spentTodayCents+amountCents <= p.MaxPerDayPerPayerCents
}

// WithinUnsyncedLimit reports whether a merchant batch of the given size is
// acceptable.
func (p Policy) WithinUnsyncedLimit(count int) bool {
	return count <= p.MaxUnsyncedPerMerchant
}

// HasFreshSync reports whether a device last synced at lastSyncAt is still
// allowed to operate offline at now.
func (p Policy) HasFreshSync(lastSyncAt, now time.Time) bool {
	return now.Sub(lastSyncAt) <= p.MaxSyncAge()
}

// ClockSkewAcceptable reports whether two timestamps are within tolerance of
// each other, in either direction.
func (p Policy) ClockSkewAcceptable(reference, candidate time.Time) bool {
	skew := reference.Sub(candidate)
	if skew < 0 {
		skew = -skew
	}
	return skew <= p.MaxClockSkew()
}
