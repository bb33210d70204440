package license

import (
	"math"
	"time"
)

// IsExpired reports whether a license with the given expiry timestamp is
// expired at now. The comparison is strict: a license is usable up to and
// including the instant of ExpiresAt. A nil expiresAt (never activated)
// is never expired.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return now.After(*expiresAt)
}

// DaysRemaining returns ceil((expiresAt - now) / 24h), floored at zero.
// A license expiring in one hour still has 1 day remaining; an expired or
// never-activated license has 0.
func DaysRemaining(expiresAt *time.Time, now time.Time) int {
	if expiresAt == nil {
		return 0
	}
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

// ExpiryFromActivation derives the expiry timestamp stamped alongside the
// first activation: activatedAt + validityDays.
func ExpiryFromActivation(activatedAt time.Time, validityDays int) time.Time {
	return activatedAt.AddDate(0, 0, validityDays)
}
