// Package ratelimit arbitrates request admission against the quota the
// lookup service advertises in its X-Rl (requests remaining) and X-Ttl
// (seconds until window reset) response headers. The quota is a fixed
// window: the counter refills fully at the reset instant, it does not
// decay per request.
package ratelimit

import (
	"time"
)

// Defaults for the upstream quota window, used until the first response
// has been observed. The free lookup tier allows 45 requests per minute.
const (
	DefaultWindowLimit = 45
	DefaultWindow      = 60 * time.Second
)

// Budget is a snapshot of the request quota. The server is the source of
// truth: local accounting only exists to avoid guaranteed-to-fail calls.
type Budget struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets and the quota refills fully.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this snapshot was taken from response headers.
	// Zero until the first observation.
	LastUpdate time.Time `json:"last_update"`
}

// Expired reports whether the window reset instant has passed.
func (b *Budget) Expired() bool {
	return !b.ResetAt.After(time.Now())
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (b *Budget) TimeUntilReset() time.Duration {
	d := time.Until(b.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// Exhausted reports whether no requests are left in the current window.
func (b *Budget) Exhausted() bool {
	return b.Remaining <= 0 && !b.Expired()
}
