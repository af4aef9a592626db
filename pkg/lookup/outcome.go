// Package lookup issues single geo-lookup requests against the remote
// service and classifies every response into an exhaustive Outcome
// variant, feeding quota headers back into the rate limiter as it goes.
package lookup

import (
	"time"
)

// Status classifies the result of one lookup attempt. Every caller must
// handle all four cases; there is no implicit control flow on HTTP
// status text.
type Status string

const (
	// StatusSuccess means the target resolved and Geo is populated.
	StatusSuccess Status = "success"

	// StatusRateLimited means the service rejected the attempt for quota
	// reasons. The target is rescheduled unconditionally; this is never
	// the target's fault and never consumes its retry budget.
	StatusRateLimited Status = "rate_limited"

	// StatusTransient means a network, server, or parse failure that a
	// bounded retry may resolve.
	StatusTransient Status = "transient"

	// StatusPermanent means the service rejected the target itself
	// (invalid host, private or reserved address). Never retried.
	StatusPermanent Status = "permanent"
)

// GeoInfo holds the resolved geo-metadata for a target.
type GeoInfo struct {
	Query       string `json:"query"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	AS          string `json:"as"`
}

// Outcome is the classified result of one lookup attempt. Immutable once
// constructed.
type Outcome struct {
	// Target is the hostname or address that was looked up.
	Target string

	// Status tags which variant this outcome is.
	Status Status

	// Geo is populated only when Status is StatusSuccess.
	Geo GeoInfo

	// Latency is the wall time of the remote call.
	Latency time.Duration

	// RetryAfter is the server-specified wait, set only when Status is
	// StatusRateLimited.
	RetryAfter time.Duration

	// Err carries the cause for transient and permanent outcomes.
	Err error
}

// Terminal reports whether this outcome ends processing for the target
// on its own: successes and permanent errors are recorded immediately,
// rate-limited and transient outcomes go back to the pool.
func (o Outcome) Terminal() bool {
	return o.Status == StatusSuccess || o.Status == StatusPermanent
}

// ErrorDetail returns the cause text for recording, empty on success.
func (o Outcome) ErrorDetail() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
