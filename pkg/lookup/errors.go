package lookup

import (
	"errors"
	"fmt"
)

// Common errors returned inside outcomes.
var (
	// ErrMalformedResponse is wrapped when a response body cannot be
	// decoded. Treated as transient with a bounded retry, not a crash.
	ErrMalformedResponse = errors.New("malformed response body")

	// ErrServerStatus is wrapped for non-quota HTTP error statuses.
	ErrServerStatus = errors.New("unexpected HTTP status")
)

// APIError is a well-formed error response for the target itself, e.g.
// "invalid query" or "private range". It is permanent: retrying the same
// target cannot change the answer.
type APIError struct {
	Target  string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("lookup failed for %s: %s", e.Target, e.Message)
}
