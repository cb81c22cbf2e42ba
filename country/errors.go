/*
errors.go - Centralized error types for the country service

PURPOSE:
  All error types in one place. Components wrap these with context;
  the HTTP layer maps them to status codes with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Not found      - country or summary image missing (404)
  2. Upstream       - an external source exhausted its retries (503)
  3. Refresh faults - persistence or audit failures (500, generic body)

SEE ALSO:
  - upstream/client.go: Produces FetchError
  - refresh/engine.go:  Produces UpstreamError and ErrRefreshFailed
*/
package country

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCountryNotFound is returned when no country matches a name.
	ErrCountryNotFound = errors.New("country not found")

	// ErrImageNotFound is returned when no summary image has been generated yet.
	ErrImageNotFound = errors.New("summary image not found")

	// ErrUpstreamUnavailable is returned when an external source could not be fetched.
	ErrUpstreamUnavailable = errors.New("external data source unavailable")

	// ErrRefreshFailed is returned when a refresh fails for an internal reason.
	// It never wraps the underlying cause; that goes to the audit log only.
	ErrRefreshFailed = errors.New("internal server error during refresh")

	// ErrRefreshInProgress is returned by non-blocking callers that refuse to
	// queue behind a running refresh.
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FetchError reports that one upstream source failed after all attempts.
type FetchError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("could not fetch data from %s after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// UpstreamError names every source that failed during a refresh.
type UpstreamError struct {
	Sources []string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("External data source unavailable: %s", strings.Join(e.Sources, " and "))
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamUnavailable
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCountryNotFound) || errors.Is(err, ErrImageNotFound)
}
