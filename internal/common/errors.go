// Package common defines shared constants and sentinel errors used across
// the scanreport service layers. Callers should use errors.Is to match
// these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository/store-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")
	ErrorConflict = errors.New("conflict")

	// Collaborator-specific errors. The error classifier keys its
	// user-facing messages off these.
	ErrorScanService = errors.New("scan service error")
	ErrorRenderer    = errors.New("renderer error")
	ErrorBlobStore   = errors.New("blob store error")
	ErrorMirror      = errors.New("mirror store error")
	ErrorDelivery    = errors.New("delivery error")

	// Workflow-specific errors.
	ErrorPollTimeout = errors.New("poll attempt budget exhausted")

	// Session lifecycle errors.
	ErrorInvalidTransition = errors.New("invalid status transition")
)

// HTTPStatusError carries the status code of a failed call to an external
// HTTP collaborator, so retry predicates can distinguish transient
// failures (5xx/429) from permanent ones (other 4xx).
type HTTPStatusError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPStatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d, detail: %s", e.StatusCode, e.Detail)
}

// Retryable reports whether the status is worth another attempt:
// server-side failures and throttling, never other client errors.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
