package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: unknown review or business id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStateTransition: the review is not in the state the requested
	// decision requires. Surfaced verbatim to the caller (HTTP 409) so the
	// dashboard can refresh and show the true current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrAnnotationUnavailable: the NLP service could not be reached or kept
	// failing. Transient; the review keeps its prior state.
	ErrAnnotationUnavailable = errors.New("annotation unavailable")

	// ErrRetryExhausted: posting retries are used up; the review is FAILED and
	// needs operator intervention.
	ErrRetryExhausted = errors.New("posting retries exhausted")

	// ErrDuplicateReview: a review with the same (platform, platform_review_id)
	// was already ingested.
	ErrDuplicateReview = errors.New("review already exists")
)

// PostError is a failed Posting Gateway call. Always treated as transient and
// retryable up to the configured maximum.
type PostError struct {
	Status int // HTTP status from the gateway, 0 for transport errors
	Reason string
}

func (e *PostError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("posting gateway: %s (status %d)", e.Reason, e.Status)
	}
	return "posting gateway: " + e.Reason
}
