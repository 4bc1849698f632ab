package crawler

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the fetchers, the store and the pipeline.
var (
	// ErrInvalidCookie means the session material is missing, malformed or incomplete.
	ErrInvalidCookie = errors.New("invalid cookie")
	// ErrChallengeRequired means the target answered with an anti-bot interstitial.
	ErrChallengeRequired = errors.New("challenge required")
	// ErrChallengeTimeout means a browser challenge was not resolved in time.
	ErrChallengeTimeout = errors.New("challenge timeout")
	// ErrTransientNetwork marks failures worth retrying (timeouts, resets, 5xx).
	ErrTransientNetwork = errors.New("transient network error")
	// ErrUnexpectedStatus marks a non-retryable, non-challenge HTTP status.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrOrphanRecord means a record's owner does not exist.
	ErrOrphanRecord = errors.New("orphan record")
	// ErrStorageConstraint means the store rejected a write on a constraint.
	ErrStorageConstraint = errors.New("storage constraint violation")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCursorRegression means a checkpoint cursor was asked to move backwards.
	ErrCursorRegression = errors.New("checkpoint cursor regression")
	// ErrStageDone means the checkpoint is terminal until reset.
	ErrStageDone = errors.New("stage already done")
	// ErrProfileLocked means another session holds the browser profile.
	ErrProfileLocked = errors.New("browser profile locked")
)

// StatusError wraps a failing HTTP status with its classification.
type StatusError struct {
	Code   int
	URL    string
	Reason string
	kind   error
}

// NewStatusError classifies a status code into the failure taxonomy.
func NewStatusError(code int, url, reason string) *StatusError {
	kind := ErrUnexpectedStatus
	switch {
	case code == 403 || code == 429:
		kind = ErrChallengeRequired
	case code >= 500:
		kind = ErrTransientNetwork
	}
	return &StatusError{Code: code, URL: url, Reason: reason, kind: kind}
}

// ChallengeError builds a StatusError for an interstitial served with any status.
func ChallengeError(code int, url, reason string) *StatusError {
	return &StatusError{Code: code, URL: url, Reason: reason, kind: ErrChallengeRequired}
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: status %d for %s (%s)", e.kind, e.Code, e.URL, e.Reason)
	}
	return fmt.Sprintf("%v: status %d for %s", e.kind, e.Code, e.URL)
}

// Unwrap exposes the taxonomy sentinel to errors.Is.
func (e *StatusError) Unwrap() error {
	return e.kind
}

// IsChallenge reports whether err stems from an unresolved anti-bot challenge.
func IsChallenge(err error) bool {
	return errors.Is(err, ErrChallengeRequired) || errors.Is(err, ErrChallengeTimeout)
}

// IsStageFatal reports whether err must halt the current (stage, scope) unit.
func IsStageFatal(err error) bool {
	return IsChallenge(err) ||
		errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrStorageConstraint) ||
		errors.Is(err, ErrInvalidCookie)
}
