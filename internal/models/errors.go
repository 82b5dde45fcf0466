package models

import (
	"errors"
	"fmt"
)

// ErrNotComparable marks a feature that cannot be compared for a pair of accounts.
// Scoring treats it as missing evidence rather than a failure.
var ErrNotComparable = errors.New("feature not comparable")

// TransientUpstreamError is a retryable failure from a third party (network, rate limit, 5xx).
type TransientUpstreamError struct {
	Service string
	Err     error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error from %s: %v", e.Service, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// PermanentRejectionError must not be retried: bad recipient, malformed payload.
type PermanentRejectionError struct {
	Reason string
	Err    error
}

func (e *PermanentRejectionError) Error() string {
	if e.Err == nil {
		return "permanent rejection: " + e.Reason
	}
	return fmt.Sprintf("permanent rejection: %s: %v", e.Reason, e.Err)
}

func (e *PermanentRejectionError) Unwrap() error { return e.Err }

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// DecryptionError is returned when a secret fails to authenticate or parse.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

// ValidationError reports caller-supplied data that failed a precondition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// IsRetryable reports whether a handler error should be retried with backoff.
// Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		permanent  *PermanentRejectionError
		validation *ValidationError
		decryption *DecryptionError
		configErr  *ConfigurationError
	)
	switch {
	case errors.As(err, &permanent), errors.As(err, &validation),
		errors.As(err, &decryption), errors.As(err, &configErr):
		return false
	}
	return true
}
