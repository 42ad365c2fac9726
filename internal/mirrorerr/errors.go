// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package mirrorerr defines the error taxonomy shared by the download,
// ingestion, and serving paths.
package mirrorerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPoolExhausted is returned when no store connection became free within
// the configured wait. It is distinct from an empty result.
var ErrPoolExhausted = errors.New("store connection pool exhausted")

// TransientNetworkError is a network failure or 5xx response worth retrying
// after a backoff.
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (HTTP %d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitedError is an explicit rate-limit signal (HTTP 429). RetryAfter
// is the server-requested delay, zero when none was given.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %v", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

// RequestRejectedError is a non-retryable response such as 404 or 403.
type RequestRejectedError struct {
	Op         string
	StatusCode int
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("%s: rejected (HTTP %d)", e.Op, e.StatusCode)
}

// ValidationError rejects a single record.
type ValidationError struct {
	Field  string
	Reason string
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid record: " + e.Reason
	}
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ContentConflictError records two records with the same natural key that
// disagree on a non-empty field. The kept value wins; the conflict is only
// logged for review.
type ContentConflictError struct {
	Entity   string
	Key      string
	Field    string
	Kept     any
	Rejected any
}

func (e *ContentConflictError) Error() string {
	return fmt.Sprintf("%s %s: conflicting %s (kept %v, rejected %v)",
		e.Entity, e.Key, e.Field, e.Kept, e.Rejected)
}

// StoreUnavailableError means the mirror store cannot serve requests.
type StoreUnavailableError struct {
	Backend string
	Err     error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Backend, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// PermanentUnitFailure is a unit that exhausted its attempts or was
// rejected outright. It is reported and never retried automatically.
type PermanentUnitFailure struct {
	Source   string
	UnitID   string
	Attempts int
	Err      error
}

func (e *PermanentUnitFailure) Error() string {
	return fmt.Sprintf("%s/%s: permanently failed after %d attempt(s): %v",
		e.Source, e.UnitID, e.Attempts, e.Err)
}

func (e *PermanentUnitFailure) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a rate-limit signal and returns
// the requested delay.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether a failed unit should be attempted again.
// Cancellation and rejections are not retryable; unknown errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rejected *RequestRejectedError
	if errors.As(err, &rejected) {
		return false
	}
	var permanent *PermanentUnitFailure
	return !errors.As(err, &permanent)
}

// IsStoreUnavailable reports whether err means the store cannot be used,
// including pool exhaustion.
func IsStoreUnavailable(err error) bool {
	if errors.Is(err, ErrPoolExhausted) {
		return true
	}
	var su *StoreUnavailableError
	return errors.As(err, &su)
}
