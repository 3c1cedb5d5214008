package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds
const (
	KindTransient   = "transient"
	KindPermanent   = "permanent"
	KindRateLimited = "rate_limited"
)

// Error is a classified provider failure. Transient failures (5xx, timeouts)
// are retried by the worker; rate limits carry the server's Retry-After;
// everything else aborts the job.
type Error struct {
	Kind       string
	HTTPStatus int
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("provider %s error (status %d): %v", e.Kind, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
}

// Unwrap supports errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error is worth retrying
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient || pe.Kind == KindRateLimited
	}
	return false
}

// RetryAfter extracts the server-requested backoff, zero when absent
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ChainProvider fetches a point-in-time option chain for a ticker.
// Implementations must return snapshots whose AsOf timestamps are
// monotonically non-decreasing per ticker.
type ChainProvider interface {
	GetChainSnapshot(ctx context.Context, ticker string) (*ChainSnapshot, error)
}
