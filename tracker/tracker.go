// Package tracker debounces signals across consecutive scans using Redis.
// Each (ticker, expiry pair, user) gets one state record; updates are
// optimistic read-modify-writes so two workers racing on the same key never
// lose a count or double-approve an alert.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forward-factor-scanner/cache"
)

// Check outcomes
const (
	ReasonFirstScan      = "first_scan"
	ReasonNeedsStability = "needs_stability"
	ReasonCooldown       = "cooldown"
	ReasonDeltaTooSmall  = "delta_too_small"
	ReasonBelowThreshold = "below_threshold"
	ReasonOK             = "ok"
)

// State records self-evict after a day without updates
const stateTTL = 24 * time.Hour

// Bounded retries for the optimistic update before surfacing a conflict
const maxCASAttempts = 5

// ErrConflict is returned when the atomic update kept losing the race
var ErrConflict = errors.New("stability state conflict")

// State is the per-key debounce record
type State struct {
	LastFF           float64    `json:"last_ff"`
	ConsecutiveAbove int        `json:"consecutive_above"`
	LastAlertTS      *time.Time `json:"last_alert_ts,omitempty"`
	LastAlertFF      *float64   `json:"last_alert_ff,omitempty"`
}

// Params carries the policy slice the check needs
type Params struct {
	FFThreshold     float64
	StabilityScans  int
	CooldownMinutes int
	DeltaFFMin      float64
}

// Store is the slice of the cache the tracker needs. Tests substitute an
// in-memory implementation; production passes *cache.RedisClient.
type Store interface {
	UpdateAtomic(ctx context.Context, key string, update func(current string) (string, time.Duration, error)) error
	Delete(ctx context.Context, key string) error
}

// Compile-time interface compliance check
var _ Store = (*cache.RedisClient)(nil)

// Tracker wraps the Redis-backed stability state
type Tracker struct {
	redis Store
}

// New creates a stability tracker
func New(redis Store) *Tracker {
	return &Tracker{redis: redis}
}

// Key builds the state key. Expiry dates, never DTEs, so the key does not
// drift as days pass.
func Key(ticker string, frontExpiry, backExpiry time.Time, userID uuid.UUID) string {
	return fmt.Sprintf("stab|%s|%s|%s|%s",
		ticker,
		frontExpiry.Format("2006-01-02"),
		backExpiry.Format("2006-01-02"),
		userID,
	)
}

// Check runs one scan observation through the debounce state machine and
// reports whether the caller should alert now.
//
// Decision order above threshold: stability count, then cooldown, then
// minimum FF improvement over the last alert. Below threshold the
// consecutive count resets. With a stability requirement of 1 the very
// first qualifying scan alerts. Every path persists the observation and
// refreshes the 24h TTL.
func (t *Tracker) Check(ctx context.Context, ticker string, frontExpiry, backExpiry time.Time, userID uuid.UUID, ff float64, params Params, now time.Time) (bool, string, error) {
	key := Key(ticker, frontExpiry, backExpiry, userID)

	var shouldAlert bool
	var reason string

	update := func(current string) (string, time.Duration, error) {
		shouldAlert = false

		var state State
		fresh := current == ""
		if !fresh {
			if err := json.Unmarshal([]byte(current), &state); err != nil {
				// Unreadable state is treated as absent rather than poisoning the key
				state = State{}
				fresh = true
			}
		}

		if ff < params.FFThreshold {
			if fresh {
				reason = ReasonFirstScan
			} else {
				reason = ReasonBelowThreshold
			}
			state.LastFF = ff
			state.ConsecutiveAbove = 0
			return marshalState(state, stateTTL)
		}

		state.ConsecutiveAbove++
		state.LastFF = ff

		switch {
		case state.ConsecutiveAbove < params.StabilityScans:
			// A streak that just (re)started reads first_scan; mid-streak
			// shortfalls read needs_stability
			if state.ConsecutiveAbove == 1 {
				reason = ReasonFirstScan
			} else {
				reason = ReasonNeedsStability
			}
		case state.LastAlertTS != nil && now.Sub(*state.LastAlertTS) < time.Duration(params.CooldownMinutes)*time.Minute:
			reason = ReasonCooldown
		case state.LastAlertFF != nil && ff-*state.LastAlertFF < params.DeltaFFMin:
			reason = ReasonDeltaTooSmall
		default:
			shouldAlert = true
			reason = ReasonOK
			ts := now
			ffCopy := ff
			state.LastAlertTS = &ts
			state.LastAlertFF = &ffCopy
		}
		return marshalState(state, stateTTL)
	}

	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := t.redis.UpdateAtomic(ctx, key, update)
		if err == nil {
			return shouldAlert, reason, nil
		}
		if !errors.Is(err, cache.ErrTxConflict) {
			return false, "", fmt.Errorf("stability check failed: %w", err)
		}
		lastErr = err
	}
	return false, "", fmt.Errorf("%w after %d attempts: %v", ErrConflict, maxCASAttempts, lastErr)
}

// Reset drops the state for a key, used when a subscription is removed
func (t *Tracker) Reset(ctx context.Context, ticker string, frontExpiry, backExpiry time.Time, userID uuid.UUID) error {
	return t.redis.Delete(ctx, Key(ticker, frontExpiry, backExpiry, userID))
}

func marshalState(state State, ttl time.Duration) (string, time.Duration, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", 0, err
	}
	return string(raw), ttl, nil
}
