package provider

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a simple token-bucket rate limiter shared by all workers
// hitting the same provider. A 429 from the server pushes the next refill
// out by the advertised Retry-After.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	refill   float64 // tokens per second
	last     time.Time
	holdOff  time.Time // no tokens before this instant
}

func newTokenBucket(capacity float64, refillPerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		refill:   refillPerSecond,
		last:     time.Now(),
	}
}

// wait blocks until a token is available or the context is done
func (b *tokenBucket) wait(ctx context.Context) error {
	for {
		delay := b.take()
		if delay <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// take consumes a token if possible, otherwise returns how long to wait
func (b *tokenBucket) take() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Before(b.holdOff) {
		return b.holdOff.Sub(now)
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) / b.refill * float64(time.Second))
}

// penalize delays all callers after a server-side rate limit
func (b *tokenBucket) penalize(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(b.holdOff) {
		b.holdOff = until
	}
}
