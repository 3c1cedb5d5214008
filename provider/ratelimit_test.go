package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenWait(t *testing.T) {
	b := newTokenBucket(2, 1)

	assert.Equal(t, time.Duration(0), b.take())
	assert.Equal(t, time.Duration(0), b.take())

	// Burst exhausted; the next caller has to wait for a refill
	delay := b.take()
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, time.Second+50*time.Millisecond)
}

func TestTokenBucketPenalize(t *testing.T) {
	b := newTokenBucket(5, 5)
	b.penalize(2 * time.Second)

	delay := b.take()
	assert.Greater(t, delay, time.Second)
}

func TestTokenBucketWaitHonorsContext(t *testing.T) {
	b := newTokenBucket(1, 0.001)
	require.NoError(t, b.wait(context.Background())) // burst token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
