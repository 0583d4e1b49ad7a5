package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, Delay(0))
	assert.Equal(t, 800*time.Millisecond, Delay(2))
	assert.Equal(t, 5*time.Second, Delay(10))
	assert.Equal(t, 5*time.Second, Delay(100))
	assert.Equal(t, 200*time.Millisecond, Delay(-3))
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, RetryAfter("3", 0))
	assert.Equal(t, Delay(1), RetryAfter("Wed, 21 Oct 2015 07:28:00 GMT", 1))
	assert.Equal(t, Delay(2), RetryAfter("", 2))
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(429))
	assert.True(t, Retryable(503))
	assert.False(t, Retryable(400))
	assert.False(t, Retryable(401))
}
