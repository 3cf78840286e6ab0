package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	transient := errors.New("transient")
	attempts, err := Do(context.Background(), fastConfig(3), func() error { return transient })

	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return NonRetryable(errors.New("bad request"))
	})

	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, fastConfig(5), func() error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNonRetryable_Nil(t *testing.T) {
	assert.NoError(t, NonRetryable(nil))
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), Backoff(cfg, 0))
	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 800*time.Millisecond, Backoff(cfg, 4))
	assert.Equal(t, time.Second, Backoff(cfg, 5))
	assert.Equal(t, time.Second, Backoff(cfg, 50))
}
