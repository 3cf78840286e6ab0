// Package retry provides bounded exponential backoff for backend calls
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err as permanent
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Total attempts, at least 1
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool // Up to 25% extra delay
}

func (cfg Config) normalized() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return cfg
}

// Backoff returns the wait after the given number of consecutive failures,
// for callers that pace their own attempts instead of blocking in Do.
// Jitter is not applied.
func Backoff(cfg Config, failures int) time.Duration {
	cfg = cfg.normalized()
	if failures <= 0 {
		return 0
	}
	delay := cfg.InitialDelay
	for i := 1; i < failures; i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay || delay <= 0 {
			return cfg.MaxDelay
		}
	}
	return delay
}

// DefaultConfig returns the backoff used for backend calls
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are used up, or ctx is done. It returns the number of attempts made.
func Do(ctx context.Context, cfg Config, fn func() error) (int, error) {
	cfg = cfg.normalized()

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.AddJitter && delay >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := time.Duration(float64(delay) * cfg.Multiplier)
		if next > cfg.MaxDelay || next <= 0 {
			next = cfg.MaxDelay
		}
		delay = next
	}

	return cfg.MaxAttempts, fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
