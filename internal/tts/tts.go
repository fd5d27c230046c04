// Package tts synthesizes the voice-over with character-level timestamps.
package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adforge/adforge/internal/align"
)

// Request is one synthesis call.
type Request struct {
	VoiceID        string
	Text           string
	Speed          float64 // 0 = provider default
	Stability      float64 // 0 = provider default
	WithTimestamps bool
}

// Result is synthesized audio plus its character alignment (empty when
// timestamps were not requested).
type Result struct {
	Audio     []byte
	Alignment []align.CharTiming
}

// Provider synthesizes speech from text.
type Provider interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// Retry constants shared by provider implementations.
const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 2 * time.Second
	defaultBackoffMulti   = 2
	defaultMaxBackoff     = 30 * time.Second
)

// RetryableError signals that the operation can be retried (429/5xx).
type RetryableError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// AuthError signals a bad or missing credential. Never retried.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (status %d): %s", e.StatusCode, e.Body)
}

func (e *AuthError) Retryable() bool { return false }

// isRetryable checks if an error should be retried. Timeout errors retry
// only while the parent context is still alive, so shutdown does not spin.
func isRetryable(ctx context.Context, err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	if ctx.Err() == nil && (os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	return false
}

// WithRetry executes fn with exponential backoff on retryable errors,
// honoring Retry-After guidance from the server.
func WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := defaultInitialBackoff

	for attempt := 1; attempt <= defaultMaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(ctx, err) {
			return err
		}
		lastErr = err

		if attempt < defaultMaxAttempts {
			wait := backoff
			var re *RetryableError
			if errors.As(lastErr, &re) && re.RetryAfter > wait {
				wait = re.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			backoff *= time.Duration(defaultBackoffMulti)
			if backoff > defaultMaxBackoff {
				backoff = defaultMaxBackoff
			}
		}
	}
	return lastErr
}
