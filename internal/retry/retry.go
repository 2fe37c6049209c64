// Package retry wraps upstream RPC calls (execution-engine, auth
// service, catalog) with exponential backoff and jitter. It only
// covers transient RPC failures; the supervisor's top-level job is
// never retried on failure per the platform's non-goals.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/sirupsen/logrus"
)

// Config holds exponential backoff parameters.
type Config struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64
}

// DefaultConfig returns the backoff policy used for engine and auth
// RPCs: three retries, 1s initial delay, doubling up to 30s.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
	}
}

// TransientError marks an error the caller should retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether err should be retried: explicitly marked
// transient, a network-level error, or an HTTP 5xx/429 response.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}

	return false
}

// StatusError wraps a non-2xx HTTP response from an RPC call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc returned status %d: %s", e.Code, e.Body)
}

// WithBackoff runs fn, retrying on transient failure per cfg until
// MaxRetries is exhausted or ctx is done.
func WithBackoff(ctx context.Context, cfg *Config, operation string, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context done before attempt %d: %w", operation, attempt+1, err)
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				logging.Log.WithFields(logrus.Fields{"operation": operation, "attempt": attempt + 1}).Info("rpc succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			logging.Log.WithFields(logrus.Fields{"operation": operation, "attempts": attempt + 1}).WithError(err).Error("rpc retries exhausted")
			return fmt.Errorf("%s: failed after %d attempts: %w", operation, attempt+1, err)
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		wait := addJitter(delay, cfg.JitterFraction)

		logging.Log.WithFields(logrus.Fields{"operation": operation, "attempt": attempt + 1, "delay": wait}).WithError(err).Warn("retrying rpc after delay")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: context done during retry delay: %w", operation, ctx.Err())
		}
	}

	return lastErr
}

func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	return d + time.Duration(rand.Float64()*float64(d)*fraction)
}
