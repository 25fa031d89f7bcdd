// Package retry wraps transport-boundary operations in bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ericfitz/sessioncore/internal/slogging"
)

// ErrRetryExhausted is returned once every attempt of a retried operation failed
var ErrRetryExhausted = errors.New("retry budget exhausted")

// Config holds configuration for retry behavior
type Config struct {
	MaxRetries int           `yaml:"max_retries" env:"RETRY_MAX_RETRIES"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY"`
	Multiplier float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER"`
}

// DefaultConfig returns three attempts doubling from 50ms
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

func (c Config) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0.1
	return b
}

// Permanent marks err so that it is returned immediately without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, or the budget runs out
func Do(ctx context.Context, cfg Config, op string, fn func() error) error {
	_, err := DoValue(ctx, cfg, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, cfg Config, op string, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	logger := slogging.Get()

	attempts := 0
	permanent := false
	var lastErr error

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			lastErr = perm.Err
			return v, err
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		if attempts < cfg.MaxRetries {
			logger.Debug("%s failed (attempt %d/%d), retrying: %v", op, attempts, cfg.MaxRetries, err)
		}
		return v, err
	}, backoff.WithBackOff(cfg.backOff()), backoff.WithMaxTries(uint(cfg.MaxRetries))) // #nosec G115 - MaxRetries is positive after withDefaults

	if err == nil {
		return result, nil
	}
	if permanent {
		return result, lastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil || lastErr == nil {
		return result, err
	}
	logger.Warn("%s failed after %d attempts: %v", op, attempts, lastErr)
	return result, fmt.Errorf("%s: %w: %w", op, ErrRetryExhausted, lastErr)
}
