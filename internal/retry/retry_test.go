package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "join", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	boom := errors.New("i/o timeout")
	calls := 0
	err := Do(context.Background(), fastConfig(), "persist", func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "persist")
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := Do(context.Background(), fastConfig(), "load", func() error {
		calls++
		return Permanent(notFound)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, notFound, err)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), "deliver", func() error {
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastConfig(), "count", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("broken pipe")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}.withDefaults()
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.MaxDelay)
}
