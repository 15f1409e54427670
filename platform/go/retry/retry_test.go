package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, IsTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("deadlock"))
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("syntax error")
	err := Do(context.Background(), fastPolicy, IsTransient, func(context.Context) error {
		calls++
		return boom
	}, nil)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestDoReportsExhaustion(t *testing.T) {
	calls := 0
	notified := 0
	err := Do(context.Background(), fastPolicy, IsTransient, func(context.Context) error {
		calls++
		return Transient(errors.New("timeout"))
	}, func(int, error, time.Duration) { notified++ })
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, notified)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 5, InitialInterval: time.Hour}, IsTransient, func(ctx context.Context) error {
		return Transient(errors.New("lock timeout"))
	}, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrExhausted)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 300*time.Millisecond, p.Delay(3))
	require.Equal(t, 300*time.Millisecond, p.Delay(7))
	require.False(t, p.Exhausted(4))
	require.True(t, p.Exhausted(5))
}
