package bundle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// fakeTimer fires immediately and moves the clock forward by the requested delay.
type fakeTimer struct {
	clock  *fakeClock
	c      chan time.Time
	delays []time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{clock: &fakeClock{now: time.Unix(1700000000, 0)}, c: make(chan time.Time, 1)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.clock.now = t.clock.now.Add(d)
	t.c <- t.clock.now
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func (t *fakeTimer) total() time.Duration {
	var sum time.Duration
	for _, d := range t.delays {
		sum += d
	}
	return sum
}

func fakePolicy(timer *fakeTimer, initial time.Duration, multiplier float64, timeout time.Duration) RetryPolicy {
	return RetryPolicy{
		InitialDelay: initial,
		Multiplier:   multiplier,
		Timeout:      timeout,
		Timer:        timer,
		Clock:        timer.clock,
	}
}

var errRateLimited = &EngineError{Kind: KindRetryable, Method: "sendBundle", Code: 429, Err: errors.New("too many requests")}

func TestRetrySucceedsAfterRateLimits(t *testing.T) {
	tests := []struct {
		name       string
		initial    time.Duration
		multiplier float64
	}{
		{name: "defaults", initial: time.Second, multiplier: 2},
		{name: "slow start", initial: 3 * time.Second, multiplier: 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := newFakeTimer()
			attempts := 0
			err := Retry(context.Background(), func() error {
				attempts++
				if attempts < 3 {
					return errRateLimited
				}
				return nil
			}, fakePolicy(timer, tt.initial, tt.multiplier, 120*time.Second))

			require.NoError(t, err)
			require.Equal(t, 3, attempts)
			expected := tt.initial + time.Duration(float64(tt.initial)*tt.multiplier)
			require.Equal(t, expected, timer.total())
		})
	}
}

func TestRetryAbortsOnFatalError(t *testing.T) {
	fatal := errors.New("bad request")
	tests := []struct {
		name string
		err  error
	}{
		{name: "plain error", err: fatal},
		{name: "fatal engine error", err: &EngineError{Kind: KindFatal, Code: -32602, Err: fatal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := newFakeTimer()
			attempts := 0
			err := Retry(context.Background(), func() error {
				attempts++
				return tt.err
			}, fakePolicy(timer, time.Second, 2, 120*time.Second))

			require.ErrorIs(t, err, fatal)
			require.NotErrorIs(t, err, ErrRetryTimeout)
			require.Equal(t, 1, attempts)
			require.Empty(t, timer.delays)
		})
	}
}

func TestRetryTimeout(t *testing.T) {
	timer := newFakeTimer()
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return errRateLimited
	}, fakePolicy(timer, time.Second, 2, 10*time.Second))

	require.ErrorIs(t, err, ErrRetryTimeout)
	require.True(t, IsRetryable(err))
	require.GreaterOrEqual(t, attempts, 4)
	require.LessOrEqual(t, timer.total(), 15*time.Second)
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, func() error {
		attempts++
		cancel()
		return errRateLimited
	}, RetryPolicy{InitialDelay: time.Hour, Multiplier: 2, Timeout: 2 * time.Hour})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}
