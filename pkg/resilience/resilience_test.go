package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{MaxAttempts: 6, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 3 * time.Second}

	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 2*time.Second, b.Delay(3))
	assert.Equal(t, 3*time.Second, b.Delay(4))
	assert.Equal(t, 3*time.Second, b.Delay(10))
}

func TestRetrier_SucceedsAfterFailures(t *testing.T) {
	var waits []time.Duration
	r := NewRetrier(Backoff{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}).
		WithClock(func(d time.Duration) <-chan time.Time {
			waits = append(waits, d)
			return immediate(d)
		})

	calls := 0
	err := r.Do(context.Background(), "reconnect", func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return fmt.Errorf("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, waits)
}

func TestRetrier_BudgetExhausted(t *testing.T) {
	r := NewRetrier(Backoff{MaxAttempts: 3, InitialBackoff: time.Millisecond}).WithClock(immediate)

	calls := 0
	err := r.Do(context.Background(), "reconnect", func(ctx context.Context, attempt int) error {
		calls++
		return fmt.Errorf("status 503")
	})

	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
	assert.Equal(t, 3, calls)
}

func TestRetrier_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(Backoff{MaxAttempts: 3, InitialBackoff: time.Hour}).
		WithClock(func(time.Duration) <-chan time.Time {
			cancel()
			return make(chan time.Time)
		})

	calls := 0
	err := r.Do(ctx, "reconnect", func(ctx context.Context, attempt int) error {
		calls++
		return fmt.Errorf("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(fmt.Errorf("context deadline exceeded")))
	assert.Equal(t, "network", classifyError(fmt.Errorf("dial tcp: connection refused")))
	assert.Equal(t, "server", classifyError(fmt.Errorf("reconnect returned status 502")))
	assert.Equal(t, "unknown", classifyError(fmt.Errorf("boom")))
}
