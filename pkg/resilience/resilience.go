package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"secureconnect-callagent/pkg/logger"
)

// ErrBudgetExhausted is returned when every attempt failed
var ErrBudgetExhausted = fmt.Errorf("retry budget exhausted")

// Backoff describes a bounded exponential retry policy
type Backoff struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Delay returns the wait before attempt n+1 (n starts at 1)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := b.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.MaxBackoff > 0 && delay >= b.MaxBackoff {
			return b.MaxBackoff
		}
	}
	if b.MaxBackoff > 0 && delay > b.MaxBackoff {
		return b.MaxBackoff
	}
	return delay
}

// retryMetrics tracks retry outcomes
type retryMetrics struct {
	attemptsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
}

var (
	retryMetricsInstance *retryMetrics
	retryMetricsOnce     sync.Once
)

func init() {
	retryMetricsOnce.Do(func() {
		retryMetricsInstance = &retryMetrics{
			attemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callagent_retry_attempts_total",
					Help: "Total number of retried operation attempts",
				},
				[]string{"operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callagent_retry_errors_total",
					Help: "Total number of retried operation errors by class",
				},
				[]string{"operation", "error_type"},
			),
		}
		prometheus.MustRegister(retryMetricsInstance.attemptsTotal)
		prometheus.MustRegister(retryMetricsInstance.errorsTotal)
	})
}

// Retrier runs an operation under a Backoff policy
type Retrier struct {
	policy  Backoff
	after   func(time.Duration) <-chan time.Time
	metrics *retryMetrics
}

// NewRetrier creates a Retrier for the policy
func NewRetrier(policy Backoff) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{
		policy:  policy,
		after:   time.After,
		metrics: retryMetricsInstance,
	}
}

// WithClock replaces the timer source, used by tests
func (r *Retrier) WithClock(after func(time.Duration) <-chan time.Time) *Retrier {
	r.after = after
	return r
}

// Do calls fn until it succeeds, the budget is spent, or ctx is done.
// fn receives the 1-based attempt number.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := r.policy.Delay(attempt - 1)
			logger.Info("Operation failed, backing off",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.after(backoff):
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			r.metrics.attemptsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}

		lastErr = err
		r.metrics.attemptsTotal.WithLabelValues(operation, "failure").Inc()
		r.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	logger.Warn("Operation retry budget exhausted",
		zap.String("operation", operation),
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w after %d attempts: %v", ErrBudgetExhausted, r.policy.MaxAttempts, lastErr)
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "status 5"):
		return "server"
	default:
		return "unknown"
	}
}
