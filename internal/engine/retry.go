package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// IsRetryableError classifies whether a handler error may be retried.
// Deadlines and network errors are retryable; cancellation and typed
// FlowErrors with non-retryable codes are not. Untyped errors default to
// retryable and are bounded by the retry policy.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.StepError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// ComputeBackoff returns retryDelay * backoffMultiplier^retryCount, capped by
// maxDelay when set. A multiplier below 1 is treated as 1 (constant delay).
func ComputeBackoff(policy *schema.RetryPolicy, retryCount int) time.Duration {
	if policy == nil || policy.RetryDelay <= 0 {
		return 0
	}

	mult := policy.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	seconds := policy.RetryDelay * math.Pow(mult, float64(retryCount))
	if policy.MaxDelay > 0 && seconds > policy.MaxDelay {
		seconds = policy.MaxDelay
	}

	// Guard the float to Duration conversion against overflow.
	const maxSeconds = float64(math.MaxInt64 / int64(time.Second))
	if math.IsInf(seconds, 0) || seconds > maxSeconds {
		seconds = maxSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// ScheduleRetry decides what happens after a failed attempt: the delay before
// the next one, or giveUp once retryCount has reached maxRetries.
func ScheduleRetry(retryCount int, policy *schema.RetryPolicy) (delay time.Duration, giveUp bool) {
	if policy == nil || retryCount >= policy.MaxRetries {
		return 0, true
	}
	return ComputeBackoff(policy, retryCount), false
}
