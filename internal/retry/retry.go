package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

// DefaultMaxRetries bounds retries of transient provider errors.
const DefaultMaxRetries = 4

// Policy defines retry behavior for transient cloud API errors.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the policy used around provider calls.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Do runs fn, retrying transient errors under the default policy.
func Do(ctx context.Context, fn func() error) error {
	return WithBackoff(ctx, DefaultPolicy(), fn, IsTransient)
}

// WithBackoff executes fn with exponential backoff and jitter.
// It retries only if shouldRetry returns true for the error.
func WithBackoff(ctx context.Context, policy *Policy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt < policy.MaxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(backoff(attempt, policy.BaseDelay, policy.MaxDelay)):
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// backoff returns full-jitter exponential backoff.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(rand.Float64() * d)
}

var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"RequestThrottled":                       true,
	"ServiceUnavailable":                     true,
	"InternalError":                          true,
	"InternalFailure":                        true,
	"PriorRequestNotComplete":                true,
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"internal server error",
	"connection reset",
	"connection refused",
	"tls handshake",
	"i/o timeout",
	"temporary failure",
}

// IsTransient checks if an error is likely transient and retryable. AWS API
// error codes are consulted first, then common network failure text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return true
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
