package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/calydon/orchid/pkg/schema"
)

// Classify maps an arbitrary step error onto the failure taxonomy. Errors
// that already carry a taxonomy code pass through; everything else is
// classified by error type and message heuristics, with UNKNOWN_ERROR as
// the fallback.
func Classify(err error) *schema.EngineError {
	if err == nil {
		return nil
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) && isTaxonomyCode(engErr.Code) {
		return engErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "step deadline exceeded").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.NewErrorf(schema.ErrCodeTimeout, "network timeout: %s", err.Error()).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeTransient, "network error: %s", err.Error()).WithCause(err)
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"too many requests",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return schema.NewErrorf(schema.ErrCodeTransient, "transient failure: %s", err.Error()).WithCause(err)
		}
	}
	externalPatterns := []string{
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
	}
	for _, p := range externalPatterns {
		if strings.Contains(msg, p) {
			return schema.NewErrorf(schema.ErrCodeExternalService, "external service failure: %s", err.Error()).WithCause(err)
		}
	}

	return schema.NewErrorf(schema.ErrCodeUnknown, "unclassified failure: %s", err.Error()).WithCause(err)
}

func isTaxonomyCode(code string) bool {
	switch code {
	case schema.ErrCodeTimeout, schema.ErrCodeTransient, schema.ErrCodeDataUnavailable,
		schema.ErrCodeValidation, schema.ErrCodeExternalService, schema.ErrCodeCompensation,
		schema.ErrCodeUnknown, schema.ErrCodeCancelled:
		return true
	}
	return false
}

// DefaultRetryDelay is the base backoff when a retry policy names none.
const DefaultRetryDelay = time.Second

// Backoff computes the delay before retry number attempt (zero-based):
// base * 2^attempt, capped at the policy's max delay when one is set.
func Backoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	base := DefaultRetryDelay
	if policy != nil && policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil && d > 0 {
			base = d
		}
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}

	if policy != nil && policy.MaxDelay != "" {
		if cap, err := time.ParseDuration(policy.MaxDelay); err == nil && cap > 0 && delay > cap {
			delay = cap
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given duration or returns early with the
// context error if the context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
