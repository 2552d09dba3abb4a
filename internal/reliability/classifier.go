// Package reliability classifies operational errors onto the circuit
// breaker's failure taxonomy and provides retry pacing helpers.
package reliability

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/mferrante/greenroom/internal/memory"
	"github.com/mferrante/greenroom/internal/recovery"
)

// Classify maps an error from a store or transport operation onto a
// breaker failure kind. Unknown errors count as storage failures since
// they surface on the persistence path.
func Classify(err error) recovery.FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return recovery.FailureTimeout
	case errors.Is(err, context.Canceled):
		return recovery.FailureTimeout
	case errors.Is(err, memory.ErrStoreUnavailable):
		return recovery.FailureStorage
	case isNetworkError(err):
		return recovery.FailureNetwork
	default:
		return recovery.FailureStorage
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
