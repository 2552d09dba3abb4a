package memory

import (
	"context"
	"errors"
)

// ErrStoreUnavailable wraps backend failures that should count as storage
// faults against the circuit breaker.
var ErrStoreUnavailable = errors.New("memory store unavailable")

// Store persists generation state keyed by (project_id, episode_id).
// Eviction and TTL are the backend's concern; this subsystem never deletes
// state as part of normal operation.
type Store interface {
	Get(ctx context.Context, key Key) (State, bool, error)
	Put(ctx context.Context, state State) error
	Delete(ctx context.Context, key Key) error
	Close() error
}
