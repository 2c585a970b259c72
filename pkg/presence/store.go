// Package presence tracks who is live in each document session. Liveness
// is recorded as auto-expiring keys in a shared ephemeral store; the
// active-set cache is corrected lazily against those keys whenever the
// active view is requested.
package presence

import (
	"context"
	"time"
)

// Store is the ephemeral key/value surface the tracker runs on. The
// production implementation is Redis; tests inject MemoryStore.
type Store interface {
	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	MembersOf(ctx context.Context, key string) ([]string, error)
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	// Exists reports, per key, whether the key currently exists. A single
	// batched round trip regardless of len(keys).
	Exists(ctx context.Context, keys ...string) ([]bool, error)
	Delete(ctx context.Context, key string) error
}
