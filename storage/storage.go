// Package storage defines the interfaces this library consumes for state that
// outlives a single request: the shared key-value store used for logout-token
// replay markers and logout notices, and the persisted user record that backs
// local and cached attributes.
package storage

import (
	"context"
	"time"
)

// SharedStore is a key-value store shared by every request handler and
// process in a deployment. Implementations must be atomic and immediately
// consistent: a Set observed by one handler is observed by all. This is what
// makes the single-use logout-token guarantee correct under concurrency; the
// callers perform no locking of their own.
//
// All methods accept context.Context for tracing and cancellation.
type SharedStore interface {
	// Get retrieves the value for a key. The second return value reports
	// whether the key was present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value under a key. A zero ttl means the entry persists
	// until explicitly deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// UserRecordStore persists named attribute values per user. It backs the
// "local" and "cached" attribute storage locations. Implementations must
// provide read-your-writes consistency within one request; cross-request
// locking is a storage-engine concern, not this library's.
type UserRecordStore interface {
	// GetAttributes returns the stored values for the requested names.
	// Names with no stored value are simply absent from the result.
	GetAttributes(ctx context.Context, userID string, names []string) (map[string]any, error)

	// SetAttributes stores the given values for the user, overwriting any
	// existing values for the same names.
	SetAttributes(ctx context.Context, userID string, values map[string]any) error
}
