// Package storage defines the persisted key-value contract the host
// environment supplies for credential persistence, plus in-memory and redis
// implementations.
package storage

import "context"

// Store is the key-value contract credentials survive process restarts
// through. Values are opaque strings.
type Store interface {
	// Set stores a value under a key, overwriting any previous value
	Set(ctx context.Context, key, value string) error

	// Get retrieves a value by key
	Get(ctx context.Context, key string) (string, error)

	// Delete removes a key. Deleting an absent key is not an error
	Delete(ctx context.Context, key string) error
}
