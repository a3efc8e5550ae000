package pkg

import "context"

// Entry is a single stored key-value pair.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Storage is the local persistence primitive a DHT node writes its owned keys to.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns ErrKeyNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every entry.
	DeleteAll(ctx context.Context) error

	// ListAll returns every entry in ascending key order.
	ListAll(ctx context.Context) ([]Entry, error)

	// Close releases resources. Further calls return ErrStorageUnavailable.
	Close() error
}

// checkContext reports ErrContextCanceled if ctx is already done.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
		return nil
	}
}
