package ports

import "time"

// StoragePort is a versioned key/value store. Every key carries a version
// counter starting at 1; Put with version == stored+1 is a compare-and-swap,
// Put with version 0 writes unconditionally. Implementations return a
// *domain.StorageError with the VersionMismatch type when the CAS loses.
type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	PutWithTTL(key string, value []byte, version int64, ttl time.Duration) error
	Delete(key string) error

	Exists(key string) (bool, error)

	// GetNext returns the first key under prefix in lexicographic order.
	GetNext(prefix string) (key string, value []byte, exists bool, err error)
	ListByPrefix(prefix string) ([]KeyValueVersion, error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)
	CountPrefix(prefix string) (count int, err error)

	// AtomicIncrement bumps a persistent counter and returns the new value.
	// The journal's per-execution sequence allocation rides on this.
	AtomicIncrement(key string) (newValue int64, err error)

	Close() error
}

type KeyValueVersion struct {
	Key     string
	Value   []byte
	Version int64
}
