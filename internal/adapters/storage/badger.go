// Package storage is the badger-backed StoragePort: a durable versioned KV
// store with CAS puts, TTL entries, ordered prefix scans, and atomic
// counters.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// versionKey keeps a companion counter next to every value so CAS survives
// restarts without relying on badger's internal versions.
func versionKey(key string) []byte {
	return []byte("v:" + key)
}

const casRetries = 5

type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Badger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}

	return &Badger{
		db:     db,
		logger: logger.With("component", "storage"),
	}, nil
}

// NewWithDB wraps an already opened database; callers own its lifecycle.
func NewWithDB(db *badger.DB, logger *slog.Logger) *Badger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Badger{db: db, logger: logger.With("component", "storage")}
}

func (b *Badger) Get(key string) (value []byte, version int64, exists bool, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version, err = readVersion(txn, key)
		return err
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, version, exists, nil
}

func (b *Badger) Put(key string, value []byte, version int64) error {
	return b.putWithTTL(key, value, version, 0)
}

func (b *Badger) PutWithTTL(key string, value []byte, version int64, ttl time.Duration) error {
	return b.putWithTTL(key, value, version, ttl)
}

func (b *Badger) putWithTTL(key string, value []byte, version int64, ttl time.Duration) error {
	err := b.updateWithRetry(func(txn *badger.Txn) error {
		stored, err := readVersion(txn, key)
		if err != nil {
			return err
		}

		if version != 0 && version != stored+1 {
			return domain.NewVersionMismatchError(key, version, stored)
		}

		next := stored + 1
		if version != 0 {
			next = version
		}

		entry := badger.NewEntry([]byte(key), value)
		vEntry := badger.NewEntry(versionKey(key), []byte(strconv.FormatInt(next, 10)))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
			vEntry = vEntry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		return txn.SetEntry(vEntry)
	})
	if err != nil {
		var storageErr *domain.StorageError
		if errors.As(err, &storageErr) {
			return err
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (b *Badger) Delete(key string) error {
	err := b.updateWithRetry(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); errors.Is(err, badger.ErrKeyNotFound) {
			return domain.NewKeyNotFoundError(key)
		} else if err != nil {
			return err
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete(versionKey(key))
	})
	if err != nil {
		var storageErr *domain.StorageError
		if errors.As(err, &storageErr) {
			return err
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Badger) Exists(key string) (bool, error) {
	_, _, exists, err := b.Get(key)
	return exists, err
}

func (b *Badger) GetNext(prefix string) (key string, value []byte, exists bool, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key = string(item.Key())
		value, err = item.ValueCopy(nil)
		exists = err == nil
		return err
	})
	if err != nil {
		return "", nil, false, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return key, value, exists, nil
}

func (b *Badger) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	var result []ports.KeyValueVersion
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, err := readVersion(txn, key)
			if err != nil {
				return err
			}
			result = append(result, ports.KeyValueVersion{
				Key:     key,
				Value:   value,
				Version: version,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return result, nil
}

func (b *Badger) DeleteByPrefix(prefix string) (int, error) {
	items, err := b.ListByPrefix(prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, item := range items {
		if err := b.Delete(item.Key); err != nil {
			if domain.IsKeyNotFound(err) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (b *Badger) CountPrefix(prefix string) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", prefix, err)
	}
	return count, nil
}

func (b *Badger) AtomicIncrement(key string) (int64, error) {
	var next int64
	err := b.updateWithRetry(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get([]byte(key))
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next = current + 1
		return txn.Set([]byte(key), []byte(strconv.FormatInt(next, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return next, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// updateWithRetry re-runs the mutation on badger transaction conflicts,
// which surface under concurrent CAS traffic on neighbouring keys.
func (b *Badger) updateWithRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.logger.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func readVersion(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get(versionKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
