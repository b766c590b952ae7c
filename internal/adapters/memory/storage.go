// Package memory provides the in-process StoragePort used as the default
// runtime store and by tests. It carries the full CAS and TTL semantics of
// the durable adapters so code exercised against it behaves identically on
// badger or sqlite.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

type entry struct {
	value    []byte
	version  int64
	expireAt *time.Time
}

type Storage struct {
	mu     sync.RWMutex
	data   map[string]*entry
	clock  func() time.Time
	closed bool
}

func NewStorage() *Storage {
	return &Storage{
		data:  make(map[string]*entry),
		clock: time.Now,
	}
}

// SetClock injects a time source so tests can walk TTLs forward.
func (s *Storage) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Storage) Get(key string) ([]byte, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, false, domain.ErrStopped
	}
	e, ok := s.live(key)
	if !ok {
		return nil, 0, false, nil
	}
	value := append([]byte(nil), e.value...)
	return value, e.version, true, nil
}

func (s *Storage) Put(key string, value []byte, version int64) error {
	return s.put(key, value, version, nil)
}

func (s *Storage) PutWithTTL(key string, value []byte, version int64, ttl time.Duration) error {
	expireAt := s.now().Add(ttl)
	return s.put(key, value, version, &expireAt)
}

func (s *Storage) put(key string, value []byte, version int64, expireAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStopped
	}

	current, exists := s.live(key)
	var stored int64
	if exists {
		stored = current.version
	}

	if version != 0 && version != stored+1 {
		return domain.NewVersionMismatchError(key, version, stored)
	}

	next := stored + 1
	if version != 0 {
		next = version
	}
	s.data[key] = &entry{
		value:    append([]byte(nil), value...),
		version:  next,
		expireAt: expireAt,
	}
	return nil
}

func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStopped
	}
	if _, ok := s.live(key); !ok {
		return domain.NewKeyNotFoundError(key)
	}
	delete(s.data, key)
	return nil
}

func (s *Storage) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, domain.ErrStopped
	}
	_, ok := s.live(key)
	return ok, nil
}

func (s *Storage) GetNext(prefix string) (string, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", nil, false, domain.ErrStopped
	}

	keys := s.sortedKeys(prefix)
	if len(keys) == 0 {
		return "", nil, false, nil
	}
	e := s.data[keys[0]]
	return keys[0], append([]byte(nil), e.value...), true, nil
}

func (s *Storage) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrStopped
	}

	keys := s.sortedKeys(prefix)
	result := make([]ports.KeyValueVersion, 0, len(keys))
	for _, key := range keys {
		e := s.data[key]
		result = append(result, ports.KeyValueVersion{
			Key:     key,
			Value:   append([]byte(nil), e.value...),
			Version: e.version,
		})
	}
	return result, nil
}

func (s *Storage) DeleteByPrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.ErrStopped
	}

	deleted := 0
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Storage) CountPrefix(prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, domain.ErrStopped
	}
	return len(s.sortedKeys(prefix)), nil
}

func (s *Storage) AtomicIncrement(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.ErrStopped
	}

	var current int64
	if e, ok := s.live(key); ok {
		current = decodeCounter(e.value)
	}
	next := current + 1
	var version int64 = 1
	if e, ok := s.live(key); ok {
		version = e.version + 1
	}
	s.data[key] = &entry{value: encodeCounter(next), version: version}
	return next, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// live returns the entry for key, treating expired entries as absent.
// Callers hold at least the read lock.
func (s *Storage) live(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expireAt != nil && !s.now().Before(*e.expireAt) {
		return nil, false
	}
	return e, true
}

func (s *Storage) sortedKeys(prefix string) []string {
	keys := make([]string, 0)
	for key := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.live(key); !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Storage) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

func encodeCounter(v int64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func decodeCounter(data []byte) int64 {
	var v int64
	for _, b := range data {
		v = v<<8 | int64(b)
	}
	return v
}
