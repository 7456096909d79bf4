package saga

import (
	"context"
	"sync"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
)

type memoryKey struct {
	partition string
	id        string
}

// MemoryStore keeps sagas in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]Record
	now     func() time.Time
}

// NewMemoryStore returns an empty store. A nil clock selects time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[memoryKey]Record), now: now}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) Create(_ context.Context, partitionKey, id string, data []byte, ttl time.Duration) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{partitionKey, id}
	now := s.now()
	if cur, ok := s.records[key]; ok && !cur.expired(now) {
		return Record{}, ErrSagaAlreadyStarted
	}
	rec := Record{Data: clone(data), ConcurrencyStamp: ids.CreateULID(), ExpiresAt: expiry(now, ttl)}
	s.records[key] = rec
	return copyRecord(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, partitionKey, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(memoryKey{partitionKey, id})
	if err != nil {
		return Record{}, err
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Update(_ context.Context, partitionKey, id string, data []byte, stamp string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{partitionKey, id}
	rec, err := s.live(key)
	if err != nil {
		return Record{}, err
	}
	if rec.ConcurrencyStamp != stamp {
		return Record{}, ErrSagaConflict
	}
	rec.Data = clone(data)
	rec.ConcurrencyStamp = ids.CreateULID()
	s.records[key] = rec
	return copyRecord(rec), nil
}

func (s *MemoryStore) Complete(_ context.Context, partitionKey, id, stamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{partitionKey, id}
	rec, err := s.live(key)
	if err != nil {
		return err
	}
	if rec.ConcurrencyStamp != stamp {
		return ErrSagaConflict
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, partitionKey, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{partitionKey, id}
	if _, err := s.live(key); err != nil {
		return err
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) live(key memoryKey) (Record, error) {
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrSagaNotFound
	}
	if rec.expired(s.now()) {
		delete(s.records, key)
		return Record{}, ErrSagaNotFound
	}
	return rec, nil
}

func copyRecord(r Record) Record {
	r.Data = clone(r.Data)
	return r
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
