package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	leaseID string
	until   time.Time
}

// MemoryStore keeps leases in process memory. It serves tests and single
// instance deployments.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryStore returns an empty store. A nil clock selects time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{leases: make(map[string]memoryLease), now: now}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) Acquire(_ context.Context, lockID, leaseID string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[lockID]; ok && cur.until.After(s.now()) {
		return false, nil
	}
	s.leases[lockID] = memoryLease{leaseID: leaseID, until: until}
	return true, nil
}

func (s *MemoryStore) Renew(_ context.Context, lockID, leaseID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[lockID]
	if !ok || cur.leaseID != leaseID {
		return ErrLeaseLost
	}
	s.leases[lockID] = memoryLease{leaseID: leaseID, until: until}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, lockID, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[lockID]
	if !ok || cur.leaseID != leaseID {
		return ErrLeaseLost
	}
	delete(s.leases, lockID)
	return nil
}
