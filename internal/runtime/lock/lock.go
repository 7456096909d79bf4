// Package lock implements lease based distributed mutual exclusion. A lease
// is held by one owner at a time and must be renewed before it expires; the
// store is the only arbiter of ownership.
package lock

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/ids"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
)

var (
	// ErrLeaseLost reports that the lease is owned by someone else or no
	// longer exists. Processing under the lease must stop.
	ErrLeaseLost = errors.New("knightbus: lock lease lost")
	// ErrStoreRequired is returned by NewManager when the store is nil.
	ErrStoreRequired = errors.New("knightbus: lock store is required")
	// ErrInvalidLease is returned for non-positive lease periods.
	ErrInvalidLease = errors.New("knightbus: lock lease must be positive")
)

// Store is the lease storage. Every call must be atomic with respect to
// concurrent callers on other processes.
type Store interface {
	// Init prepares the storage. It is called once per Manager.
	Init(ctx context.Context) error
	// Acquire creates the lease when absent or expired. It reports false
	// when a live lease is held by another owner.
	Acquire(ctx context.Context, lockID, leaseID string, until time.Time) (bool, error)
	// Renew moves the expiry of a lease held by leaseID. It returns
	// ErrLeaseLost when leaseID is not the current owner.
	Renew(ctx context.Context, lockID, leaseID string, until time.Time) error
	// Release removes a lease held by leaseID. It returns ErrLeaseLost when
	// leaseID is not the current owner.
	Release(ctx context.Context, lockID, leaseID string) error
}

// TransientError marks a store failure that is worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient lock store error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so DefaultTransient classifies it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TransientPredicate decides whether a renewal failure should be retried.
type TransientPredicate func(err error) bool

// DefaultTransient treats timeouts, broken connections and errors wrapped
// with Transient as retryable. Everything else is a definitive loss.
func DefaultTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked *TransientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Locker is the part of Manager used by RunExclusive.
type Locker interface {
	TryLock(ctx context.Context, lockID string, lease time.Duration) (*Handle, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransientPredicate overrides the transient/fatal boundary for renewals.
func WithTransientPredicate(p TransientPredicate) Option {
	return func(m *Manager) {
		if p != nil {
			m.transient = p
		}
	}
}

// WithLogger sets the logger used for renewal diagnostics.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(m *Manager) { m.logger = loggingpkg.OrNop(log) }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager hands out lease handles backed by a Store.
type Manager struct {
	store     Store
	transient TransientPredicate
	logger    loggingpkg.ServiceLogger
	now       func() time.Time

	initMu      sync.Mutex
	initialized bool
}

// NewManager returns a Manager for store.
func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	m := &Manager{
		store:     store,
		transient: DefaultTransient,
		logger:    loggingpkg.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Initialize prepares the store. It is safe to call repeatedly; a failed
// attempt is retried by the next call.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized {
		return nil
	}
	if err := m.store.Init(ctx); err != nil {
		return fmt.Errorf("initialize lock store: %w", err)
	}
	m.initialized = true
	return nil
}

// TryLock attempts to take the lease on lockID. It returns a nil handle and
// a nil error when another owner holds a live lease.
func (m *Manager) TryLock(ctx context.Context, lockID string, lease time.Duration) (*Handle, error) {
	if lease <= 0 {
		return nil, ErrInvalidLease
	}
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	leaseID := ids.CreateULID()
	start := m.now()
	until := start.Add(lease)
	ok, err := m.store.Acquire(ctx, lockID, leaseID, until)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", lockID, err)
	}
	if !ok {
		return nil, nil
	}
	end := m.now()
	return &Handle{
		manager:     m,
		lockID:      lockID,
		leaseID:     leaseID,
		lease:       lease,
		lastRenewal: end,
		lastLatency: end.Sub(start),
		validUntil:  until,
	}, nil
}

// Handle is an acquired lease.
type Handle struct {
	manager *Manager
	lockID  string
	leaseID string
	lease   time.Duration

	mu          sync.Mutex
	lastRenewal time.Time
	lastLatency time.Duration
	validUntil  time.Time
	released    bool
}

func (h *Handle) LockID() string       { return h.lockID }
func (h *Handle) LeaseID() string      { return h.leaseID }
func (h *Handle) Lease() time.Duration { return h.lease }

// LastRenewal is the time the lease was last confirmed by the store.
func (h *Handle) LastRenewal() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRenewal
}

// ValidUntil is the expiry written by the last successful store call. It
// is measured from the start of that call, so the store may already treat
// the lease as expired at this instant; LastRenewal is later.
func (h *Handle) ValidUntil() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validUntil
}

// LastLatency is the round trip of the last successful store call.
func (h *Handle) LastLatency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLatency
}

// Renew extends the lease by its original period. It returns true on
// success and false with a nil error on a transient failure, in which case
// the caller should retry sooner. Any other failure is fatal and wraps
// ErrLeaseLost.
func (h *Handle) Renew(ctx context.Context) (bool, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return false, ErrLeaseLost
	}

	m := h.manager
	start := m.now()
	until := start.Add(h.lease)
	err := m.store.Renew(ctx, h.lockID, h.leaseID, until)
	switch {
	case err == nil:
		end := m.now()
		h.mu.Lock()
		h.lastRenewal = end
		h.lastLatency = end.Sub(start)
		h.validUntil = until
		h.mu.Unlock()
		return true, nil
	case errors.Is(err, ErrLeaseLost):
		return false, fmt.Errorf("renew lock %q: %w", h.lockID, err)
	case m.transient(err):
		m.logger.Debug("Transient lock renewal failure", loggingpkg.LogFields{
			"lock_id": h.lockID,
			"error":   err.Error(),
		})
		return false, nil
	default:
		return false, fmt.Errorf("renew lock %q: %w: %w", h.lockID, ErrLeaseLost, err)
	}
}

// Release gives the lease up. A lease that already expired or moved to
// another owner is not an error.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	err := h.manager.store.Release(ctx, h.lockID, h.leaseID)
	if err == nil || errors.Is(err, ErrLeaseLost) {
		return nil
	}
	return fmt.Errorf("release lock %q: %w", h.lockID, err)
}
