package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedStore struct {
	*MemoryStore
	initCalls atomic.Int32
	initErr   error

	mu       sync.Mutex
	renewErr error
}

func (s *scriptedStore) Init(ctx context.Context) error {
	s.initCalls.Add(1)
	if s.initErr != nil {
		err := s.initErr
		s.initErr = nil
		return err
	}
	return s.MemoryStore.Init(ctx)
}

func (s *scriptedStore) setRenewErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewErr = err
}

func (s *scriptedStore) Renew(ctx context.Context, lockID, leaseID string, until time.Time) error {
	s.mu.Lock()
	err := s.renewErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Renew(ctx, lockID, leaseID, until)
}

func newManager(t *testing.T, store Store, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(store, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresStore(t *testing.T) {
	_, err := NewManager(nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestConcurrentTryLockYieldsOneHandle(t *testing.T) {
	m := newManager(t, NewMemoryStore(nil))
	ctx := context.Background()

	const contenders = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
		handles = make(chan *Handle, contenders)
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := m.TryLock(ctx, "nightly-report", time.Minute)
			assert.NoError(t, err)
			if h != nil {
				winners.Add(1)
				handles <- h
			}
		}()
	}
	close(start)
	wg.Wait()
	close(handles)

	require.Equal(t, int32(1), winners.Load())
	winner := <-handles
	require.NoError(t, winner.Release(ctx))

	next, err := m.TryLock(ctx, "nightly-report", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, winner.LeaseID(), next.LeaseID())
}

func TestTryLockTakesOverExpiredLease(t *testing.T) {
	clock := newFakeClock()
	m := newManager(t, NewMemoryStore(clock.Now), WithClock(clock.Now))
	ctx := context.Background()

	first, err := m.TryLock(ctx, "job", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	blocked, err := m.TryLock(ctx, "job", 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	clock.Advance(11 * time.Second)
	second, err := m.TryLock(ctx, "job", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)

	ok, err := first.Renew(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLeaseLost)

	assert.NoError(t, first.Release(ctx), "releasing a lost lease is a no-op")
	ok, err = second.Renew(ctx)
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestTryLockRejectsNonPositiveLease(t *testing.T) {
	m := newManager(t, NewMemoryStore(nil))
	_, err := m.TryLock(context.Background(), "job", 0)
	assert.ErrorIs(t, err, ErrInvalidLease)
}

func TestRenewClassifiesFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure asks for a sooner retry", func(t *testing.T) {
		store := &scriptedStore{MemoryStore: NewMemoryStore(nil)}
		h, err := newManager(t, store).TryLock(ctx, "job", time.Minute)
		require.NoError(t, err)
		renewedAt := h.LastRenewal()

		store.setRenewErr(Transient(errors.New("503 service unavailable")))
		ok, err := h.Renew(ctx)
		assert.False(t, ok)
		assert.NoError(t, err)
		assert.Equal(t, renewedAt, h.LastRenewal())
	})

	t.Run("unknown failure is fatal", func(t *testing.T) {
		store := &scriptedStore{MemoryStore: NewMemoryStore(nil)}
		h, err := newManager(t, store).TryLock(ctx, "job", time.Minute)
		require.NoError(t, err)

		store.setRenewErr(errors.New("403 forbidden"))
		ok, err := h.Renew(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrLeaseLost)
	})

	t.Run("predicate decides the boundary", func(t *testing.T) {
		store := &scriptedStore{MemoryStore: NewMemoryStore(nil)}
		m := newManager(t, store, WithTransientPredicate(func(err error) bool {
			return err.Error() == "429 too many requests"
		}))
		h, err := m.TryLock(ctx, "job", time.Minute)
		require.NoError(t, err)

		store.setRenewErr(errors.New("429 too many requests"))
		ok, err := h.Renew(ctx)
		assert.False(t, ok)
		assert.NoError(t, err)

		store.setRenewErr(Transient(errors.New("503")))
		_, err = h.Renew(ctx)
		assert.ErrorIs(t, err, ErrLeaseLost)
	})

	t.Run("released handle cannot renew", func(t *testing.T) {
		h, err := newManager(t, NewMemoryStore(nil)).TryLock(ctx, "job", time.Minute)
		require.NoError(t, err)
		require.NoError(t, h.Release(ctx))

		ok, err := h.Renew(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrLeaseLost)
	})
}

func TestInitializeRetriesAfterFailure(t *testing.T) {
	store := &scriptedStore{MemoryStore: NewMemoryStore(nil), initErr: errors.New("database is starting up")}
	m := newManager(t, store)
	ctx := context.Background()

	require.Error(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx))
	_, err := m.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int32(2), store.initCalls.Load())
}

func TestDefaultTransient(t *testing.T) {
	assert.False(t, DefaultTransient(nil))
	assert.True(t, DefaultTransient(Transient(errors.New("throttled"))))
	assert.True(t, DefaultTransient(context.DeadlineExceeded))
	assert.False(t, DefaultTransient(errors.New("conflict")))
	assert.Nil(t, Transient(nil))
}
