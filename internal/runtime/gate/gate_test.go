package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClampsCapacity(t *testing.T) {
	g := New(0)
	assert.Equal(t, 1, g.Capacity())
	assert.Equal(t, 1, g.CurrentCount())
}

func TestAcquireRelease(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 0, g.CurrentCount())

	g.Release()
	assert.Equal(t, 1, g.CurrentCount())
	g.Release()
	assert.Equal(t, 2, g.CurrentCount())
	assert.Equal(t, 2, g.Peak())
}

func TestAcquireHonoursCancellation(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.CurrentCount())

	g.Release()
	assert.Equal(t, 1, g.CurrentCount())
}

func TestConcurrentHoldersNeverExceedCapacity(t *testing.T) {
	const capacity = 3
	g := New(capacity)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			defer g.Release()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, g.Peak(), capacity)
	assert.Equal(t, capacity, g.CurrentCount())
}

func TestReleaseAfterPanicFreesSlot(t *testing.T) {
	g := New(1)

	func() {
		defer func() { _ = recover() }()
		require.NoError(t, g.Acquire(context.Background()))
		defer g.Release()
		panic("handler exploded")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Acquire(ctx))
	g.Release()
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	assert.Panics(t, func() { New(1).Release() })
}
