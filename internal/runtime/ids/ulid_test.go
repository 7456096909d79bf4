package ids

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDEmbedsCreationTime(t *testing.T) {
	now := time.Now()
	parsed, err := ulid.ParseStrict(CreateULID())
	require.NoError(t, err)
	assert.WithinDuration(t, now, ulid.Time(parsed.Time()), 10*time.Millisecond)
}

// Concurrency stamps replaced in a tight loop share a millisecond; each new
// stamp must still differ from and sort after the one it replaces.
func TestCreateULIDStampsIncreaseWithinOneMillisecond(t *testing.T) {
	stamp := CreateULID()
	for i := 0; i < 1000; i++ {
		next := CreateULID()
		require.Len(t, next, ulid.EncodedSize)
		require.Greater(t, next, stamp)
		stamp = next
	}
}

// Competing lock owners each draw a lease id; no two may collide.
func TestCreateULIDLeaseIDsUniqueAcrossGoroutines(t *testing.T) {
	const owners = 16
	const attempts = 50

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []string
	)
	wg.Add(owners)
	for i := 0; i < owners; i++ {
		go func() {
			defer wg.Done()
			local := make([]string, 0, attempts)
			for j := 0; j < attempts; j++ {
				local = append(local, CreateULID())
			}
			assert.True(t, sort.StringsAreSorted(local), "ids from one goroutine must be increasing")
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, len(all))
	for _, id := range all {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, owners*attempts)
}
