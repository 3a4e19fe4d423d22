package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/geoexport/pkg/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStoreLookup(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithClock(clock.Now))

	_, ok := store.Lookup("abc")
	assert.False(t, ok)

	ref := domain.ResultRef{Path: "/out/abc.dxf", Size: 42}
	store.Store("abc", ref, time.Hour)

	entry, ok := store.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, ref, entry.Result)
	assert.Equal(t, "abc", entry.Fingerprint)

	clock.Advance(59 * time.Minute)
	_, ok = store.Lookup("abc")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = store.Lookup("abc")
	assert.False(t, ok, "entry must expire at CreatedAt+TTL")
	assert.Equal(t, 0, store.Len(), "expired entry is evicted lazily on lookup")
}

func TestMemoryStoreZeroTTLNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore(WithClock(clock.Now))
	store.Store("fp", domain.ResultRef{Path: "x"}, 0)

	clock.Advance(10000 * time.Hour)
	_, ok := store.Lookup("fp")
	assert.True(t, ok)
}

func TestMemoryStoreLastWriterWins(t *testing.T) {
	store := NewMemoryStore()
	store.Store("fp", domain.ResultRef{Path: "first"}, time.Hour)
	store.Store("fp", domain.ResultRef{Path: "second"}, time.Hour)

	entry, ok := store.Lookup("fp")
	require.True(t, ok)
	assert.Equal(t, "second", entry.Result.Path)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStorePurge(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore(WithClock(clock.Now))

	store.Store("short", domain.ResultRef{}, time.Second)
	store.Store("long", domain.ResultRef{}, time.Hour)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, store.Purge())
	assert.Equal(t, 1, store.Len())
	_, ok := store.Lookup("long")
	assert.True(t, ok)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := fmt.Sprintf("fp-%d", i%5)
			store.Store(fp, domain.ResultRef{Path: fp}, time.Minute)
			entry, ok := store.Lookup(fp)
			if assert.True(t, ok) {
				assert.Equal(t, fp, entry.Result.Path)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, store.Len())
}

func TestSweeperPurgesOnInterval(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore(WithClock(clock.Now))
	store.Store("stale", domain.ResultRef{}, time.Millisecond)
	clock.Advance(time.Second)

	var passes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := NewSweeper(store, 5*time.Millisecond, nil, func(int) { passes.Add(1) })
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Len() == 0 && passes.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
