// ABOUTME: Tests for the idempotency key cache
// ABOUTME: Validates TTL expiry, first-writer-wins creation, size eviction and concurrency safety

package dedupe

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache[string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string](ttl, maxSize)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_GetMissing(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	_, ok := c.Get("never-seen")
	assert.False(t, ok)
}

func TestCache_SetThenGet(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Set("key", "req-1")
	v, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, "req-1", v)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Set("key", "req-1")
	clock.Advance(59 * time.Second)
	_, ok := c.Get("key")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("key")
	assert.False(t, ok)
}

func TestCache_GetOrCreate_FirstWriterWins(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	v, existed, err := c.GetOrCreate("key", func() (string, error) { return "req-1", nil })
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "req-1", v)

	v, existed, err = c.GetOrCreate("key", func() (string, error) {
		t.Fatal("create must not run for a live key")
		return "", nil
	})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "req-1", v)
}

func TestCache_GetOrCreate_ExpiredKeyCreatesAgain(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	_, _, err := c.GetOrCreate("key", func() (string, error) { return "req-1", nil })
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	v, existed, err := c.GetOrCreate("key", func() (string, error) { return "req-2", nil })
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "req-2", v)
}

func TestCache_GetOrCreate_ErrorStoresNothing(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	boom := errors.New("boom")

	_, _, err := c.GetOrCreate("key", func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 3)

	for i := range 4 {
		c.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok)
	_, ok = c.Get("k3")
	assert.True(t, ok)
}

func TestCache_SetRefreshesPosition(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 2)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "1b")
	c.Set("c", "3")

	_, ok := c.Get("b")
	assert.False(t, ok, "b was oldest after a was refreshed")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1b", v)
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Set("key", "v")
	c.Delete("key")
	c.Delete("missing")
	_, ok := c.Get("key")
	assert.False(t, ok)
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Set("old", "1")
	clock.Advance(30 * time.Second)
	c.Set("new", "2")
	clock.Advance(45 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestCache_ConcurrentGetOrCreate(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var created atomic.Int32
	var wg sync.WaitGroup
	results := make([]string, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCreate("shared", func() (string, error) {
				created.Add(1)
				return fmt.Sprintf("req-%d", i), nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New[int](time.Minute, 10)
	c.Close()
	c.Close()
}
