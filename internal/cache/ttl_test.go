package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countKey struct {
	TimeRange   string
	Environment string
}

func TestTTL_Expiry(t *testing.T) {
	clk := clock.NewMock()
	c := New[countKey, int64](5*time.Second, WithClock(clk))
	defer c.Close()

	key := countKey{TimeRange: "15m", Environment: "prod"}
	c.Set(key, 42)

	v, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok = c.Get(countKey{TimeRange: "15m"})
	assert.False(t, ok, "keys differing in any field must not collide")

	clk.Add(4999 * time.Millisecond)
	_, ok = c.Get(key)
	assert.True(t, ok, "entry should live until its ttl elapses")

	clk.Add(time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok, "entry should expire exactly at its ttl")
	assert.Equal(t, 0, c.Len(), "expired entry should be dropped on read")
}

func TestTTL_SetRefreshesExpiry(t *testing.T) {
	clk := clock.NewMock()
	c := New[string, string](time.Minute, WithClock(clk))
	defer c.Close()

	c.Set("k", "a")
	clk.Add(50 * time.Second)
	c.Set("k", "b")
	clk.Add(50 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestTTL_DeleteAndSweep(t *testing.T) {
	clk := clock.NewMock()
	c := New[string, int](time.Second, WithClock(clk))
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	assert.Equal(t, 1, c.Len())

	clk.Add(time.Second)
	c.Set("c", 3)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestTTL_Janitor(t *testing.T) {
	clk := clock.NewMock()
	c := New[string, int](time.Second, WithClock(clk), WithSweepInterval(10*time.Second))
	defer c.Close()

	c.Set("a", 1)
	clk.Add(10 * time.Second)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTTL_GetOrLoad(t *testing.T) {
	clk := clock.NewMock()
	c := New[string, int64](5*time.Second, WithClock(clk))
	defer c.Close()

	calls := 0
	load := func(context.Context) (int64, error) {
		calls++
		return int64(calls * 10), nil
	}

	v, cached, err := c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int64(10), v)

	v, cached, err = c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int64(10), v)

	clk.Add(5 * time.Second)
	v, cached, err = c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int64(20), v)
	assert.Equal(t, 2, calls)
}

func TestTTL_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string, int](time.Minute)
	defer c.Close()

	boom := errors.New("boom")
	_, _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestTTL_CloseIsIdempotent(t *testing.T) {
	c := New[string, int](time.Minute, WithSweepInterval(time.Millisecond))
	c.Close()
	c.Close()

	c.Set("still", 1)
	_, ok := c.Get("still")
	assert.True(t, ok)
}
