package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaist-cp/go-memento/epoch"
	"github.com/kaist-cp/go-memento/pool"
)

func TestNewStartsInRecoveryMode(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()

	h := New(1, p, c)

	assert.Equal(t, 1, h.Tid())
	assert.Same(t, p, h.Pool())
	assert.True(t, h.Recovering())
}

func TestStopRecoveringIsSticky(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()
	h := New(1, p, c)

	h.StopRecovering()
	assert.False(t, h.Recovering())
}

func TestPinUnpinRoundTrips(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()
	h := New(1, p, c)

	g := h.Pin()
	require.NotNil(t, g)
	h.Unpin()
}

func TestAdvanceLocalMaxTimeOnlyMovesForward(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()
	h := New(1, p, c)

	assert.Equal(t, uint64(0), uint64(h.LocalMaxTime()))

	h.AdvanceLocalMaxTime(10)
	assert.Equal(t, uint64(10), uint64(h.LocalMaxTime()))

	h.AdvanceLocalMaxTime(3)
	assert.Equal(t, uint64(10), uint64(h.LocalMaxTime()), "a lower horizon must never roll the watermark back")

	h.AdvanceLocalMaxTime(25)
	assert.Equal(t, uint64(25), uint64(h.LocalMaxTime()))
}

func TestLastFailedCasRoundTrips(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()
	h := New(1, p, c)

	assert.Nil(t, h.LastFailedCas())

	var checkpoint uint64 = 42
	h.SetLastFailedCas(&checkpoint)
	assert.Same(t, &checkpoint, h.LastFailedCas())

	h.SetLastFailedCas(nil)
	assert.Nil(t, h.LastFailedCas())
}

func TestReattachFallsBackToFreshParticipantWhenNoneCrashed(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()

	h, g := Reattach(9, p, c)

	require.NotNil(t, g)
	assert.Equal(t, 9, h.Tid())
	assert.True(t, h.Recovering())
}

func TestReattachResumesAPreCrashParticipant(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()

	original := New(5, p, c)
	original.Pin()
	original.Unpin()

	h, g := Reattach(5, p, c)

	require.NotNil(t, g)
	assert.Equal(t, 5, h.Tid())
}

func TestCacheGetPutDelete(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()
	cache := NewCache()

	_, ok := cache.Get(1)
	assert.False(t, ok)

	h := New(1, p, c)
	cache.Put(h)

	got, ok := cache.Get(1)
	require.True(t, ok)
	assert.Same(t, h, got)

	cache.Delete(1)
	_, ok = cache.Get(1)
	assert.False(t, ok)
}

func TestCachePutOverwritesExistingTid(t *testing.T) {
	p := pool.Open()
	c := epoch.NewCollector()
	cache := NewCache()

	h1 := New(1, p, c)
	h2 := New(1, p, c)
	cache.Put(h1)
	cache.Put(h2)

	got, ok := cache.Get(1)
	require.True(t, ok)
	assert.Same(t, h2, got)
}
