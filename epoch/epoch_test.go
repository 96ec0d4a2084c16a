package epoch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPinUnpin(t *testing.T) {
	c := NewCollector()
	h := c.Register(nil)

	assert.False(t, h.IsPinned())
	g := h.Pin()
	require.NotNil(t, g)
	assert.True(t, h.IsPinned())

	h.Unpin()
	assert.False(t, h.IsPinned())
}

func TestReentrantPinRequiresMatchingUnpins(t *testing.T) {
	c := NewCollector()
	h := c.Register(nil)

	h.Pin()
	h.Pin()
	assert.True(t, h.IsPinned())

	h.Unpin()
	assert.True(t, h.IsPinned(), "still pinned after only one of two nested unpins")

	h.Unpin()
	assert.False(t, h.IsPinned())
}

func TestRepinAdvancesLocalEpochWhenUnnested(t *testing.T) {
	c := NewCollector()
	h := c.Register(nil)

	g := h.Pin()
	h.local.collector.global.epoch.V.Store(3)

	g.Repin()

	epoch, pinned := h.local.epoch.snapshot()
	assert.True(t, pinned)
	assert.EqualValues(t, 3, epoch, "repin must adopt the advanced global epoch for a participant with exactly one outstanding guard")

	h.Unpin()
}

func TestRepinNoOpWithNestedPin(t *testing.T) {
	c := NewCollector()
	h := c.Register(nil)

	g1 := h.Pin()
	h.Pin() // nested: guardCount == 2

	h.local.collector.global.epoch.V.Store(5)

	g1.Repin()

	epoch, pinned := h.local.epoch.snapshot()
	assert.True(t, pinned)
	assert.EqualValues(t, 0, epoch,
		"repin must not move a participant's recorded epoch while more than one guard is outstanding")

	h.Unpin()
	h.Unpin()
}

func TestDeferRunsOnceEpochAdvancesTwice(t *testing.T) {
	c := NewCollector()
	h := c.Register(nil)

	var ran atomic.Bool
	g := h.Pin()
	g.Defer(func() { ran.Store(true) })
	// Flush seals the bag into the global queue; a freshly-sealed bag is
	// not yet expired, so the closure must not have run yet.
	g.Flush()
	h.Unpin()

	assert.False(t, ran.Load(), "a deferred closure must not run before the epoch has advanced past its bag")

	// Advancing the epoch requires every pinned participant to be at (or
	// past) the current epoch; with a single participant, each pin that
	// flushes a non-empty bag advances it. Two advances put the sealed bag
	// two epochs behind, at which point collect() reclaims it.
	for i := 0; i < 2; i++ {
		g2 := h.Pin()
		// Defer a no-op so Flush has something to seal; an empty bag's
		// Flush is a no-op and would never drive tryAdvance.
		g2.Defer(func() {})
		g2.Flush()
		h.Unpin()
	}

	assert.True(t, ran.Load(), "deferred closure must eventually run once two epochs have passed")
}

// runToCompletion pins, defers a no-op, flushes and unpins h three times,
// enough for a bag sealed earlier to become two epochs stale and run, for a
// single-participant collector.
func runToCompletion(h *LocalHandle) {
	for i := 0; i < 3; i++ {
		g := h.Pin()
		g.Defer(func() {})
		g.Flush()
		h.Unpin()
	}
}

func TestDeferKeyedDeduplicatesWithinAPin(t *testing.T) {
	c := NewCollector()
	h := c.Register(nil)

	var calls atomic.Int32
	g := h.Pin()
	g.DeferKeyed(func() { calls.Add(1) }, 42)
	g.DeferKeyed(func() { calls.Add(1) }, 42)
	g.Flush()
	h.Unpin()

	runToCompletion(h)

	assert.EqualValues(t, 1, calls.Load(), "a second DeferKeyed with the same key in the same pin must be a no-op")
}

func TestDeferKeyedAllowsSameKeyAcrossDifferentPins(t *testing.T) {
	c := NewCollector()
	h := c.Register(nil)

	var calls atomic.Int32
	g := h.Pin()
	g.DeferKeyed(func() { calls.Add(1) }, 7)
	g.Flush()
	h.Unpin()

	g2 := h.Pin()
	g2.DeferKeyed(func() { calls.Add(1) }, 7)
	g2.Flush()
	h.Unpin()

	runToCompletion(h)

	assert.EqualValues(t, 2, calls.Load(), "pfree dedup is scoped to a single pin, not the object's whole lifetime")
}

func TestOldGuardReattachesExistingParticipant(t *testing.T) {
	c := NewCollector()
	tid := 3
	h := c.Register(&tid)
	h.Pin()
	h.Unpin()

	lh, g := c.OldGuard(tid)
	require.NotNil(t, g)
	assert.Equal(t, tid, lh.Tid())
	assert.True(t, lh.IsPinned())
}

func TestOldGuardRegistersFreshParticipantWhenNoneExists(t *testing.T) {
	c := NewCollector()
	lh, g := c.OldGuard(99)
	require.NotNil(t, g)
	assert.Equal(t, 99, lh.Tid())
	assert.True(t, lh.IsPinned())
}

func TestConcurrentPinUnpinIsRaceFree(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := c.Register(&i)
			for j := 0; j < 50; j++ {
				g := h.Pin()
				g.Defer(func() {})
				h.Unpin()
			}
			h.Release()
		}()
	}
	wg.Wait()
}
