// Package checkpoint implements Chk<T>, the versioned double-buffer memento
// described in spec §3/§4.2: a cell that lets a memento record an arbitrary
// value once per logical operation such that, after a crash, the value can
// be replayed without being mistaken for a relic of a previous operation.
package checkpoint

import (
	"unsafe"

	"github.com/kaist-cp/go-memento/pclock"
	"github.com/kaist-cp/go-memento/pmem"
)

// Handle is the slice of handle.Handle this package depends on. Defining it
// here (rather than importing the handle package) keeps checkpoint free of
// a dependency on anything that itself needs to record checkpoints.
type Handle interface {
	// Recovering reports whether the owning thread is still replaying
	// pre-crash state.
	Recovering() bool
	// StopRecovering is called the first time a Peek finds nothing to
	// replay, ending recovery mode for this thread.
	StopRecovering()
	// LocalMaxTime is the thread's event horizon: timestamps at or below
	// it are relics of earlier operations, never fresh state.
	LocalMaxTime() pclock.Timestamp
	// AdvanceLocalMaxTime raises the event horizon to at least t.
	AdvanceLocalMaxTime(t pclock.Timestamp)
}

type slot[T any] struct {
	value T
	ts    pclock.Timestamp
}

// Cell is a Chk<T>: two slots, at most one of them current (the one with
// the larger timestamp); a zero timestamp means "never written in this
// pool's lifetime".
type Cell[T any] struct {
	saved [2]slot[T]
}

// packable reports whether (T, Timestamp) together fit in one cache line,
// in which case the pair can be written and persisted as a single unit;
// otherwise value and timestamp are persisted separately, value first, so a
// torn write is rejected by readers because its timestamp stays zero.
func packable[T any]() bool {
	var s slot[T]
	return unsafe.Sizeof(s) <= pmem.CacheLine
}

// Clear resets both slots to (default, 0) and persists them. There is no
// other way to free a Cell: it alternates between its two slots forever.
func (c *Cell[T]) Clear() {
	c.saved[0] = slot[T]{}
	c.saved[1] = slot[T]{}
	pmem.PersistFence(unsafe.Pointer(&c.saved[0]), unsafe.Sizeof(c.saved[0]))
	pmem.PersistFence(unsafe.Pointer(&c.saved[1]), unsafe.Sizeof(c.saved[1]))
}

// staleLatest returns (stale index, latest index): the latest slot is the
// one with the larger timestamp; writes always target the stale one.
func (c *Cell[T]) staleLatest() (stale, latest int) {
	if c.saved[0].ts < c.saved[1].ts {
		return 0, 1
	}
	return 1, 0
}

func (c *Cell[T]) isValid(idx int, h Handle) bool {
	return c.saved[idx].ts > h.LocalMaxTime()
}

// Peek returns the latest slot's value iff its timestamp exceeds the
// handle's local_max_time, i.e. iff it was written after this attempt's
// event horizon. A nil/zero return means the cell holds nothing this
// attempt should consider fresh.
func (c *Cell[T]) Peek(h Handle) (T, bool) {
	_, latest := c.staleLatest()
	if c.isValid(latest, h) {
		h.AdvanceLocalMaxTime(c.saved[latest].ts)
		return c.saved[latest].value, true
	}
	var zero T
	return zero, false
}

// Checkpoint records the result of val() exactly once per logical
// operation. In recovery mode it first tries Peek; only once recovery is
// exhausted (Peek finds nothing) does it fall through to evaluating val()
// fresh, which the caller must make deterministic modulo its own inputs so
// that a crash mid-checkpoint is always safe to replay.
func (c *Cell[T]) Checkpoint(val func() T, h Handle) T {
	if h.Recovering() {
		if v, ok := c.Peek(h); ok {
			return v
		}
		h.StopRecovering()
	}

	v := val()
	stale, _ := c.staleLatest()
	t := pclock.Now()

	if packable[T]() {
		c.saved[stale] = slot[T]{value: v, ts: t}
		pmem.PersistFence(unsafe.Pointer(&c.saved[stale]), unsafe.Sizeof(c.saved[stale]))
	} else {
		c.saved[stale].value = v
		pmem.PersistFence(unsafe.Pointer(&c.saved[stale].value), unsafe.Sizeof(c.saved[stale].value))
		c.saved[stale].ts = t
		pmem.PersistFence(unsafe.Pointer(&c.saved[stale].ts), unsafe.Sizeof(c.saved[stale].ts))
	}

	h.AdvanceLocalMaxTime(t)
	return v
}
