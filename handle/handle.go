// Package handle implements the per-thread participant handle described in
// spec §4.6: the object a detectable operation threads through every call
// so it can find its pool, its epoch guard, and the recovery state
// (local_max_time, whether it is still replaying a crash) that a bare
// goroutine id cannot carry on its own.
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/kaist-cp/go-memento/epoch"
	"github.com/kaist-cp/go-memento/pclock"
	"github.com/kaist-cp/go-memento/pool"
)

// Handle is a thread's registration with both a Pool and an epoch
// Collector. It implements checkpoint.Handle and ploc.DirtyPrevious, so any
// Chk cell or detectable CAS can be driven directly from one.
type Handle struct {
	tid  int
	pool *pool.Pool
	lh   *epoch.LocalHandle

	recovering   atomic.Bool
	localMaxTime atomic.Uint64

	// lastFailedCas remembers the checkpoint field of this thread's most
	// recently failed detectable-CAS memento, so the next CAS this thread
	// issues can mark that memento FAILED without a second hardware CAS on
	// the original location; see spec §4.3's dirty-previous step.
	lastFailedCas atomic.Pointer[uint64]
}

// New registers tid with both p and c, starting in recovery mode: the
// first checkpoint or detectable-CAS peek this handle performs will look
// for pre-crash state before falling through to fresh work.
func New(tid int, p *pool.Pool, c *epoch.Collector) *Handle {
	id := tid
	lh := c.Register(&id)
	h := &Handle{tid: tid, pool: p, lh: lh}
	h.recovering.Store(true)
	return h
}

// Reattach resumes an existing participant under tid rather than
// registering a new one: the path a goroutine takes when it picks up after
// another one crashed mid-operation, via epoch.Collector.OldGuard. It
// always succeeds — if no pre-crash Local is found, OldGuard registers a
// fresh one — matching the original's old_guard fallback.
func Reattach(tid int, p *pool.Pool, c *epoch.Collector) (*Handle, *epoch.Guard) {
	lh, g := c.OldGuard(tid)
	h := &Handle{tid: tid, pool: p, lh: lh}
	h.recovering.Store(true)
	return h, g
}

// Tid returns the thread id this handle operates as.
func (h *Handle) Tid() int { return h.tid }

// Pool returns the pool this handle's operations persist into.
func (h *Handle) Pool() *pool.Pool { return h.pool }

// Pin pins the handle's epoch participant for the duration of one
// detectable operation and returns the resulting Guard.
func (h *Handle) Pin() *epoch.Guard { return h.lh.Pin() }

// Unpin releases the pin acquired by Pin.
func (h *Handle) Unpin() { h.lh.Unpin() }

// Release detaches the handle from its Collector for good.
func (h *Handle) Release() { h.lh.Release() }

// Recovering reports whether the handle is still replaying pre-crash
// state; it implements checkpoint.Handle.
func (h *Handle) Recovering() bool { return h.recovering.Load() }

// StopRecovering ends recovery mode; it implements checkpoint.Handle and is
// called the first time a checkpoint Peek finds nothing left to replay.
func (h *Handle) StopRecovering() { h.recovering.Store(false) }

// LocalMaxTime returns the handle's event horizon; it implements
// checkpoint.Handle.
func (h *Handle) LocalMaxTime() pclock.Timestamp { return h.localMaxTime.Load() }

// AdvanceLocalMaxTime raises the event horizon to at least t; it
// implements checkpoint.Handle.
func (h *Handle) AdvanceLocalMaxTime(t pclock.Timestamp) {
	for {
		cur := h.localMaxTime.Load()
		if t <= cur {
			return
		}
		if h.localMaxTime.CompareAndSwap(cur, t) {
			return
		}
	}
}

// LastFailedCas and SetLastFailedCas implement ploc.DirtyPrevious: they let
// a detectable CAS remember, across calls, the checkpoint field of this
// thread's last failed attempt.
func (h *Handle) LastFailedCas() *uint64     { return h.lastFailedCas.Load() }
func (h *Handle) SetLastFailedCas(p *uint64) { h.lastFailedCas.Store(p) }

// Cache is an opt-in registry of Handles keyed by tid, for callers that
// would rather look one up by thread id than thread a *Handle through their
// own call stack by hand. Nothing in this package requires it: every core
// operation takes its Handle as an explicit argument, per spec §9's note
// that ambient/thread-local storage should be opt-in, not load-bearing.
type Cache struct {
	mu      sync.RWMutex
	handles map[int]*Handle
}

// NewCache returns an empty Cache.
func NewCache() *Cache { return &Cache{handles: make(map[int]*Handle)} }

// Get returns the cached Handle for tid, if any.
func (c *Cache) Get(tid int) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[tid]
	return h, ok
}

// Put registers h under its own tid, overwriting whatever was cached for
// that tid before.
func (c *Cache) Put(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[h.Tid()] = h
}

// Delete removes tid's cached Handle, if any.
func (c *Cache) Delete(tid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, tid)
}
