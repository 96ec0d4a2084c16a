// Package epoch implements EBR-P, the epoch-based persistent reclamation
// scheme described in spec §3/§4.5: ordinary epoch-based reclamation
// (Global epoch, per-participant Local state, sealed garbage bags) extended
// with the durability bookkeeping a crash-consistent caller needs — deferred
// persist flushing and a per-pin dedup set for addresses already queued for
// reclamation.
package epoch

import "sync"

// Collector owns one Global: the current epoch and the registry of
// participants sharing it. Multiple goroutines register independently and
// keep working after any one of them drops its handle, mirroring
// crossbeam_epoch::Collector's "handle still works after dropping the
// collector" guarantee (here: after every other handle is released).
type Collector struct {
	global *Global

	mu      sync.Mutex
	nextTid int
}

// NewCollector returns a Collector with a fresh Global at epoch 0.
func NewCollector() *Collector {
	return &Collector{global: NewGlobal()}
}

// Register creates a new participant. If tid is nil, the Collector assigns
// the next value of its own counter, starting at 0; it does not skip tids
// that were registered explicitly. Detectable primitives that need a stable
// thread id across reattachment should pass one explicitly instead.
func (c *Collector) Register(tid *int) *LocalHandle {
	id := 0
	if tid != nil {
		id = *tid
	} else {
		c.mu.Lock()
		id = c.nextTid
		c.nextTid++
		c.mu.Unlock()
	}
	l := newLocal(id, c)
	c.global.registerLocal(l)
	return &LocalHandle{local: l}
}

// Find looks up an already-registered, still-active participant by tid.
// Detectable primitives use this to resume a crashed goroutine's
// in-progress persists under its own tid instead of registering a second,
// unrelated Local for the same logical thread.
func (c *Collector) Find(tid int) *LocalHandle {
	l := c.global.findLocal(tid)
	if l == nil {
		return nil
	}
	l.acquireHandle()
	return &LocalHandle{local: l}
}

// OldGuard implements the crash-survivor reattachment path of spec §4.5: a
// thread that has just declared tid after a restart calls this once, in
// place of Register, to resume whatever participant state tid left behind
// rather than starting a fresh one with an empty bag and no persisted
// pins. If no pre-crash Local is found for tid, it registers a new one, the
// same fallback the original's old_guard takes.
//
// Any objects the pre-crash thread had deferred must stay protected until a
// successor pin is installed; reattaching preserves the "at least one pin
// under this tid" invariant without letting the epoch advance past
// in-flight deferrals.
func (c *Collector) OldGuard(tid int) (*LocalHandle, *Guard) {
	l := c.global.findLocal(tid)
	if l == nil {
		h := c.Register(&tid)
		return h, h.Pin()
	}

	if l.repinningInProgress() {
		// A repin was interrupted mid-flight by the crash; attribute the
		// partial work to this thread rather than letting a later unpin
		// see an unbalanced guard count.
		l.setGuardCount(1)
	}

	g := l.pin()
	l.resetCount()
	l.setGuardCount(1)

	return &LocalHandle{local: l}, g
}

// LocalHandle is a durable reference to a registered participant. Go has no
// destructors, so unlike crossbeam's LocalHandle (which releases on Drop),
// callers must call Release explicitly once they are done with a tid —
// typically once, for the lifetime of the goroutine or worker slot that
// owns it.
type LocalHandle struct {
	local *Local
}

// Pin pins the handle's participant and returns a Guard. Pinning is
// reentrant: a goroutine may pin again while already pinned, and the
// participant only becomes fully unpinned once every Guard from every
// nested Pin has been released via Guard's owner calling Unpin.
func (h *LocalHandle) Pin() *Guard { return h.local.pin() }

// Unpin releases one level of pinning acquired by Pin. Guard itself carries
// no reference count; callers are responsible for calling Unpin exactly
// once per Pin, typically via a defer immediately after pinning.
func (h *LocalHandle) Unpin() { h.local.unpin() }

// IsPinned reports whether the handle's participant is currently pinned.
func (h *LocalHandle) IsPinned() bool { return h.local.isPinned() }

// Collector returns the Collector this handle is registered with.
func (h *LocalHandle) Collector() *Collector { return h.local.collector }

// Tid returns the thread id this handle was registered under.
func (h *LocalHandle) Tid() int { return h.local.tid }

// Release removes one reference to the handle's participant, finalizing it
// once both its handle count and guard count reach zero. Call this when a
// goroutine is done with its tid for good; do not call it from a deferred
// cleanup that might run while a Guard from this handle is still alive.
func (h *LocalHandle) Release() { h.local.releaseHandle() }
