package epoch

import (
	"sync/atomic"
	"unsafe"

	"github.com/kaist-cp/go-memento/pmem"
)

// pinningsBetweenCollect bounds how often a pinning participant also takes
// on collection duty, so the common case (pin, do work, unpin) stays cheap.
const pinningsBetweenCollect = 128

// epochState packs a pinned flag into the low bit of an epoch counter, the
// same trick crossbeam's AtomicEpoch uses so "pinned at epoch e" is a single
// atomic word instead of two fields that could be observed torn.
type epochState struct {
	v atomic.Uint64
}

func (e *epochState) snapshot() (epoch uint64, pinned bool) {
	raw := e.v.Load()
	return raw >> 1, raw&1 != 0
}

func (e *epochState) setPinned(epoch uint64) {
	e.v.Store(epoch<<1 | 1)
}

func (e *epochState) setUnpinned(epoch uint64) {
	e.v.Store(epoch << 1)
}

// Local is one participant's state: a goroutine's (or a fixed worker's)
// record in the global registry, its private garbage bag, and the
// durability bookkeeping EBR-P adds on top of ordinary EBR:
//
//   - persists defers flushing addresses written during the pinned section
//     until unpin, batching what would otherwise be per-write fences.
//   - pfree deduplicates addresses already scheduled for deferred free in
//     the current pin, since a single persistent operation can observe and
//     want to free the same stale pointer more than once while helping.
//
// A Local is looked up by tid so a goroutine that disappears mid-operation
// (crash, panic) leaves a record another goroutine can reattach to and
// finish persisting on its behalf; see Collector.OldGuard.
type Local struct {
	tid       int
	collector *Collector

	epoch epochState

	guardCount  int
	handleCount int
	pinCount    uint64

	bag *bag

	persists []persistRange
	pfree    map[uint64]struct{}

	isRepinning atomic.Bool
	active      atomic.Bool
}

type persistRange struct {
	addr uintptr
	len  uintptr
}

func newLocal(tid int, c *Collector) *Local {
	l := &Local{
		tid:         tid,
		collector:   c,
		bag:         &bag{},
		pfree:       make(map[uint64]struct{}),
		handleCount: 1,
	}
	l.active.Store(true)
	return l
}

// pin increments the guard count, pinning the participant at the current
// global epoch on the first (non-reentrant) pin, and returns a Guard. Every
// pinningsBetweenCollect-th pin also drives a round of global collection,
// matching crossbeam's amortized collect-on-pin behavior.
func (l *Local) pin() *Guard {
	guardCount := l.guardCount
	l.guardCount++

	if guardCount == 0 {
		globalEpoch := l.collector.global.epoch.V.Load()
		l.epoch.setPinned(globalEpoch)

		l.pinCount++
		if l.pinCount%pinningsBetweenCollect == 0 {
			g := &Guard{local: l}
			l.collector.global.collect(g)
		}
	}

	return &Guard{local: l}
}

func (l *Local) isPinned() bool {
	_, pinned := l.epoch.snapshot()
	return pinned
}

// unpin decrements the guard count; on the last matching unpin it flushes
// any buffered persists, clears the per-pin free-dedup set, and marks the
// participant unpinned. If no handle is outstanding either, the Local
// finalizes itself.
func (l *Local) unpin() {
	l.guardCount--
	if l.guardCount != 0 {
		return
	}

	l.flushPersists()
	for k := range l.pfree {
		delete(l.pfree, k)
	}

	epoch, _ := l.epoch.snapshot()
	l.epoch.setUnpinned(epoch)

	if l.handleCount == 0 {
		l.finalize()
	}
}

// repin re-pins the participant at the (possibly advanced) current global
// epoch without changing the guard count, flushing buffered persists first
// if the epoch actually moved. isRepinning brackets the flush and the epoch
// store so Collector.OldGuard can tell that a repin was cut short.
//
// Per spec §4.5, this only ever applies when guardCount == 1: a Local with
// more than one outstanding nested Guard is still vouching for whatever an
// outer Guard observed at its own pin's epoch, and advancing the recorded
// pinned epoch out from under it would let tryAdvance/collect treat this
// participant as caught-up and reclaim a bag the outer Guard may still be
// reading, breaking the two-epoch-lag safety invariant.
func (l *Local) repin() {
	if l.guardCount != 1 {
		return
	}

	epoch, pinned := l.epoch.snapshot()
	if !pinned {
		return
	}
	globalEpoch := l.collector.global.epoch.V.Load()
	if epoch == globalEpoch {
		return
	}

	l.isRepinning.Store(true)
	l.flushPersists()
	l.epoch.setPinned(globalEpoch)
	l.isRepinning.Store(false)
}

func (l *Local) flushPersists() {
	for _, r := range l.persists {
		pmem.Persist(unsafe.Pointer(r.addr), r.len)
		pmem.Sfence()
	}
	l.persists = l.persists[:0]
}

// pushPersist defers flushing [addr, addr+n) until this pin's unpin/repin,
// so a thread that writes the same cache line several times while helping
// other threads' operations only pays one flush for it.
func (l *Local) pushPersist(addr uintptr, n uintptr) {
	l.persists = append(l.persists, persistRange{addr: addr, len: n})
}

// pushPfree records key as already scheduled for deferred reclamation this
// pin. isExistPfree reports whether it was already recorded.
func (l *Local) pushPfree(key uint64) { l.pfree[key] = struct{}{} }

func (l *Local) isExistPfree(key uint64) bool {
	_, ok := l.pfree[key]
	return ok
}

func (l *Local) acquireHandle() { l.handleCount++ }

func (l *Local) releaseHandle() {
	l.handleCount--
	if l.handleCount == 0 && l.guardCount == 0 {
		l.finalize()
	}
}

// finalize seals whatever garbage the participant still held and removes it
// from the global registry. It is only ever called with guardCount at zero,
// so there is no pin left to attribute the seal's epoch to; the bag is
// stamped with the current global epoch, same as an ordinary unpin-time
// seal would be.
func (l *Local) finalize() {
	if !l.bag.isEmpty() {
		sealed := l.bag
		l.bag = &bag{}
		epoch := l.collector.global.epoch.V.Load()
		l.collector.global.queueMu.Lock()
		l.collector.global.queue = append(l.collector.global.queue, &sealedBag{epoch: epoch, bag: sealed})
		l.collector.global.queueMu.Unlock()
	}
	l.active.Store(false)
}

// resetCount restores a reattached Local's bookkeeping to the state a
// freshly-registered participant would have: one handle reference, no
// pins, and a clean is_repinning flag. Collector.OldGuard calls this after
// pinning a pre-crash Local so the returned LocalHandle behaves exactly
// like one returned by Register.
func (l *Local) resetCount() {
	l.handleCount = 1
	l.guardCount = 0
	l.pinCount = 1
	l.isRepinning.Store(false)
}

// setGuardCount forces the guard count, used by OldGuard to make the
// inherited pin from pinning a pre-crash Local visible as exactly one
// outstanding Guard to the recovered thread.
func (l *Local) setGuardCount(n int) { l.guardCount = n }

func (l *Local) repinningInProgress() bool { return l.isRepinning.Load() }

