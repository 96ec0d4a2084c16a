package epoch

import (
	"sync"

	"github.com/kaist-cp/go-memento/pmem"
	"github.com/kaist-cp/go-memento/plog"
)

// collectSteps bounds how many sealed bags a single collect() call will
// attempt to reclaim, so a thread that stumbles into collection duty on a
// long backlog still returns in bounded time.
const collectSteps = 8

// Global is the state shared by every participant registered with one
// Collector: the current epoch and the FIFO of bags sealed by threads that
// have since moved on.
//
// crossbeam-epoch keeps its participant list as a lock-free intrusive list
// so registration never blocks a concurrent collect. This port uses a plain
// mutex-guarded slice instead: Local entries are registered once per
// goroutine and rarely torn down mid-traversal, so the lock-free list's
// Stalled-retry protocol buys nothing here that a short critical section
// doesn't already give for free. See DESIGN.md.
type Global struct {
	// epoch is cache-padded so the hottest field in the collector (read on
	// every pin, CAS'd on every advance) never shares a line with the
	// queue/locals mutexes next to it, mirroring crossbeam's
	// CachePadded<AtomicEpoch>.
	epoch pmem.PaddedUint64

	queueMu sync.Mutex
	queue   []*sealedBag

	localsMu sync.Mutex
	locals   []*Local
}

// NewGlobal returns a Global at epoch 0 with no registered participants and
// no queued garbage.
func NewGlobal() *Global {
	return &Global{}
}

// pushBag seals bag and appends it to the queue, stamped with the epoch the
// sealing guard observed. It also opportunistically tries to advance the
// global epoch, matching crossbeam's push_bag.
func (g *Global) pushBag(b *bag, guard *Guard) {
	epoch := g.epoch.V.Load()
	// A store-fence pairing here (persist-then-fence before publishing the
	// sealed epoch) matters for reclamation correctness under a crash:
	// a bag must never be collected before every address it frees has
	// itself been durably unlinked by its own operation. That ordering is
	// the responsibility of the code that deferred the reclamation (it
	// must flush the unlink before calling Guard.Defer); Global only needs
	// the ordinary memory-ordering guarantee sync.Mutex already gives it.
	g.queueMu.Lock()
	g.queue = append(g.queue, &sealedBag{epoch: epoch, bag: b})
	g.queueMu.Unlock()

	g.collect(guard)
}

// collect reclaims up to collectSteps expired bags from the front of the
// queue, advancing the epoch first if every pinned participant has caught
// up.
func (g *Global) collect(guard *Guard) {
	g.tryAdvance(guard)

	globalEpoch := g.epoch.V.Load()

	for steps := 0; steps < collectSteps; steps++ {
		g.queueMu.Lock()
		if len(g.queue) == 0 {
			g.queueMu.Unlock()
			break
		}
		sb := g.queue[0]
		if !sb.isExpired(globalEpoch) {
			g.queueMu.Unlock()
			break
		}
		g.queue = g.queue[1:]
		g.queueMu.Unlock()

		sb.bag.run()
	}
}

// tryAdvance scans every registered participant; if none is pinned at an
// epoch older than the current one, it advances the global epoch by one and
// returns the new value. It never blocks, and simply declines to advance
// when some participant is lagging, the same non-blocking contract
// try_advance offers its caller.
func (g *Global) tryAdvance(guard *Guard) uint64 {
	globalEpoch := g.epoch.V.Load()

	g.localsMu.Lock()
	for _, l := range g.locals {
		if !l.active.Load() {
			continue
		}
		// A pinned participant whose epoch lags the global one blocks
		// the advance; one that has since caught up, or is unpinned,
		// does not.
		if e, pinned := l.epoch.snapshot(); pinned && e != globalEpoch {
			g.localsMu.Unlock()
			plog.Debugf("epoch: advance blocked by lagging participant at epoch %d", e)
			return globalEpoch
		}
	}
	g.localsMu.Unlock()

	newEpoch := globalEpoch + 1
	if g.epoch.V.CompareAndSwap(globalEpoch, newEpoch) {
		return newEpoch
	}
	return g.epoch.V.Load()
}

func (g *Global) registerLocal(l *Local) {
	g.localsMu.Lock()
	g.locals = append(g.locals, l)
	g.localsMu.Unlock()
}

// findLocal returns an already-registered, currently-active Local for tid,
// if one exists. Callers use this to reattach a goroutine to state left
// behind by a thread that crashed mid-operation without releasing its
// handle, the @old_guard recovery path.
func (g *Global) findLocal(tid int) *Local {
	g.localsMu.Lock()
	defer g.localsMu.Unlock()
	for _, l := range g.locals {
		if l.active.Load() && l.tid == tid {
			return l
		}
	}
	return nil
}
