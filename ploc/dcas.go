package ploc

import (
	"unsafe"

	"github.com/kaist-cp/go-memento/plog"
	"github.com/kaist-cp/go-memento/pmem"
	"github.com/kaist-cp/go-memento/pool"
)

// Sentinel checkpoint values a Cas memento's checkpoint field never takes on
// as a real (bit, timestamp) encoding, since pclock.Now() is normalized to
// start above 1 for every pool (pool.Open/Reopen establish TimestampInit
// accordingly) and bit 63 of a real encoding is the aux bit, not part of the
// timestamp.
const (
	notChecked uint64 = 0
	failed     uint64 = 1

	// patience bounds, in PClock ticks, how long load_help spins on a
	// tagged pointer before deciding to help rather than keep waiting; see
	// spec §4.3's helping-load. The original measures this in rdtscp
	// cycles (~40000); this port's PClock is nanosecond-resolution, so the
	// same constant reads as a ~40 microsecond patience window instead of
	// a cycle count — short enough that a live writer almost never gets
	// helped, long enough that a crashed one reliably does.
	patience uint64 = 40000
)

// composeAux packs a disambiguation bit and a timestamp into the single
// u64 a Cas memento persists, matching spec §6's table:
// (aux_bit in bit 63) | (timestamp in bits 0..62).
func composeAux(bit int, ts uint64) uint64 {
	v := ts &^ (uint64(1) << 63)
	if bit != 0 {
		v |= uint64(1) << 63
	}
	return v
}

func decomposeAux(v uint64) (bit int, ts uint64) {
	if v&(uint64(1)<<63) != 0 {
		bit = 1
	}
	ts = v &^ (uint64(1) << 63)
	return
}

// DirtyPrevious is the per-thread state a detectable CAS's "dirty previous"
// step needs: a place to remember the memento of this thread's immediately
// preceding CAS attempt, so that attempt's eventual recovery can be told it
// failed without a second hardware CAS on its original location.
// *handle.Handle implements this.
type DirtyPrevious interface {
	Tid() int
	LastFailedCas() *uint64
	SetLastFailedCas(*uint64)
}

// DCas is a detectable CAS atomic over Ptr[N]: spec §4.3's primitive that
// lets a helper distinguish "this attempt's CAS has not run yet", "this
// attempt's CAS ran and failed", and "this attempt's CAS ran and
// succeeded", even if the thread that issued it crashed immediately after
// and a different thread is now replaying on its behalf.
type DCas[N any] struct {
	inner AtomicPtr[N]
}

// NewDCas returns a DCas initialized to init.
func NewDCas[N any](init Ptr[N]) *DCas[N] {
	d := &DCas[N]{}
	d.inner.Store(init)
	return d
}

func stripTag[N any](p Ptr[N]) Ptr[N] { return p.WithTid(0).WithAuxBit(false) }

// Load returns the current value, helping complete any in-flight CAS it
// observes along the way; ordinary readers never see a tagged pointer.
func (d *DCas[N]) Load(p *pool.Pool) Ptr[N] {
	return stripTag(loadHelp(&d.inner, d.inner.Load(), p))
}

// Cas performs (rec == false) or replays the outcome of (rec == true) a
// detectable compare-and-swap from old to new on behalf of h, using the
// pool's checkpoint grid to make the attempt safe to resume after a crash.
// mmt is the memento that must be Reset once per new logical operation and
// never reused across two different logical CASes.
func (d *DCas[N]) Cas(old, new Ptr[N], mmt *Cas[N], h DirtyPrevious, p *pool.Pool, rec bool) (Ptr[N], bool) {
	return mmt.run(&d.inner, old, new, h, p, rec)
}

// loadHelp is the helping-load of spec §4.3: it walks past a tagged
// pointer left behind by a writer that may have crashed, either by
// observing the location go clean on its own or, once PATIENCE ticks have
// passed with no progress, by completing the writer's checkpoint and
// clearing its tid itself.
func loadHelp[N any](slot *AtomicPtr[N], old Ptr[N], p *pool.Pool) Ptr[N] {
	cas := p.Cas()

outer:
	for {
		if old.Tid() == 0 {
			return old
		}

		start := p.Now()
		pmem.Lfence()

		for {
			cur := slot.Load()
			if cur.Tid() == 0 {
				return cur
			}
			if cur != old {
				old = cur
				continue outer
			}
			if p.Now() > start+patience {
				break
			}
		}

		chk := start + cas.PrevMaxCheckpoint.Load()
		winnerTid := old.Tid()
		winnerBit := 0
		if old.AuxBit() {
			winnerBit = 1
		}
		pchkSlot := &cas.PCheckpoint[winnerBit][winnerTid]

		pchk := pchkSlot.V.Load()
		if chk <= pchk {
			// Someone may already have helped this attempt; reload and
			// see whether it's our turn to look again.
			old = slot.Load()
			continue
		}

		// Persist the tagged pointer before publishing our help-checkpoint,
		// so a crash between the two leaves the pointer durable either way.
		pmem.Persist(unsafe.Pointer(&slot.v), unsafe.Sizeof(slot.v))

		if !pchkSlot.V.CompareAndSwap(pchk, chk) {
			old = slot.Load()
			continue
		}
		pmem.Persist(unsafe.Pointer(pchkSlot), unsafe.Sizeof(*pchkSlot))

		if actual, ok := slot.CompareAndSwap(old, old.WithTid(0)); ok {
			plog.Debugf("ploc: helped clear stale tid %d after patience timeout", winnerTid)
			return actual
		}
		old = slot.Load()
	}
}

// Cas is the per-attempt memento for a detectable CAS: the record a caller
// must keep across a crash so the attempt can be resumed exactly once,
// never replayed as a second, independent CAS.
type Cas[N any] struct {
	checkpoint uint64
}

// Reset clears the memento to a fresh, not-yet-attempted state. Call this
// once per new logical operation; never call it to retry a CAS that may
// already have run, or detectability is lost.
func (c *Cas[N]) Reset() {
	c.checkpoint = notChecked
	pmem.Persist(unsafe.Pointer(&c.checkpoint), unsafe.Sizeof(c.checkpoint))
}

// run is shared by DCas.Cas and the single-owner insert/delete mementos in
// smo.go, which drive the same protocol against a different AtomicPtr[N]
// (an SMOAtomic's own slot, or a node's tid_next).
func (c *Cas[N]) run(slot *AtomicPtr[N], old, new Ptr[N], h DirtyPrevious, p *pool.Pool, rec bool) (Ptr[N], bool) {
	if rec {
		return c.recover(slot, new, h, p)
	}

	// Dirty-previous handling: if this thread's last CAS failed and left
	// its memento unresolved, mark it FAILED now so its own recovery never
	// has to touch the (possibly long since reused) original location.
	if last := h.LastFailedCas(); last != nil {
		if last != &c.checkpoint {
			*last = failed
			pmem.PersistFence(unsafe.Pointer(last), unsafe.Sizeof(*last))
		}
		h.SetLastFailedCas(nil)
	}

	tid := h.Tid()
	prevChk := p.Cas().VCheckpoint[tid].V.Load()
	prevBit, _ := decomposeAux(prevChk)
	bit := 1 - prevBit
	tagged := new.WithTid(tid).WithAuxBit(bit != 0)

	for {
		actual, ok := slot.CompareAndSwap(old, tagged)
		if !ok {
			cur := loadHelp(slot, actual, p)
			if cur == old {
				// The failure was spurious: a helper cleared a stale tid
				// out from under us and the value is still logically old.
				continue
			}
			h.SetLastFailedCas(&c.checkpoint)
			return cur, false
		}

		pmem.Persist(unsafe.Pointer(&slot.v), unsafe.Sizeof(slot.v))

		c.checkpointSucc(bit, tid, p)
		pmem.Lfence()

		if _, ok := slot.CompareAndSwap(tagged, new.WithTid(0)); !ok {
			pmem.Sfence()
		}
		return tagged, true
	}
}

func (c *Cas[N]) checkpointSucc(bit int, tid int, p *pool.Pool) {
	t := p.Now() + p.Cas().PrevMaxCheckpoint.Load()
	newChk := composeAux(bit, t)
	c.checkpoint = newChk
	pmem.Persist(unsafe.Pointer(&c.checkpoint), unsafe.Sizeof(c.checkpoint))
	p.Cas().VCheckpoint[tid].V.Store(newChk)
}

// recover replays the outcome of a previously-run (or previously-attempted)
// Cas memento without touching the atomic a second time, per spec §4.3's
// recovery path.
func (c *Cas[N]) recover(slot *AtomicPtr[N], new Ptr[N], h DirtyPrevious, p *pool.Pool) (Ptr[N], bool) {
	if c.checkpoint == failed {
		return loadHelp(slot, slot.Load(), p), false
	}

	tid := h.Tid()
	vchk := p.Cas().VCheckpoint[tid].V.Load()
	curBit, maxChk := decomposeAux(vchk)
	nextBit := 1 - curBit

	if c.checkpoint != notChecked {
		_, cliChk := decomposeAux(c.checkpoint)

		if cliChk > maxChk {
			p.Cas().VCheckpoint[tid].V.Store(c.checkpoint)
		}
		if cliChk >= maxChk {
			tagged := new.WithTid(tid).WithAuxBit(curBit != 0)
			slot.CompareAndSwap(tagged, new.WithTid(0))
		}
		return new, true
	}

	cur := slot.Load()
	expectFirst := new.WithTid(tid).WithAuxBit(nextBit != 0)
	if cur == expectFirst {
		c.checkpointSucc(nextBit, tid, p)
		if _, ok := slot.CompareAndSwap(cur, new.WithTid(0)); !ok {
			pmem.Sfence()
		}
		return new, true
	}

	pchk := p.Cas().PCheckpoint[nextBit][tid].V.Load()
	if maxChk >= pchk {
		// No helper ever recorded our most recent attempt; it never ran.
		return loadHelp(slot, cur, p), false
	}

	// A helper's checkpoint dominates our last known vcheckpoint, so our
	// CAS must have succeeded; the location has already moved on, only our
	// own memento needs to catch up.
	c.checkpointSucc(nextBit, tid, p)
	pmem.Sfence()
	return new, true
}
