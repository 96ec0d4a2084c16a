// Package pool owns the per-run state that every detectable primitive in
// this module needs to find again after a crash: the persistent root header
// (validated the way the teacher validates undoTxHeader's MAGIC), the
// detectable-CAS checkpoint grid, and the timestamp normalization that keeps
// a PClock reading from ever colliding with one observed in a previous run.
package pool

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/kaist-cp/go-memento/pclock"
	"github.com/kaist-cp/go-memento/pmem"
)

// MaxThreads bounds the checkpoint grid; thread id 0 is reserved (unused by
// any live participant) the same way NR_MAX_THREADS=511 leaves tid 0 free.
const MaxThreads = 511

const magic uint64 = 0x676f2d6d656d656e // "go-memen"

// CasInfo is the detectable-CAS checkpoint grid described in spec §4.3: one
// volatile checkpoint per thread, two persisted help-checkpoints per thread
// (one per cas_bit), plus the bookkeeping needed to tell a thread's last two
// attempts apart across a crash.
type CasInfo struct {
	// VCheckpoint is genuinely volatile state (spec §3): it does not
	// survive a crash and is never reconstructed from PCheckpoint, which
	// records what a *helper* observed, not a thread's own last
	// successful checkpoint — those two can legitimately disagree (a
	// thread's most recent successful CAS may never have been helped by
	// anyone). The original rebuilds it via Collectable::filter scanning
	// each thread's own last-persisted Cas<N>.checkpoint
	// (detectable_cas.rs:373-383); this port has no registry of live Cas
	// mementos to scan at Reopen time, so the same reseeding happens
	// lazily, one thread at a time, the first time that thread's own
	// succeeded memento is replayed: see Cas.recover in ploc/dcas.go,
	// which writes VCheckpoint[tid] from the memento's own checkpoint
	// field. recover() below only zeroes this array; it must never seed
	// it from PCheckpoint.
	VCheckpoint [MaxThreads + 1]pmem.PaddedUint64

	// PCheckpoint[bit][tid] is the latest help-checkpoint a helper recorded
	// for thread tid's attempt tagged with cas_bit bit (see loadHelp in
	// ploc/dcas.go); 0 means never helped.
	PCheckpoint [2][MaxThreads + 1]pmem.PaddedUint64

	// PrevMaxCheckpoint is the high-water mark of all checkpoint values
	// observed in the previous run, used to keep fresh checkpoints from
	// ever being mistaken for ones written before the crash.
	PrevMaxCheckpoint atomic.Uint64

	// TimestampInit is subtracted from every raw PClock reading taken
	// through Pool.Now, so each run's readings start near zero; adding
	// PrevMaxCheckpoint is what puts this run's checkpoints after the last
	// run's.
	TimestampInit uint64
}

// recover rebuilds the volatile half of the checkpoint grid after a crash:
// PrevMaxCheckpoint from whatever the persisted grid shows, and a clean
// (zeroed) VCheckpoint, since that array is volatile state nothing durable
// feeds it — see the field comment above for who reseeds it and when.
func (c *CasInfo) recover() {
	var max uint64
	for i := range c.PCheckpoint[0] {
		for b := 0; b < 2; b++ {
			if v := c.PCheckpoint[b][i].V.Load(); v > max {
				max = v
			}
		}
		c.VCheckpoint[i].V.Store(0)
	}
	c.PrevMaxCheckpoint.Store(max)
}

// header is the persistent root, analogous to undoTxHeader: a magic number
// checked on every reopen, plus whatever state must outlive the process.
type header struct {
	magic   uint64
	cas     CasInfo
	chkTime atomic.Uint64
}

// Pool is a single mapped persistent region together with the volatile state
// rebuilt from it on every run. It intentionally knows nothing about how the
// region is obtained (file-backed mmap, go-pmem's pool open/create, etc.);
// that is the go-pmem runtime's job, left out of scope the same way the
// original treats its PM allocator as a given.
type Pool struct {
	hdr *header
}

// Open initializes a brand-new pool region: zeroes the header, writes the
// magic, snapshots the physical clock into TimestampInit (spec §3: "records
// the clock value when the pool was opened"), and persists the header, the
// same ordering undoTx uses for txHeaderPtr.
func Open() *Pool {
	h := pmem.PNew[header]()
	h.magic = magic
	h.cas.TimestampInit = pclock.Now()
	pmem.PersistFence(unsafe.Pointer(&h.magic), 8)
	return &Pool{hdr: h}
}

// Reopen attaches to an existing header left behind by a previous run. It
// panics on a magic mismatch exactly where undoTx.go calls log.Fatal: a
// corrupt or foreign region is a programmer/deployment error, not a
// recoverable condition any caller could usefully handle.
//
// Reopen re-snapshots TimestampInit the same as Open: every run gets its
// own offset so Now() starts near zero each time, while PrevMaxCheckpoint
// (recovered below) is what keeps this run's checkpoint timestamps
// dominating whatever the previous run persisted.
func Reopen(h *header) *Pool {
	if h.magic != magic {
		panic(fmt.Sprintf("pool: bad header magic %x, region is not a go-memento pool", h.magic))
	}
	p := &Pool{hdr: h}
	p.hdr.cas.recover()
	p.hdr.cas.TimestampInit = pclock.Now()
	return p
}

// Cas exposes the detectable-CAS checkpoint grid to the ploc package.
func (p *Pool) Cas() *CasInfo { return &p.hdr.cas }

// Now returns a PClock reading normalized against this pool's TimestampInit.
// The result starts near zero each run; detectable CAS adds
// PrevMaxCheckpoint to it so its checkpoints dominate the previous run's.
func (p *Pool) Now() pclock.Timestamp {
	return pclock.Now() - p.hdr.cas.TimestampInit
}

// ChkMaxTime returns the header's chk_max_time field, the slot for
// Collectable::filter's chk_max_time bookkeeping in the original. Nothing in
// this module writes or reads it: checkpoint.Cell does not update it.
func (p *Pool) ChkMaxTime() *atomic.Uint64 { return &p.hdr.chkTime }
