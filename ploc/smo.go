package ploc

import (
	"errors"
	"unsafe"

	"github.com/kaist-cp/go-memento/epoch"
	"github.com/kaist-cp/go-memento/pmem"
)

// Node is anything SMOAtomic can link or unlink: it must expose an atomic
// next-pointer slot whose tid field a deleter tags with its own identity,
// the mechanism spec §4.4 uses to mark a node logically deleted without a
// separate deletion bit or tombstone. The self-referential constraint (N
// must itself satisfy Node[N]) is Go's equivalent of the original's
// recursive Node trait bound.
type Node[N any] interface {
	TidNext() *AtomicPtr[N]
}

// Acked reports whether p's node has had a deletion acknowledged against
// it: some thread id is recorded in its tid-next slot, meaning a Delete has
// marked it (whether or not the unlink has fully completed). A recovering
// Insert uses this, together with Traversable.Search, to tell "my node made
// it into the structure" apart from "it never did": a node that has since
// been deleted must still count as successfully inserted.
func Acked[N Node[N]](p Ptr[N]) bool {
	return p.Deref().TidNext().Load().Tid() != 0
}

// Traversable is the contract a container built on SMOAtomic must satisfy
// so a recovering Insert can confirm whether its node was actually linked
// in before the crash, without Insert knowing anything about the
// container's own shape. Search reports whether target is currently
// reachable from the structure's entry point.
type Traversable[N any] interface {
	Search(target Ptr[N]) bool
}

// SMOAtomic is the atomic slot a single-owner insert/delete operates on: a
// tagged pointer to the next live node, exactly like DCas's slot, but
// interpreted by Insert/Delete rather than by a bare compare-and-swap.
// "Single-owner" means each slot is written by exactly one designated
// thread's successful Insert, and unlinked by at most one successful
// Delete; concurrent helpers only ever complete an already-decided
// outcome, never originate a competing one.
type SMOAtomic[N Node[N]] struct {
	inner AtomicPtr[N]
}

// NewSMOAtomic returns an SMOAtomic initialized to init.
func NewSMOAtomic[N Node[N]](init Ptr[N]) *SMOAtomic[N] {
	s := &SMOAtomic[N]{}
	s.inner.Store(init)
	return s
}

// Load returns the current value without helping; callers that may observe
// a helper's tid left in the slot and want it resolved should use
// LoadHelping instead.
func (s *SMOAtomic[N]) Load() Ptr[N] { return s.inner.Load() }

// ErrSelfLoop is returned by LoadHelping when a chain walk finds a deleted
// node whose tid-next slot points back to the node itself. Delete.Run
// leaves such a mark only when it is called with new equal to old.
var ErrSelfLoop = errors.New("ploc: tid-next self-loop")

// LoadHelping walks past any node this slot points to that has been
// logically deleted, clearing a stale predecessor link along the way, per
// spec §4.4's chain-walk: a deleted node's tid-next field holds its own
// successor tagged with the deleter's tid, so stripping that tag gives the
// next live link directly, with no separate pointer to consult. A
// self-loop in the chain (a node whose tid-next now points back to itself)
// signals the walk has caught up to its own in-flight help and returns the
// looped node together with ErrSelfLoop, the same terminal condition the
// original's load_helping detects before it would spin forever.
func (s *SMOAtomic[N]) LoadHelping(guard *epoch.Guard) (Ptr[N], error) {
	cur := s.inner.Load()

	for {
		if cur.IsNull() {
			return cur, nil
		}
		slot := cur.Deref().TidNext()
		owner := slot.Load()
		if owner.Tid() == 0 {
			// cur is live: nothing further to help.
			return cur, nil
		}

		next := owner.WithTid(0)
		if stripTag(next) == stripTag(cur) {
			return cur, ErrSelfLoop
		}

		guard.PushPersist(uintptr(unsafe.Pointer(&s.inner)), unsafe.Sizeof(s.inner))
		if actual, ok := s.inner.CompareAndSwap(cur, next); ok {
			cur = next
		} else {
			cur = actual
		}
	}
}

// ErrInsertRecFail is returned by Insert.Run when recovery cannot confirm
// that a crashed attempt's node was ever linked in: neither Acked nor a
// fresh structural search finds it, so the operation's outcome is
// permanently unknown and must be reported as a failure rather than
// silently retried. Spec §4.4 calls this a weak failure: unlike a CAS
// failure, a RecFail verdict is a property of what recovery could prove,
// not a fact about whether the insert itself ever actually ran.
var ErrInsertRecFail = errors.New("ploc: insert could not be recovered")

// errCasFail is the ordinary, retryable failure an Insert/Delete attempt
// reports when its single hardware CAS simply lost a race; Delete.Recover
// also returns it when the replayed attempt never marked its target. A
// caller sees it as a normal "try again with a fresh memento" signal.
var errCasFail = errors.New("ploc: single-owner compare-and-swap lost")

// IsCASFail reports whether err is the ordinary failure Insert or Delete
// return, as opposed to ErrInsertRecFail, an insert recovery that could not
// be confirmed and must not be silently retried.
func IsCASFail(err error) bool { return errors.Is(err, errCasFail) }

// Insert is the memento for a single insert attempt: link node into a
// slot that starts out null. Unlike Delete, Insert carries no persisted
// state of its own — a recovering Insert never needs to distinguish "ran"
// from "ran and the node was later deleted again", since Acked/Search
// answer that directly from the structure itself.
type Insert[N Node[N]] struct{}

// Reset clears the memento for a fresh insert attempt. Insert persists
// nothing of its own, so Reset is a no-op kept for symmetry with Delete.
func (ins *Insert[N]) Reset() {}

// Run links node into s, which must be null. obj is consulted only during
// recovery, to confirm whether node made it into the structure before a
// crash interrupted this attempt.
func (ins *Insert[N]) Run(s *SMOAtomic[N], node Ptr[N], obj Traversable[N], rec bool) error {
	if !rec {
		_, ok := s.inner.CompareAndSwap(Null[N](), node)
		pmem.Persist(unsafe.Pointer(&s.inner.v), unsafe.Sizeof(s.inner.v))
		if !ok {
			return errCasFail
		}
		return nil
	}

	// Bracket the structural search with an Acked check on both sides: a
	// concurrent delete can mark node in the gap between the two checks,
	// and a node deleted mid-search may no longer be reachable by the time
	// Search returns, even though the original insert plainly succeeded.
	if Acked(node) || obj.Search(node) || Acked(node) {
		return nil
	}
	return ErrInsertRecFail
}

// Delete is the memento for a single delete attempt: mark target's
// tid-next slot with (the deleter's tid, target's intended successor),
// embedding the deleter's identity into the victim node itself rather than
// a separate tombstone, then swing s past target and defer target's
// reclamation.
//
// targetLoc is the one field Delete must persist: without it, a crash
// between marking target and swinging s would leave recovery unable to
// find which node this attempt was deleting, since the owning tid alone
// does not say where to look. It needs no detectable-CAS machinery of its
// own — exactly one thread ever writes a given Delete's targetLoc, so a
// plain store-then-persist is enough for recovery to read it back.
type Delete[N Node[N]] struct {
	targetLoc AtomicPtr[N]
}

// Reset clears the memento for a fresh delete attempt.
func (del *Delete[N]) Reset() {
	del.targetLoc.Store(Null[N]())
	pmem.PersistFence(unsafe.Pointer(&del.targetLoc.v), unsafe.Sizeof(del.targetLoc.v))
}

// Run deletes old from s, replacing it with new (typically old's
// successor), as tid. destroy is invoked, via guard's deferred
// reclamation, once old is no longer reachable by any pinned reader.
func (del *Delete[N]) Run(s *SMOAtomic[N], old, new Ptr[N], tid int, guard *epoch.Guard, destroy func(Ptr[N])) error {
	del.targetLoc.Store(old)
	pmem.Persist(unsafe.Pointer(&del.targetLoc.v), unsafe.Sizeof(del.targetLoc.v))

	slot := old.Deref().TidNext()
	tagged := new.WithTid(tid)
	if _, ok := slot.CompareAndSwap(Null[N](), tagged); !ok {
		return errCasFail
	}
	pmem.Persist(unsafe.Pointer(&slot.v), unsafe.Sizeof(slot.v))

	// Benign either way: if a helper's LoadHelping already swung s past
	// old, this CAS simply fails and that's fine — the logical delete has
	// still happened, and the swing is only ever an optimization for
	// readers, since the live successor is already recoverable from
	// old's own tagged tid-next field.
	s.inner.CompareAndSwap(old, new)

	// Deferred, not immediate: the next accessor to actually depend on
	// this persisting is whichever Insert eventually reuses this slot,
	// and that Insert always persists its own CAS before returning.
	guard.PushPersist(uintptr(unsafe.Pointer(&s.inner)), unsafe.Sizeof(s.inner))
	guard.DeferKeyed(func() { destroy(old) }, uint64(uintptr(unsafe.Pointer(old.Deref()))))
	return nil
}

// Recover replays the outcome of a delete attempt that may have crashed
// mid-flight, without re-deriving old/new (which a crashed caller may no
// longer remember): it trusts its own persisted targetLoc instead. It
// never redoes the predecessor swing — if no helper has performed it yet,
// one eventually will, via LoadHelping's chain walk, since the live
// successor is recoverable from the marked node's own tid-next field.
func (del *Delete[N]) Recover(tid int, guard *epoch.Guard, destroy func(Ptr[N])) error {
	old := del.targetLoc.Load()
	if old.IsNull() {
		return errCasFail
	}
	owner := old.Deref().TidNext().Load()
	if owner.Tid() != tid {
		// No delete by this thread ever marked the node, so this
		// attempt never ran; nothing to recover.
		return errCasFail
	}

	guard.DeferKeyed(func() { destroy(old) }, uint64(uintptr(unsafe.Pointer(old.Deref()))))
	return nil
}
