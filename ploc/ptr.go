// Package ploc implements the persistent lock-free object primitives of
// spec §4.3/§4.4: a detectable CAS atomic (DCas) and the single-owner
// insert/delete atomic (SMOAtomic) that conflicting threads use to link and
// unlink nodes, both built over a tagged pointer representation that packs
// a helper's thread id and an alternating disambiguation bit into the spare
// high bits of an ordinary 64-bit address.
//
// This module has no allocator or pool-addressing scheme of its own; spec
// §1 treats the persistent heap as an external dependency, and go-pmem's
// runtime already returns ordinary, non-moving Go pointers for persistent
// allocations. Ptr therefore tags real pointer values directly rather than
// reimplementing pool-relative offsets, which is what the original's
// PAtomic/PShared pair do for an address space the Rust allocator controls
// more explicitly than go-pmem exposes to callers.
package ploc

import (
	"sync/atomic"
	"unsafe"
)

const (
	tidBits  = 9 // matches pool.MaxThreads+1
	tidShift = 54
	tidMask  = uint64(1)<<tidBits - 1
	auxBit   = uint64(1) << 63
	addrMask = uint64(1)<<tidShift - 1
)

// Ptr is a tagged pointer to an N: the low 54 bits are an address, the next
// 9 bits a thread id (0 meaning "no thread attached"), and the top bit an
// alternating disambiguation flag used by detectable CAS to tell a thread's
// current attempt from its previous one.
type Ptr[N any] uint64

// Null is the zero value of Ptr[N]: no address, no tid, aux bit clear.
func Null[N any]() Ptr[N] { return 0 }

// FromGo tags a live Go pointer as a Ptr with no tid and aux bit clear.
func FromGo[N any](p *N) Ptr[N] {
	return Ptr[N](uint64(uintptr(unsafe.Pointer(p))) & addrMask)
}

// IsNull reports whether p carries no address.
func (p Ptr[N]) IsNull() bool { return uint64(p)&addrMask == 0 }

// Deref recovers the pointee. If p is null it returns nil, and using that
// result panics like any nil-pointer dereference.
func (p Ptr[N]) Deref() *N {
	addr := uintptr(uint64(p) & addrMask)
	return (*N)(unsafe.Pointer(addr))
}

// Tid extracts the attached thread id, or 0 if none is attached.
func (p Ptr[N]) Tid() int {
	return int(uint64(p) >> tidShift & tidMask)
}

// WithTid returns a copy of p with its thread id field set to tid.
func (p Ptr[N]) WithTid(tid int) Ptr[N] {
	cleared := uint64(p) &^ (tidMask << tidShift)
	return Ptr[N](cleared | uint64(tid)&tidMask<<tidShift)
}

// AuxBit reports the state of the disambiguation bit.
func (p Ptr[N]) AuxBit() bool { return uint64(p)&auxBit != 0 }

// WithAuxBit returns a copy of p with the disambiguation bit set to bit.
func (p Ptr[N]) WithAuxBit(bit bool) Ptr[N] {
	if bit {
		return Ptr[N](uint64(p) | auxBit)
	}
	return Ptr[N](uint64(p) &^ auxBit)
}

// AtomicPtr is an atomic Ptr[N], the tagged-pointer analogue of a Rust
// Atomic<PShared<N>>.
type AtomicPtr[N any] struct {
	v atomic.Uint64
}

func (a *AtomicPtr[N]) Load() Ptr[N] { return Ptr[N](a.v.Load()) }

func (a *AtomicPtr[N]) Store(p Ptr[N]) { a.v.Store(uint64(p)) }

// CompareAndSwap performs a single, non-looping compare-and-swap, mirroring
// Rust's compare_exchange: callers that want a retry loop build it
// themselves, since detectable CAS needs to interleave helping-load logic
// between attempts rather than spinning blindly.
func (a *AtomicPtr[N]) CompareAndSwap(old, new Ptr[N]) (actual Ptr[N], ok bool) {
	if a.v.CompareAndSwap(uint64(old), uint64(new)) {
		return new, true
	}
	return Ptr[N](a.v.Load()), false
}
