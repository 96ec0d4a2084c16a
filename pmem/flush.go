// Package pmem wraps the go-pmem runtime's persistent-memory intrinsics
// (cache-line flush, store/load fence, persistent allocation) behind the
// small surface the rest of this module needs. It does not talk to a pool
// file or an allocator itself; like the go-pmem runtime it wraps, it assumes
// a single mapped region is already live for the process.
package pmem

import (
	"reflect"
	"runtime"
	"unsafe"
)

// CacheLine is the flush granularity assumed throughout the kernel.
const CacheLine = 64

// Persist flushes the cache lines covering [addr, addr+n) without issuing a
// following fence. It is idempotent: flushing an already-clean line is safe.
func Persist(addr unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	runtime.FlushRange(addr, n)
}

// PersistFence flushes [addr, addr+n) and then issues a store fence, the
// combined operation the go-pmem runtime exposes as a single call.
func PersistFence(addr unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	runtime.PersistRange(addr, n)
}

// Sfence issues a store fence: prior persisted stores become visible to
// other threads' subsequent loads before any store after the fence.
//
// The go-pmem runtime exposes a single combined fence intrinsic rather than
// separate store/load fences; Sfence and Lfence both compile to it. Call
// sites still spell out which ordering they rely on so the distinction
// survives in a reader's head even though the generated code is identical.
func Sfence() {
	runtime.Fence()
}

// Lfence issues a load fence: a timestamp read before Lfence is guaranteed
// to be strictly less than one read by the same thread after it.
func Lfence() {
	runtime.Fence()
}

// PNew allocates a zeroed T in the persistent heap and flushes+fences it
// once before returning, mirroring the teacher's use of reflect.PNew/pnew
// for type-directed persistent allocation.
func PNew[T any]() *T {
	var zero T
	rv := reflect.PNew(reflect.TypeOf(zero))
	p := (*T)(unsafe.Pointer(rv.Pointer()))
	PersistFence(unsafe.Pointer(p), unsafe.Sizeof(zero))
	return p
}

// PMakeBytes allocates a zeroed persistent byte slice of the given length.
func PMakeBytes(n int) []byte {
	rv := reflect.PMakeSlice(reflect.TypeOf([]byte(nil)), n, n)
	b := rv.Interface().([]byte)
	if n > 0 {
		PersistFence(unsafe.Pointer(&b[0]), uintptr(n))
	}
	return b
}
