package pmem

import "sync/atomic"

// padShift leaves enough room after a uint64 to fill one cache line.
const padShift = CacheLine - 8

// PaddedUint64 is a cache-line padded atomic counter, the Go analogue of
// crossbeam_utils::CachePadded<AtomicU64> used throughout the checkpoint
// grid and the global epoch so independent counters for different thread
// ids never share a line.
type PaddedUint64 struct {
	V   atomic.Uint64
	_   [padShift]byte
}
