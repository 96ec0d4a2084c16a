package epoch

// maxObjects bounds how many deferred reclamations a single bag holds
// before it must be sealed and handed to the global queue, mirroring
// crossbeam's MAX_OBJECTS.
const maxObjects = 40

// Deferred is a closure queued for execution once no guard in the system
// could still be observing the memory it frees. Key is an optional
// deduplication key: when non-nil, a Local's pfree set remembers it for the
// rest of the current pin so a second helper freeing the same logical
// object does not also enqueue its destructor.
type Deferred struct {
	Fn  func()
	Key *uint64
}

// bag is a fixed-capacity buffer of deferred reclamations. It is not safe
// for concurrent use; only the Local that owns it ever touches its
// unsealed form.
type bag struct {
	deferred [maxObjects]Deferred
	len      int
}

func (b *bag) tryPush(d Deferred) bool {
	if b.len == maxObjects {
		return false
	}
	b.deferred[b.len] = d
	b.len++
	return true
}

func (b *bag) isEmpty() bool { return b.len == 0 }

// run executes and clears every deferred closure in the bag. Each one runs
// isolated behind its own recover so a single panicking reclamation cannot
// leak the rest of the bag, the same isolation crossbeam's Bag::drop gets by
// replacing each slot with a no-op before calling it.
func (b *bag) run() {
	for i := 0; i < b.len; i++ {
		d := b.deferred[i]
		b.deferred[i] = Deferred{}
		if d.Fn == nil {
			continue
		}
		runIsolated(d.Fn)
	}
	b.len = 0
}

func runIsolated(d func()) {
	defer func() { recover() }()
	d()
}

// sealedBag is a bag that can no longer accept pushes, stamped with the
// epoch in effect when it was queued so the collector knows when every
// guard that could have observed its contents has necessarily moved on.
type sealedBag struct {
	epoch uint64
	bag   *bag
}

// isExpired reports whether a sealed bag is at least two epochs behind the
// current global epoch, the two-epoch lag crossbeam-epoch relies on for
// safety: any guard pinned when the bag was sealed has long since unpinned.
func (s *sealedBag) isExpired(globalEpoch uint64) bool {
	return globalEpoch-s.epoch >= 2
}
