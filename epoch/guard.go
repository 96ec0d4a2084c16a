package epoch

// Guard witnesses that its owning goroutine is pinned: for as long as it is
// held, no garbage sealed into the global queue after the guard's epoch can
// be reclaimed. A Guard must never outlive the pin that produced it; it
// carries no reference count of its own; Local.guardCount is.
type Guard struct {
	local *Local
}

// Defer queues fn to run once every guard that could have observed the
// memory it touches has unpinned. If the local bag is full, it is sealed
// and handed to the global queue first (which also drives a round of
// collection), exactly as crossbeam-epoch's defer_unchecked does.
func (g *Guard) Defer(fn func()) {
	g.defer_(Deferred{Fn: fn})
}

// DeferKeyed is Defer plus a dedup key: if key was already recorded for the
// current pin (by an earlier DeferKeyed call with the same key, from this
// thread or one it helped), the closure is skipped instead of queued again.
// Detectable delete uses this so two threads that both observe the same
// logically-deleted node don't each queue its destructor.
func (g *Guard) DeferKeyed(fn func(), key uint64) {
	if g.local.isExistPfree(key) {
		return
	}
	g.local.pushPfree(key)
	k := key
	g.defer_(Deferred{Fn: fn, Key: &k})
}

func (g *Guard) defer_(d Deferred) {
	if g.local.bag.tryPush(d) {
		return
	}
	g.Flush()
	if !g.local.bag.tryPush(d) {
		// A single Deferred can never fail to fit in a fresh, empty bag;
		// reaching here means maxObjects is zero, which is a
		// misconfiguration, not a runtime condition to recover from.
		panic("epoch: deferred closure does not fit in an empty bag")
	}
}

// Flush seals the local bag (if non-empty) into the global queue and swaps
// in a fresh one, then drives a round of collection.
func (g *Guard) Flush() {
	if g.local.bag.isEmpty() {
		return
	}
	sealed := g.local.bag
	g.local.bag = &bag{}
	g.local.collector.global.pushBag(sealed, g)
}

// Repin re-pins the guard's participant at the current global epoch without
// releasing it, useful for a long-lived loop that wants to let the epoch
// advance between iterations without fully unpinning.
func (g *Guard) Repin() { g.local.repin() }

// PushPersist defers flushing [addr, addr+n) until the current pin's
// unpin/repin. Detectable primitives call this instead of pmem.PersistFence
// directly while helping another thread's operation, so repeatedly-touched
// cache lines are flushed once per pin instead of once per write.
func (g *Guard) PushPersist(addr uintptr, n uintptr) { g.local.pushPersist(addr, n) }

// Collector returns the Collector this guard's participant is registered
// with.
func (g *Guard) Collector() *Collector { return g.local.collector }
