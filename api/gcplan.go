package api

// Closure is an opaque word threaded through a traversal's callbacks,
// carrying the GC plan's own per-traversal state (spec §4.J: "carries the
// plan's per-traversal state").
type Closure uintptr

// GCPlan is the pluggable collector contract VMKit's core drives (spec
// §4.J). The core never implements collection policy itself — allocation,
// liveness, tracing, and finalization retention are all delegated to the
// plan in use, which lets the same thread/rendezvous/barrier machinery
// host a semispace collector, a mark-sweep collector, or a bump-pointer
// arena with no collection at all.
type GCPlan interface {
	// Boot initializes the plan with the heap bounds and raw "-X:gc:"
	// arguments collected from the command line (spec §6); the core never
	// interprets args itself.
	Boot(minHeap, maxHeap uintptr, args []string) error

	// IsLive reports whether obj is reachable in the traversal identified
	// by closure.
	IsLive(obj Ref, closure Closure) bool

	// ScanObject reports a traced edge rooted at *slot to the plan.
	ScanObject(slot *Ref, closure Closure)

	// RetainForFinalize makes obj live for the current cycle so its
	// finalizer can still observe a consistent object graph, and returns
	// obj's address after any relocation the plan performs.
	RetainForFinalize(obj Ref) Ref

	// RetainReferent makes a soft reference's referent live ahead of a
	// liveness test, used under memory pressure (spec §4.H soft-reference
	// policy).
	RetainReferent(obj Ref) Ref

	// GetForwarded returns obj's current address, honoring any relocation
	// a moving collector has already performed for this cycle.
	GetForwarded(obj Ref) Ref

	// NeedsWriteBarrier reports whether JIT-generated code must route
	// reference stores through the four barrier entry points of spec
	// §4.I, rather than storing directly.
	NeedsWriteBarrier() bool

	// NeedsNonHeapWriteBarrier reports whether stores to non-heap
	// (global/static) reference slots must also go through
	// non_heap_write_barrier.
	NeedsNonHeapWriteBarrier() bool

	// Collect triggers a full collection cycle and blocks until it
	// completes.
	Collect()

	// MutatorAllocate allocates size bytes tagged with vt from the
	// calling mutator's thread-local allocation buffer, returning the new
	// object's reference with vt already installed as its header word.
	MutatorAllocate(size uintptr, vt *VTable) (Ref, error)
}
