// Package barrier implements the four write-barrier entry points and the
// allocation entry points JIT-generated code calls directly (spec §4.I).
// The object header layout they rely on is defined in package api.
//
// Grounded on original_source/lib/vmkit/MMTk/VmkitGC.h (VirtualTable
// layout, the arrayWriteBarrier/fieldWriteBarrier/nonHeapWriteBarrier
// externs) and call_engine.go's unsafe-pointer opaque-view helpers
// (opaqueViewFromPtr, putLocalMemory) for the raw pointer-arithmetic idiom
// used to read and write reference slots.
package barrier

import (
	"sync/atomic"
	"unsafe"

	"github.com/vmkit-go/vmkit/api"
	"github.com/vmkit-go/vmkit/internal/refqueue"
	"github.com/vmkit-go/vmkit/internal/rendezvous"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

// writeBarrierClosure is the plan's reserved Closure value for an edge
// reported from a write barrier rather than from an in-progress tracing
// scan; spec §4.J's closure is opaque to the core, so Barriers always
// hands the plan this single fixed sentinel for barrier-originated calls,
// leaving the plan free to interpret it (e.g. as "insert into remembered
// set" instead of "trace now").
const writeBarrierClosure api.Closure = ^api.Closure(0)

// Barriers exposes the four write-barrier entry points and the
// allocation entry points of spec §4.I, wired to a GCPlan, the collection
// rendezvous (for the exit-time safepoint poll every barrier performs),
// and the finalization queue (for alloc_unresolved/postalloc candidate
// registration).
type Barriers struct {
	plan         api.GCPlan
	coord        *rendezvous.Coordinator
	finalization *refqueue.FinalizationQueue
}

// NewBarriers returns a Barriers instance wired to the given collaborators.
func NewBarriers(plan api.GCPlan, coord *rendezvous.Coordinator, finalization *refqueue.FinalizationQueue) *Barriers {
	return &Barriers{plan: plan, coord: coord, finalization: finalization}
}

func setRefAt(addr uintptr, v api.Ref) { *(*api.Ref)(unsafe.Pointer(addr)) = v }

// FieldWriteBarrier implements field_write_barrier(obj, slot, value):
// a scalar reference field store (spec §4.I). slotAddr is the address of
// the field within obj.
func (b *Barriers) FieldWriteBarrier(obj api.Ref, slotAddr uintptr, value api.Ref, rec *threadalloc.ThreadRecord, callerFP uintptr) {
	setRefAt(slotAddr, value)
	if b.plan.NeedsWriteBarrier() {
		ref := value
		b.plan.ScanObject(&ref, writeBarrierClosure)
	}
	b.coord.ConditionalSafepoint(rec, callerFP)
}

// ArrayWriteBarrier implements array_write_barrier(array, slot, value):
// an array element store (spec §4.I). slotAddr is the address of the
// element within array's element area.
func (b *Barriers) ArrayWriteBarrier(array api.Ref, slotAddr uintptr, value api.Ref, rec *threadalloc.ThreadRecord, callerFP uintptr) {
	setRefAt(slotAddr, value)
	if b.plan.NeedsWriteBarrier() {
		ref := value
		b.plan.ScanObject(&ref, writeBarrierClosure)
	}
	b.coord.ConditionalSafepoint(rec, callerFP)
}

// NonHeapWriteBarrier implements non_heap_write_barrier(slot, value): a
// store to a global/static reference slot outside the GC heap (spec
// §4.I). Only notifies the plan when it declares
// NeedsNonHeapWriteBarrier, since most plans treat globals as permanent
// roots needing no edge tracking.
func (b *Barriers) NonHeapWriteBarrier(slotAddr uintptr, value api.Ref, rec *threadalloc.ThreadRecord, callerFP uintptr) {
	setRefAt(slotAddr, value)
	if b.plan.NeedsNonHeapWriteBarrier() {
		ref := value
		b.plan.ScanObject(&ref, writeBarrierClosure)
	}
	b.coord.ConditionalSafepoint(rec, callerFP)
}

// ObjectReferenceTryCAS implements object_reference_try_cas(obj, slot,
// old, new) -> bool: an atomic compare-and-swap of a reference field
// (spec §4.I). Reports whether the swap succeeded.
func (b *Barriers) ObjectReferenceTryCAS(obj api.Ref, slotAddr uintptr, old, new api.Ref, rec *threadalloc.ThreadRecord, callerFP uintptr) bool {
	ok := atomic.CompareAndSwapUintptr((*uintptr)(unsafe.Pointer(slotAddr)), uintptr(old), uintptr(new))
	if ok && b.plan.NeedsWriteBarrier() {
		ref := new
		b.plan.ScanObject(&ref, writeBarrierClosure)
	}
	b.coord.ConditionalSafepoint(rec, callerFP)
	return ok
}

// Alloc implements alloc(size, vtable): the fast path for a
// fully-initialized virtual-table object (spec §4.I).
func (b *Barriers) Alloc(size uintptr, vt *api.VTable) (api.Ref, error) {
	return b.plan.MutatorAllocate(size, vt)
}

// AllocUnresolved implements alloc_unresolved(size, vtable): same as
// Alloc, but additionally registers the object as a finalization
// candidate if its vtable declares a non-empty destructor (spec §4.I).
func (b *Barriers) AllocUnresolved(size uintptr, vt *api.VTable) (api.Ref, error) {
	obj, err := b.plan.MutatorAllocate(size, vt)
	if err != nil {
		return 0, err
	}
	if vt.HasDestructor() {
		b.finalization.RegisterCandidate(obj)
	}
	return obj, nil
}

// Prealloc implements prealloc(size): the first half of the two-step
// allocation variant used when the vtable is not known at allocation time
// (spec §4.I). The returned object has no vtable installed yet.
func (b *Barriers) Prealloc(size uintptr) (api.Ref, error) {
	return b.plan.MutatorAllocate(size, nil)
}

// Postalloc implements postalloc(obj, type, size): installs vt as obj's
// header word and registers it as a finalization candidate if
// appropriate, completing a Prealloc/Postalloc pair (spec §4.I).
func (b *Barriers) Postalloc(obj api.Ref, vt *api.VTable, size uintptr) {
	api.SetVTable(obj, vt)
	if vt.HasDestructor() {
		b.finalization.RegisterCandidate(obj)
	}
}
