// Package threadalloc implements VMKit's thread & stack allocator (spec
// §4.B): a singleton pool of fixed-size thread-record slots carved out of a
// reserved, naturally aligned virtual region, so that any address within a
// slot masks down to that slot's base with a single bitwise AND
// (sysprim.ThreadIDMask) — the pillar of signal-safe "thread-local storage
// by stack address" described in spec §3.
//
// Design note: the *address-space* invariant is real — each
// slot is backed by an actual mmap'd, guard-paged region
// (internal/platform). The *record* stored for a slot, however, is an
// ordinary Go struct kept in a GC-visible slice, not raw bytes inside the
// mapped region: embedding Go pointers (KnownFrame chains, exception
// buffers) directly in unmanaged memory would be invisible to the garbage
// collector. ThreadRecord.Base() still satisfies
// Base() == Base() & sysprim.ThreadIDMask(), so address-based thread lookup
// behaves exactly as the spec requires.
package threadalloc

import (
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/vmkit-go/vmkit/internal/platform"
	"github.com/vmkit-go/vmkit/internal/sysprim"
)

// KnownFrame bridges a stack region that has no registered frame info,
// typically a native callback into managed code. See spec §3/§4.E.
type KnownFrame struct {
	Previous  *KnownFrame
	CurrentFP uintptr
	// CurrentIP is zero for a plain "known frame" marker, and non-zero for
	// an "unknown frame" marker that also records the caller's return
	// address. Both kinds are installed with PushKnownFrame.
	CurrentIP uintptr
}

// ExceptionBuffer is the head of a per-thread saved-context chain used for
// exception unwinding (spec §3, §7). HandlerIP identifies the managed
// return address that installed this buffer; Previous chains to the buffer
// it shadowed.
type ExceptionBuffer struct {
	Previous  *ExceptionBuffer
	HandlerIP uintptr
}

// ThreadRecord is VMKit's per-mutator record (spec §3).
type ThreadRecord struct {
	pool *Pool
	slot uint32
	base uintptr // base == base & sysprim.ThreadIDMask()

	osThreadID uintptr // opaque OS-thread handle, set by the thread's trampoline
	isolateID  atomicbitops.Int32

	baseSP uintptr             // captured once, at thread start
	lastSP atomicbitops.Uint64 // holds a uintptr; Uint64 is used because atomicbitops has no Uintptr type

	// DoYield, JoinedRV, InRV are the rendezvous flags described in spec
	// §4.F/§5. They live here, not in internal/rendezvous, because the
	// rendezvous protocol is defined purely in terms of per-thread state.
	DoYield  atomicbitops.Bool
	JoinedRV atomicbitops.Bool
	InRV     atomicbitops.Bool

	lastKnownFrame      *KnownFrame
	lastExceptionBuffer *ExceptionBuffer

	alive atomicbitops.Bool

	mu sync.Mutex // guards lastKnownFrame / lastExceptionBuffer (single-writer in practice: the owning thread)
}

// Base returns the slot base address; Base() == Base() & sysprim.ThreadIDMask().
func (t *ThreadRecord) Base() uintptr { return t.base }

// Slot returns the index of this thread's slot within the pool.
func (t *ThreadRecord) Slot() uint32 { return t.slot }

// SetBaseSP records the stack pointer captured at thread start. Must be
// called exactly once, from the new thread's trampoline, before any
// rendezvous or stack-walk operation runs on this thread.
func (t *ThreadRecord) SetBaseSP(sp uintptr) { t.baseSP = sp }

// BaseSP returns the stack pointer captured at thread start; the stack
// walker's stopping condition is CurrentFP == BaseSP.
func (t *ThreadRecord) BaseSP() uintptr { return t.baseSP }

// LastSP is the published stack pointer recorded when this thread entered
// uncooperative code, or zero if the thread is presently cooperative. See
// internal/rendezvous.
func (t *ThreadRecord) LastSP() uintptr { return uintptr(t.lastSP.Load()) }

// SetOSThreadID records the OS-level thread handle for Kill/Join purposes.
func (t *ThreadRecord) SetOSThreadID(id uintptr) { t.osThreadID = id }

// OSThreadID returns the OS-level thread handle.
func (t *ThreadRecord) OSThreadID() uintptr { return t.osThreadID }

// IsolateID returns the tenant/bundle identity this thread is currently
// executing on behalf of (spec §3, §12 supplemented feature).
func (t *ThreadRecord) IsolateID() int32 { return t.isolateID.Load() }

// SetIsolateID changes the tenant/bundle identity.
func (t *ThreadRecord) SetIsolateID(id int32) { t.isolateID.Store(id) }

// PushKnownFrame installs a known-frame marker bridging an opaque call
// region, linking the previous head through f.Previous; the caller pops f
// with PopKnownFrame on return (spec §3 "Known frame" lifecycle:
// stack-allocated, must nest like the stack).
func (t *ThreadRecord) PushKnownFrame(f *KnownFrame) {
	t.mu.Lock()
	f.Previous = t.lastKnownFrame
	t.lastKnownFrame = f
	t.mu.Unlock()
}

// PopKnownFrame removes the most recently pushed known frame. The caller
// must pass the same *KnownFrame most recently pushed; mismatched
// push/pop nesting is a VM bug (spec §7).
func (t *ThreadRecord) PopKnownFrame(f *KnownFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastKnownFrame != f {
		panic("threadalloc: known-frame push/pop nesting violated")
	}
	t.lastKnownFrame = f.Previous
}

// LastKnownFrame returns the head of the known-frame chain.
func (t *ThreadRecord) LastKnownFrame() *KnownFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastKnownFrame
}

// PushExceptionBuffer installs a new exception-unwind target.
func (t *ThreadRecord) PushExceptionBuffer(b *ExceptionBuffer) {
	t.mu.Lock()
	b.Previous = t.lastExceptionBuffer
	t.lastExceptionBuffer = b
	t.mu.Unlock()
}

// PopExceptionBuffer removes the most recently installed exception buffer.
func (t *ThreadRecord) PopExceptionBuffer(b *ExceptionBuffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastExceptionBuffer != b {
		panic("threadalloc: exception-buffer push/pop nesting violated")
	}
	t.lastExceptionBuffer = b.Previous
}

// LastExceptionBuffer returns the head of the exception-unwind chain.
func (t *ThreadRecord) LastExceptionBuffer() *ExceptionBuffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastExceptionBuffer
}

// CompareAndSwapLastSP is internal/rendezvous's only way to write the
// thread record's lastSP field, so the CAS-as-barrier idiom (spec §4.F
// "Ordering guarantee") lives in one place. It atomically publishes or
// clears LastSP, acting as a full barrier between the store and any
// doYield observation.
func (t *ThreadRecord) CompareAndSwapLastSP(old, new uintptr) bool {
	return t.lastSP.CompareAndSwap(uint64(old), uint64(new))
}
