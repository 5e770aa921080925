package threadalloc

import (
	"sync"

	"github.com/vmkit-go/vmkit/internal/platform"
	"github.com/vmkit-go/vmkit/internal/sysprim"
)

// Pool is the singleton thread/stack allocator described in spec §4.B: it
// reserves a contiguous virtual region of MaxThreads*StackSize bytes at
// startup, aligned so the thread-id mask isolates each slot, and hands out
// ThreadRecords from a free-bitmap guarded by a spin lock.
type Pool struct {
	region platform.Region

	mu   sync.Mutex // plays the role of the spin lock guarding the free-bitmap (spec §5)
	used [sysprim.MaxThreads]bool
	recs [sysprim.MaxThreads]*ThreadRecord
}

// NewPool reserves the reserved thread region and returns a ready-to-use
// allocator. Failing to reserve the region is a fatal VM bug per spec §7 —
// callers typically do this once at process startup and treat an error as
// unrecoverable.
func NewPool() (*Pool, error) {
	r, err := platform.ReserveAlignedRegion(sysprim.RegionSize(), uintptr(sysprim.StackSize))
	if err != nil {
		return nil, err
	}
	return &Pool{region: r}, nil
}

// Close releases the reserved region. Only safe once every ThreadRecord has
// been released via Pool.Release.
func (p *Pool) Close() error {
	return platform.ReleaseRegion(p.region)
}

// New allocates a thread record: picks the first free slot, zeroes it, and
// protects its guard page. Returns ErrNoFreeThreadSlot if the pool is
// exhausted — the spec treats this as a fatal error ("Failing to find a
// slot is a fatal error"); callers decide how to surface that (vm.VirtualMachine
// wraps it in api.ErrVMBug and returns it).
func (p *Pool) New() (*ThreadRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := -1
	for i, u := range p.used {
		if !u {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrNoFreeThreadSlot
	}
	p.used[slot] = true

	base := p.region.Addr() + uintptr(slot)*uintptr(sysprim.StackSize)
	rec := &ThreadRecord{pool: p, slot: uint32(slot), base: base}
	rec.alive.Store(true)
	p.recs[slot] = rec

	guardAddr := base + sysprim.PageSize() + alternateStackSize()
	_ = platform.ProtectGuardPage(guardAddr, sysprim.PageSize())

	return rec, nil
}

// Release returns a thread record's slot to the free-bitmap. The spec
// requires waiting for the OS thread to terminate (join) before release;
// that join happens in vm.VirtualMachine, which calls Release only
// afterward.
func (p *Pool) Release(rec *ThreadRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.alive.Store(false)
	p.used[rec.slot] = false
	p.recs[rec.slot] = nil
}

// RecordAt returns the ThreadRecord owning the slot that addr falls into,
// or nil if addr is outside the reserved region or the slot is currently
// free. This is the signal-safe "current thread" lookup: a single mask
// (sysprim.ThreadIDMask) plus an array index, no OS TLS call.
func (p *Pool) RecordAt(addr uintptr) *ThreadRecord {
	base := addr & sysprim.ThreadIDMask()
	if base < p.region.Addr() || base >= p.region.Addr()+p.region.Size() {
		return nil
	}
	slot := (base - p.region.Addr()) / uintptr(sysprim.StackSize)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recs[slot]
}

// alternateStackSize is the size reserved for each thread's alternate
// signal stack, placed right after the thread record's page and before the
// guard page (spec §4.B "alternate signal stack is the second page").
func alternateStackSize() uintptr {
	return sysprim.PageSize() * 2
}

// GuardRange returns the address range of rec's protected guard page, used
// by internal/sigbridge to classify a fault as a stack-overflow (spec
// §4.G "stack-overflow range: between the thread's guard page and
// base_sp").
func (p *Pool) GuardRange(rec *ThreadRecord) (start, end uintptr) {
	start = rec.Base() + sysprim.PageSize() + alternateStackSize()
	return start, start + sysprim.PageSize()
}
