// Package sysprim exposes the system primitives every other VMKit package
// builds on: page size, word alignment, the thread-id mask used to recover a
// thread record from a stack pointer, and the hardware-fault capability bits
// that decide whether the signal bridge or an explicit safepoint poll is
// used.
package sysprim

import "unsafe"

// WordSize is the size, in bytes, of a machine word on this platform.
const WordSize = unsafe.Sizeof(uintptr(0))

// StackSize is the size, in bytes, reserved for a single thread's stack
// (including its thread record, alternate signal stack and guard page).
// Matches the original's STACK_SIZE (0x100000).
const StackSize = 1 << 20

// MaxThreads bounds the number of concurrently live thread records the
// reserved virtual region can hold. Matches the original's NR_THREADS.
const MaxThreads = 255

// PageSize returns the OS page size. It is a function, not a constant,
// because some platforms (notably arm64 on certain kernels) use a 16KiB
// page instead of 4KiB.
func PageSize() uintptr {
	return pageSize
}

// AlignUp rounds size up to the next multiple of align, which must be a
// power of two.
func AlignUp(size, align uintptr) uintptr {
	return (size + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to the previous multiple of align, which must
// be a power of two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// ThreadIDMask returns the mask applied to a stack pointer to recover the
// base address of the thread record it belongs to.
//
// StackSize is a power of two and every per-thread slot is allocated at a
// StackSize-aligned address (internal/platform reserves the whole region at
// a StackSize-aligned base), so for any sp within a thread's slot,
// slotBase == sp &^ (StackSize-1) == sp & ThreadIDMask(). This is the
// pillar of signal-safe "thread-local storage by stack address": recovering
// the current thread record is a single mask, no OS TLS call involved.
func ThreadIDMask() uintptr {
	return ^(uintptr(StackSize) - 1)
}

// RegionSize is the total size, in bytes, of the reserved virtual region
// backing all thread stacks.
func RegionSize() uintptr { return uintptr(StackSize) * uintptr(MaxThreads) }
