//go:build linux || darwin

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReserveAlignedRegion reserves a size-byte region of anonymous read/write
// memory whose base address is a multiple of align. align must be a power
// of two. Over-allocates by align and trims the unused head/tail, the
// standard technique for obtaining an aligned mmap without relying on
// MAP_FIXED at a guessed address (the kernel, not the caller, is free to
// place the initial, larger mapping anywhere).
func ReserveAlignedRegion(size, align uintptr) (Region, error) {
	raw, err := unix.Mmap(-1, 0, int(size+align), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Region{}, &ErrReserveFailed{Size: size, Err: err}
	}
	rawAddr := uintptr(unsafe.Pointer(&raw[0]))
	alignedAddr := (rawAddr + align - 1) &^ (align - 1)

	if head := alignedAddr - rawAddr; head > 0 {
		if err := unix.Munmap(raw[:head]); err != nil {
			_ = unix.Munmap(raw)
			return Region{}, &ErrReserveFailed{Size: size, Err: err}
		}
	}
	tailStart := (alignedAddr - rawAddr) + size
	if tailStart < uintptr(len(raw)) {
		tailSlice := sliceAt(rawAddr, raw, tailStart, uintptr(len(raw))-tailStart)
		if err := unix.Munmap(tailSlice); err != nil {
			return Region{}, &ErrReserveFailed{Size: size, Err: err}
		}
	}
	return Region{addr: alignedAddr, size: size}, nil
}

// sliceAt reconstructs a []byte view over [off, off+n) of the original
// mmap'd slice, for the purpose of unmapping that sub-range. Safe because
// unix.Munmap only inspects the slice's address and length.
func sliceAt(rawAddr uintptr, raw []byte, off, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(rawAddr+off)), int(n))
}

// ReleaseRegion unmaps a region previously returned by ReserveAlignedRegion.
func ReleaseRegion(r Region) error {
	return unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(r.addr)), int(r.size)))
}

// ProtectGuardPage marks a single page within a region as inaccessible
// (PROT_NONE), so that any access to it raises SIGSEGV/SIGBUS — the
// mechanism internal/sigbridge relies on to detect stack overflow.
func ProtectGuardPage(addr, size uintptr) error {
	return unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), unix.PROT_NONE)
}

// UnprotectGuardPage restores read/write access to a page previously
// protected with ProtectGuardPage. Nothing in this module calls it.
func UnprotectGuardPage(addr, size uintptr) error {
	return unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), unix.PROT_READ|unix.PROT_WRITE)
}
