//go:build !(linux || darwin)

package platform

import "unsafe"

// ReserveAlignedRegion on unsupported platforms falls back to an
// over-allocated Go heap buffer, trimmed to the requested alignment. It
// cannot provide a real guard page (ProtectGuardPage is a no-op here), so
// internal/sysprim's capability bits report no hardware stack-overflow
// detection on these platforms and the code generator must emit explicit
// depth checks instead.
func ReserveAlignedRegion(size, align uintptr) (Region, error) {
	buf := make([]byte, size+align)
	rawAddr := uintptr(unsafe.Pointer(&buf[0]))
	alignedAddr := (rawAddr + align - 1) &^ (align - 1)
	regionKeepAlive[alignedAddr] = buf
	return Region{addr: alignedAddr, size: size}, nil
}

// regionKeepAlive prevents the GC from collecting the backing buffer of a
// region handed out as a raw address, since nothing else references it by
// Go pointer once callers only hold the uintptr.
var regionKeepAlive = map[uintptr][]byte{}

// ReleaseRegion releases the keep-alive reference to a previously reserved
// region, allowing the GC to reclaim it.
func ReleaseRegion(r Region) error {
	delete(regionKeepAlive, r.addr)
	return nil
}

// ProtectGuardPage is a no-op fallback; see the package doc above.
func ProtectGuardPage(addr, size uintptr) error { return nil }

// UnprotectGuardPage is a no-op fallback; see the package doc above.
func UnprotectGuardPage(addr, size uintptr) error { return nil }
