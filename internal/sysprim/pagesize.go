package sysprim

import "os"

// pageSize is resolved once at init from the OS page size. Go does not
// expose this portably pre-1.21 syscall wrappers in all environments, so we
// fall back to the universal 4KiB default if the probe fails.
var pageSize = probePageSize()

func probePageSize() uintptr {
	if sz := os.Getpagesize(); sz > 0 {
		return uintptr(sz)
	}
	return 4096
}
