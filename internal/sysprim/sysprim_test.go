package sysprim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadIDMaskIsolatesSlots(t *testing.T) {
	mask := ThreadIDMask()
	base := uintptr(0x400000000000)
	require.Equal(t, base, base&mask, "region base must already be slot-aligned")

	for _, off := range []uintptr{0, 1, 4096, StackSize - 1} {
		sp := base + StackSize*3 + off
		require.Equal(t, base+StackSize*3, sp&mask, "offset %d within slot must mask to slot base", off)
	}
}

func TestAlignUpDown(t *testing.T) {
	require.Equal(t, uintptr(16), AlignUp(9, 16))
	require.Equal(t, uintptr(16), AlignUp(16, 16))
	require.Equal(t, uintptr(0), AlignDown(15, 16))
	require.Equal(t, uintptr(16), AlignDown(31, 16))
}

func TestPageSizePositive(t *testing.T) {
	require.Greater(t, PageSize(), uintptr(0))
}

func TestRegionSize(t *testing.T) {
	require.Equal(t, uintptr(StackSize)*uintptr(MaxThreads), RegionSize())
}
