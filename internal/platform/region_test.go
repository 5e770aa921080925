package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveAlignedRegionIsAligned(t *testing.T) {
	const size = 1 << 16
	const align = 1 << 16

	r, err := ReserveAlignedRegion(size, align)
	require.NoError(t, err)
	defer func() { require.NoError(t, ReleaseRegion(r)) }()

	require.Equal(t, uintptr(0), r.Addr()%align, "region base must be aligned")
	require.Equal(t, uintptr(size), r.Size())
}

func TestReserveAlignedRegionMultiple(t *testing.T) {
	const size = 1 << 15
	const align = 1 << 15

	r1, err := ReserveAlignedRegion(size, align)
	require.NoError(t, err)
	defer func() { require.NoError(t, ReleaseRegion(r1)) }()

	r2, err := ReserveAlignedRegion(size, align)
	require.NoError(t, err)
	defer func() { require.NoError(t, ReleaseRegion(r2)) }()

	require.NotEqual(t, r1.Addr(), r2.Addr())
}
