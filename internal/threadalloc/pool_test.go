package threadalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkit-go/vmkit/internal/sysprim"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

func TestPoolAllocateSatisfiesThreadIDMask(t *testing.T) {
	p := newTestPool(t)

	rec, err := p.New()
	require.NoError(t, err)
	require.Equal(t, rec.Base(), rec.Base()&sysprim.ThreadIDMask())

	for _, off := range []uintptr{0, 64, uintptr(sysprim.StackSize) - 1} {
		require.Equal(t, rec.Base(), (rec.Base()+off)&sysprim.ThreadIDMask())
	}
}

func TestPoolRecordAtRoundTrips(t *testing.T) {
	p := newTestPool(t)

	rec, err := p.New()
	require.NoError(t, err)

	found := p.RecordAt(rec.Base() + 128)
	require.Same(t, rec, found)
}

func TestPoolRecordAtAfterRelease(t *testing.T) {
	p := newTestPool(t)

	rec, err := p.New()
	require.NoError(t, err)
	p.Release(rec)

	require.Nil(t, p.RecordAt(rec.Base()))
}

func TestPoolExhaustion(t *testing.T) {
	p := newTestPool(t)

	var recs []*ThreadRecord
	for i := 0; i < sysprim.MaxThreads; i++ {
		rec, err := p.New()
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	_, err := p.New()
	require.ErrorIs(t, err, ErrNoFreeThreadSlot)

	for _, rec := range recs {
		p.Release(rec)
	}
}

func TestKnownFrameNesting(t *testing.T) {
	p := newTestPool(t)
	rec, err := p.New()
	require.NoError(t, err)

	f1 := &KnownFrame{CurrentFP: 1}
	f2 := &KnownFrame{CurrentFP: 2}
	rec.PushKnownFrame(f1)
	rec.PushKnownFrame(f2)
	require.Same(t, f2, rec.LastKnownFrame())
	rec.PopKnownFrame(f2)
	require.Same(t, f1, rec.LastKnownFrame())
	rec.PopKnownFrame(f1)
	require.Nil(t, rec.LastKnownFrame())
}

func TestKnownFrameMismatchedPopPanics(t *testing.T) {
	p := newTestPool(t)
	rec, err := p.New()
	require.NoError(t, err)

	f1 := &KnownFrame{CurrentFP: 1}
	f2 := &KnownFrame{CurrentFP: 2}
	rec.PushKnownFrame(f1)
	require.Panics(t, func() { rec.PopKnownFrame(f2) })
}
