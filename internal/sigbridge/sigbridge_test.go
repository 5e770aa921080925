package sigbridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkit-go/vmkit/internal/frameinfo"
	"github.com/vmkit-go/vmkit/internal/sysprim"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

func newTestBridge(t *testing.T) (*Bridge, *threadalloc.ThreadRecord) {
	t.Helper()
	p, err := threadalloc.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	rec, err := p.New()
	require.NoError(t, err)

	frames := frameinfo.NewRegistry()
	return NewBridge(frames, p), rec
}

func TestGuardPassesThroughNormalReturn(t *testing.T) {
	b, rec := newTestBridge(t)
	ran := false
	err := b.Guard(rec, func() { ran = true })
	require.NoError(t, err)
	require.True(t, ran)
}

func TestGuardRepropagatesNonFaultPanic(t *testing.T) {
	b, rec := newTestBridge(t)
	require.PanicsWithValue(t, "boom", func() {
		_ = b.Guard(rec, func() { panic("boom") })
	})
}

func TestCheckNullOnNilPointerWithNoFrameInfo(t *testing.T) {
	b, rec := newTestBridge(t)
	_ = rec
	err := b.CheckNull(0, 0x1234)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnregisteredFault))
}

func TestCheckNullOnNilPointerWithRegisteredFrame(t *testing.T) {
	b, rec := newTestBridge(t)
	_ = rec
	b.frames.Register(&frameinfo.Frame{ReturnAddress: 0x1234, FrameSize: 16})

	err := b.CheckNull(0, 0x1234)
	var npe *NullPointerException
	require.ErrorAs(t, err, &npe)
	require.Equal(t, uintptr(0x1234), npe.IP)
}

func TestGuardEscalatesReentrantFaultOverUnregistered(t *testing.T) {
	if !sysprim.SupportsHardwareNullCheck() {
		t.Skip("hardware null check capability unavailable on this platform")
	}
	b, rec := newTestBridge(t)
	rec.InRV.Store(true)

	var p *int
	err := b.Guard(rec, func() { _ = *p })
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrReentrantFault))
	require.False(t, errors.Is(err, ErrUnregisteredFault))
}

func TestCheckNullOnNonNilPointerIsNoop(t *testing.T) {
	b, rec := newTestBridge(t)
	_ = rec
	err := b.CheckNull(0xdeadbeef, 0x1234)
	require.NoError(t, err)
}
