package stackwalk

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vmkit-go/vmkit/internal/frameinfo"
	"github.com/vmkit-go/vmkit/internal/sysprim"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

// syntheticStack builds a linked chain of frames in a Go-managed buffer,
// each two words wide: [callerFP][returnAddress]. frames[i] is laid out at
// a fixed offset and links to frames[i+1]; the last frame links to base.
type syntheticStack struct {
	buf   []uintptr
	addrs []uintptr
}

func newSyntheticStack(t *testing.T, returnAddrs []uintptr) (*syntheticStack, uintptr) {
	t.Helper()
	n := len(returnAddrs)
	s := &syntheticStack{buf: make([]uintptr, 2*(n+1))}
	base := uintptr(unsafe.Pointer(&s.buf[2*n]))
	s.addrs = make([]uintptr, n+1)
	for i := 0; i <= n; i++ {
		s.addrs[i] = uintptr(unsafe.Pointer(&s.buf[2*i]))
	}
	for i := 0; i < n; i++ {
		fp := s.addrs[i]
		callerFP := s.addrs[i+1]
		*(*uintptr)(unsafe.Pointer(fp)) = callerFP
		*(*uintptr)(unsafe.Pointer(fp + sysprim.WordSize)) = returnAddrs[i]
	}
	return s, base
}

func newTestThreadWithBase(t *testing.T, baseSP uintptr) *threadalloc.ThreadRecord {
	t.Helper()
	p, err := threadalloc.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	rec, err := p.New()
	require.NoError(t, err)
	rec.SetBaseSP(baseSP)
	return rec
}

func TestCursorWalksToBase(t *testing.T) {
	registry := frameinfo.NewRegistry()
	registry.Register(Frame1(0x100))
	registry.Register(Frame1(0x200))
	registry.Register(Frame1(0x300))

	stack, base := newSyntheticStack(t, []uintptr{0x100, 0x200, 0x300})
	rec := newTestThreadWithBase(t, base)

	cur := NewSelf(registry, rec, stack.addrs[0])
	var visited []uintptr
	for !cur.Done() {
		visited = append(visited, cur.CurrentReturnAddress())
		if !cur.AdvanceCaller() {
			break
		}
	}
	require.Equal(t, []uintptr{0x100, 0x200, 0x300}, visited)
	require.True(t, cur.Done())
}

func Frame1(ret uintptr) *frameinfo.Frame {
	return &frameinfo.Frame{ReturnAddress: ret, FrameSize: 32}
}

func TestUpdateReturnAddressAndCallerFrame(t *testing.T) {
	registry := frameinfo.NewRegistry()
	stack, base := newSyntheticStack(t, []uintptr{0x111, 0x222})
	rec := newTestThreadWithBase(t, base)

	cur := NewSelf(registry, rec, stack.addrs[0])
	old := cur.UpdateReturnAddress(0x999)
	require.Equal(t, uintptr(0x111), old)
	require.Equal(t, uintptr(0x999), cur.CurrentReturnAddress())

	oldFP := cur.UpdateCallerFrame(stack.addrs[2])
	require.Equal(t, stack.addrs[1], oldFP)
	require.True(t, cur.AdvanceCaller())
	require.True(t, cur.Done())
}

func TestCaptureBacktraceCollectsManagedFrames(t *testing.T) {
	registry := frameinfo.NewRegistry()
	registry.Register(Frame1(0xa))
	registry.Register(Frame1(0xc))
	// 0xb is deliberately unregistered: a native frame to be skipped.

	stack, base := newSyntheticStack(t, []uintptr{0xa, 0xb, 0xc})
	rec := newTestThreadWithBase(t, base)

	bt := CaptureBacktrace(registry, rec, stack.addrs[0])
	require.Equal(t, []uintptr{0xa, 0xc}, bt.ReturnAddresses)
}
