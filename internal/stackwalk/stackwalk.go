// Package stackwalk implements VMKit's stack walker (spec §4.E): a cursor
// over a target thread's call frames, used by the collection rendezvous to
// enumerate live references and by the signal bridge to splice synthetic
// frames.
//
// Grounded on original_source/lib/vmkit/CommonThread/ctthread.cpp's
// StackWalker (operator++, updateReturnAddress, updateCallerFrameAddress,
// getCallerCallFrameAddress) and, for the backtrace convenience this
// package also exposes, call_engine.go's unwindStack/addFrame use for
// panic backtraces.
package stackwalk

import (
	"unsafe"

	"github.com/vmkit-go/vmkit/internal/frameinfo"
	"github.com/vmkit-go/vmkit/internal/rendezvous"
	"github.com/vmkit-go/vmkit/internal/sysprim"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

// Frame-pointer convention: at address fp, the word at fp holds the
// caller's frame pointer (the "link"), and the word at fp+WordSize holds
// the return address into the caller. This is the layout a frame-pointer
// preserving JIT is expected to emit (spec §4.A "frame pointer chains
// usable for unwinding").
func readCallerFP(fp uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(fp))
}

func readReturnAddress(fp uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(fp + sysprim.WordSize))
}

func writeReturnAddress(fp uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(fp + sysprim.WordSize)) = v
}

func writeCallerFP(fp uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(fp)) = v
}

// Cursor walks a thread's call frames starting from a captured frame
// pointer down to that thread's base stack pointer (spec §4.E stopping
// condition: current_fp == base_sp).
type Cursor struct {
	registry  *frameinfo.Registry
	rec       *threadalloc.ThreadRecord
	currentFP uintptr
	// nextKnown is the known-frame marker the walker expects to bridge
	// across next, updated as the walk passes known-frame boundaries.
	nextKnown *threadalloc.KnownFrame
}

// NewSelf constructs a cursor over the calling thread's own stack,
// starting at callerFP (spec §4.E "self: the caller's frame pointer via a
// compiler builtin" — callerFP is supplied by the caller since Go has no
// portable builtin for it).
func NewSelf(registry *frameinfo.Registry, rec *threadalloc.ThreadRecord, callerFP uintptr) *Cursor {
	return &Cursor{
		registry:  registry,
		rec:       rec,
		currentFP: callerFP,
		nextKnown: rec.LastKnownFrame(),
	}
}

// NewOther constructs a cursor over another, currently-stopped thread's
// stack. It waits for the target to publish a non-zero LastSP via the
// given rendezvous coordinator before capturing the starting frame pointer
// (spec §4.E "other: the thread's last_sp after calling wait_on_sp").
func NewOther(registry *frameinfo.Registry, rec *threadalloc.ThreadRecord, coord *rendezvous.Coordinator) *Cursor {
	sp := coord.WaitOnSP(rec)
	return &Cursor{
		registry:  registry,
		rec:       rec,
		currentFP: sp,
		nextKnown: rec.LastKnownFrame(),
	}
}

// Done reports whether the cursor has reached the thread's base frame
// (spec §4.E stopping condition).
func (c *Cursor) Done() bool {
	return c.currentFP == c.rec.BaseSP()
}

// CurrentFP returns the frame pointer the cursor is positioned at.
func (c *Cursor) CurrentFP() uintptr { return c.currentFP }

// CurrentReturnAddress returns the return address stored in the current
// frame.
func (c *Cursor) CurrentReturnAddress() uintptr {
	if c.Done() {
		return 0
	}
	return readReturnAddress(c.currentFP)
}

// Current returns the frame-info record for the return address at the
// current frame, or the empty sentinel if none was registered (spec §4.D,
// §4.E).
func (c *Cursor) Current() *frameinfo.Frame {
	if c.Done() {
		return nil
	}
	return c.registry.Lookup(c.CurrentReturnAddress())
}

// AdvanceCaller climbs to the caller's frame, honoring the known-frame
// list to skip opaque (unregistered, e.g. native callback) regions — spec
// §4.E: "advance_caller() climbs to the caller (honoring the known-frame
// list to skip opaque regions)". Returns false once the walk has reached
// the thread's base frame.
func (c *Cursor) AdvanceCaller() bool {
	if c.Done() {
		return false
	}

	if c.nextKnown != nil && c.nextKnown.CurrentFP == c.currentFP {
		bridged := c.nextKnown
		c.nextKnown = bridged.Previous
		if bridged.CurrentIP != 0 && bridged.Previous != nil {
			// An "unknown frame" marker additionally records the
			// caller's return address directly, since the native region
			// it bridges has no frame-pointer chain to read.
			c.currentFP = bridged.Previous.CurrentFP
			return true
		}
	}

	c.currentFP = readCallerFP(c.currentFP)
	return true
}

// AdvanceCallee moves the cursor one frame closer to the leaf, i.e. undoes
// one AdvanceCaller step. Per spec §4.E this requires rescanning from the
// thread's starting frame, which is acceptable because the operation is
// used rarely (debugging / backtrace formatting, not the hot GC path).
func (c *Cursor) AdvanceCallee(start uintptr) bool {
	cur := &Cursor{registry: c.registry, rec: c.rec, currentFP: start, nextKnown: c.rec.LastKnownFrame()}
	if cur.currentFP == c.currentFP {
		return false
	}
	for {
		next := cur.currentFP
		if !cur.AdvanceCaller() {
			return false
		}
		if cur.currentFP == c.currentFP {
			c.currentFP = next
			c.nextKnown = cur.nextKnown
			return true
		}
	}
}

// IsManagedFrame reports whether the current frame carries JIT-emitted
// frame metadata, i.e. is not a native frame. Used to implement the
// "metadata-only" filter mode of spec §4.E.
func (c *Cursor) IsManagedFrame() bool {
	f := c.Current()
	return f != nil && !frameinfo.IsEmpty(f)
}

// AdvanceManaged advances the cursor past frames until it reaches a
// managed frame or the base of the stack, implementing the "metadata-only"
// filter mode (spec §4.E).
func (c *Cursor) AdvanceManaged() bool {
	for c.AdvanceCaller() {
		if c.Done() || c.IsManagedFrame() {
			return !c.Done()
		}
	}
	return false
}

// UpdateReturnAddress rewrites the return-address slot of the current
// frame and returns the value it replaced (spec §4.E, used by the signal
// bridge to splice a synthetic frame).
func (c *Cursor) UpdateReturnAddress(new uintptr) uintptr {
	old := readReturnAddress(c.currentFP)
	writeReturnAddress(c.currentFP, new)
	return old
}

// UpdateCallerFrame rewrites the saved frame pointer of the current frame
// and returns the value it replaced (spec §4.E).
func (c *Cursor) UpdateCallerFrame(new uintptr) uintptr {
	old := readCallerFP(c.currentFP)
	writeCallerFP(c.currentFP, new)
	return old
}

// Backtrace is a supplemented convenience (spec §12, grounded on
// ctthread.cpp's printBacktrace and wazero's panic-backtrace formatting in
// call_engine.go): a snapshot of return addresses from the current
// position to the thread's base, metadata-only.
type Backtrace struct {
	ReturnAddresses []uintptr
}

// CaptureBacktrace walks rec's stack from startFP to its base, collecting
// the return address of every managed frame encountered. It uses a private
// cursor, so no caller's cursor state is touched.
func CaptureBacktrace(registry *frameinfo.Registry, rec *threadalloc.ThreadRecord, startFP uintptr) Backtrace {
	cur := &Cursor{registry: registry, rec: rec, currentFP: startFP, nextKnown: rec.LastKnownFrame()}
	var bt Backtrace
	if cur.Done() {
		return bt
	}
	if cur.IsManagedFrame() {
		bt.ReturnAddresses = append(bt.ReturnAddresses, cur.CurrentReturnAddress())
	}
	for cur.AdvanceCaller() {
		if cur.Done() {
			break
		}
		if cur.IsManagedFrame() {
			bt.ReturnAddresses = append(bt.ReturnAddresses, cur.CurrentReturnAddress())
		}
	}
	return bt
}
