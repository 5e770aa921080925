// Package sigbridge implements VMKit's signal → exception bridge (spec
// §4.G): translating a faulting memory access in mutator code into a
// recoverable null-pointer or stack-overflow exception instead of a
// process crash.
//
// Grounded on original_source/lib/Mvm/CommonThread/Sigsegv.cpp
// (sigsegvHandler, ThrowNullPointerException, the guard-page
// stack-overflow range test) and wazero's fault→language-exception
// translation in call_engine.go (ExitCodeMemoryOutOfBounds ->
// panic(wasmruntime.Err...)).
//
// Design note (see DESIGN.md): the original rewrites the saved
// instruction pointer of a raw ucontext_t from inside a libc sigaction
// handler, which needs cgo or per-arch assembly to receive in Go.
// sigbridge instead opts the calling goroutine into
// runtime/debug.SetPanicOnFault, the one portable, cgo-free mechanism the
// Go runtime offers for turning an invalid memory access into a
// recoverable panic, and reconstructs the same classification the
// original performs from what that panic actually exposes.
package sigbridge

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"unsafe"

	"github.com/vmkit-go/vmkit/internal/frameinfo"
	"github.com/vmkit-go/vmkit/internal/sysprim"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

// ErrUnregisteredFault is returned (wrapped) when a fault is classified as
// originating from code with no registered frame info — spec §4.G: "if no
// record exists, abort (segfault came from non-managed code)". Per spec
// §7 this is a fatal VM bug, not a recoverable exception; callers are
// expected to treat it as such (vm.VirtualMachine calls vmlog.Fatal).
var ErrUnregisteredFault = errors.New("sigbridge: fault occurred outside any registered managed frame")

// ErrReentrantFault is returned (wrapped) when a fault strikes a thread
// already parked inside the rendezvous protocol (ThreadRecord.InRV true) —
// spec §5/§7: "a signal-delivered thread cannot take the signal while
// already in_rv; the handler detects re-entry and aborts (fail-stop on
// double fault)". This is a fatal VM bug, not a recoverable exception.
var ErrReentrantFault = errors.New("sigbridge: fault occurred while thread already in rendezvous (double fault)")

// NullPointerException is the translated exception for a fault outside
// the stack-overflow range, carrying the original faulting return address
// for the language-level handler to attach to its thrown object (spec
// §4.G: "rewrite the saved IP to ThrowNullPointerException(ip) ... passing
// the original IP").
type NullPointerException struct {
	IP    uintptr
	Frame *frameinfo.Frame
}

func (e *NullPointerException) Error() string {
	return fmt.Sprintf("sigbridge: null pointer dereference at ip=%#x", e.IP)
}

// StackOverflowError is the translated exception for a fault whose
// approximate stack pointer falls within the thread's guard-page range.
type StackOverflowError struct {
	IP uintptr
}

func (e *StackOverflowError) Error() string {
	return fmt.Sprintf("sigbridge: stack overflow at ip=%#x", e.IP)
}

// Bridge translates hardware faults observed in mutator code. One Bridge
// is shared process-wide; Guard is called per invocation of mutator code
// (conceptually, once per entry trampoline into JIT-compiled code).
type Bridge struct {
	frames *frameinfo.Registry
	pool   *threadalloc.Pool
}

// NewBridge returns a bridge that classifies faults using frames for
// frame-info lookups and pool for guard-page range queries.
func NewBridge(frames *frameinfo.Registry, pool *threadalloc.Pool) *Bridge {
	return &Bridge{frames: frames, pool: pool}
}

// Guard runs fn with hardware-fault translation active for the calling
// goroutine (spec §4.A capability bit permitting — see
// sysprim.SupportsHardwareNullCheck). Any runtime.Error panic is treated
// as a fault: it translates to a returned *NullPointerException or
// *StackOverflowError, or to an error wrapping ErrReentrantFault or
// ErrUnregisteredFault. A panic whose value is not a runtime.Error
// propagates unchanged.
func (b *Bridge) Guard(rec *threadalloc.ThreadRecord, fn func()) (err error) {
	if !sysprim.SupportsHardwareNullCheck() {
		fn()
		return nil
	}

	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rerr, ok := r.(runtime.Error)
		if !ok {
			panic(r)
		}
		if rec.InRV.Load() {
			err = fmt.Errorf("%w: %s", ErrReentrantFault, rerr.Error())
			return
		}
		err = b.translate(rec, rerr)
	}()

	fn()
	return nil
}

// translate reconstructs the classification original_source's
// sigsegvHandler derives from the raw ucontext_t, from what a Go fault
// panic actually exposes: no faulting address, but a live goroutine stack
// whose approximate top-of-stack position and call chain are both
// observable at the point of recover.
func (b *Bridge) translate(rec *threadalloc.ThreadRecord, fault runtime.Error) error {
	var probe byte
	approxSP := uintptr(unsafe.Pointer(&probe))

	if start, end := b.pool.GuardRange(rec); approxSP >= start && approxSP < end {
		return &StackOverflowError{IP: approxSP}
	}

	// The capability-off sibling, CheckNull, raises faults from an exact,
	// known call site; the hardware path instead walks the recovering
	// goroutine's own call stack looking for the nearest return address
	// with registered frame info, exactly as the original trampoline
	// looks up the rewritten IP in the frame-info registry.
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	for _, pc := range pcs[:n] {
		f := b.frames.Lookup(pc)
		if !frameinfo.IsEmpty(f) {
			return &NullPointerException{IP: pc, Frame: f}
		}
	}

	return fmt.Errorf("%w: %s", ErrUnregisteredFault, fault.Error())
}

// CheckNull is the explicit-check call target used when the hardware
// capability bit is off (spec §4.G: "the code generator must emit
// explicit checks; the same ThrowNullPointerException trampoline is then
// used as a call target"). The code generator calls this before every
// dereference it cannot prove non-null; ip identifies the call site for
// the frame-info lookup.
func (b *Bridge) CheckNull(ptr uintptr, ip uintptr) error {
	if ptr != 0 {
		return nil
	}
	f := b.frames.Lookup(ip)
	if frameinfo.IsEmpty(f) {
		return fmt.Errorf("%w: explicit null check at ip=%#x", ErrUnregisteredFault, ip)
	}
	return &NullPointerException{IP: ip, Frame: f}
}
