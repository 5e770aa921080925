// Package rendezvous implements VMKit's collection rendezvous (spec §4.F),
// the centerpiece of the mutator/collector protocol: bringing every mutator
// to a point where its stack can be walked safely, then releasing them
// together.
//
// Grounded directly on original_source/lib/vmkit/CommonThread/ctthread.cpp
// (enterUncooperativeCode/leaveUncooperativeCode/waitOnSP) — the Go port
// keeps the same flag names (DoYield, JoinedRV, InRV, LastSP) on
// threadalloc.ThreadRecord and the same CAS-as-barrier idiom for publishing
// LastSP.
package rendezvous

import (
	"runtime"
	"sync"

	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

// Coordinator holds the rendezvous's global state (spec §4.F "Global
// state": initiator, nb_joined, lock_rv, cond_initiator, cond_end_rv) plus
// the thread list it synchronizes over (spec §5 "the thread list is
// protected by MyVM.thread_lock" — here Coordinator.threadListMu, which
// doubles as the "single rendezvous in progress at a time" serialization
// point).
type Coordinator struct {
	threadListMu sync.Mutex
	threads      map[*threadalloc.ThreadRecord]struct{}

	mu            sync.Mutex
	condInitiator *sync.Cond
	condEndRV     *sync.Cond
	initiator     *threadalloc.ThreadRecord
	nbJoined      int
	total         int
	inProgress    bool
}

// NewCoordinator returns a ready-to-use rendezvous coordinator with no
// registered threads.
func NewCoordinator() *Coordinator {
	c := &Coordinator{threads: make(map[*threadalloc.ThreadRecord]struct{})}
	c.condInitiator = sync.NewCond(&c.mu)
	c.condEndRV = sync.NewCond(&c.mu)
	return c
}

// AddThread registers a mutator with the rendezvous. Must be called before
// the thread runs any managed code.
func (c *Coordinator) AddThread(rec *threadalloc.ThreadRecord) {
	c.threadListMu.Lock()
	defer c.threadListMu.Unlock()
	c.threads[rec] = struct{}{}
}

// RemoveThread unregisters a mutator, typically once its OS thread has
// been joined (spec §3 thread-record lifecycle).
func (c *Coordinator) RemoveThread(rec *threadalloc.ThreadRecord) {
	c.threadListMu.Lock()
	defer c.threadListMu.Unlock()
	delete(c.threads, rec)
}

// ThreadCount returns the number of currently registered mutators,
// including any initiator. Exposed for tests and metrics.
func (c *Coordinator) ThreadCount() int {
	c.threadListMu.Lock()
	defer c.threadListMu.Unlock()
	return len(c.threads)
}

// ThreadsExcept returns a snapshot of every registered thread other than
// except. Callers must only call this between Synchronize and FinishRV —
// the window threadListMu is held across precisely so the collector can
// enumerate and walk every thread's stack without racing a concurrent
// AddThread/RemoveThread (spec §2's stack-walk phase, §4.F).
func (c *Coordinator) ThreadsExcept(except *threadalloc.ThreadRecord) []*threadalloc.ThreadRecord {
	threads := make([]*threadalloc.ThreadRecord, 0, len(c.threads))
	for rec := range c.threads {
		if rec == except {
			continue
		}
		threads = append(threads, rec)
	}
	return threads
}

// Synchronize is the initiator-side half of the rendezvous (spec §4.F).
// It takes the global thread-list lock (held until FinishRV releases it —
// see the type doc), marks every other thread as needing to yield,
// immediately counts threads already uncooperative (LastSP != 0), and
// blocks until every remaining thread has joined.
func (c *Coordinator) Synchronize(initiator *threadalloc.ThreadRecord) {
	c.threadListMu.Lock()

	c.mu.Lock()
	c.initiator = initiator
	c.inProgress = true
	c.nbJoined = 0
	c.total = 0
	for rec := range c.threads {
		if rec == initiator {
			continue
		}
		c.total++
		rec.DoYield.Store(true)
		// A thread that published a non-zero LastSP before we observed
		// do_yield is already sitting in uncooperative code with its
		// stack frozen at a known pointer: count it joined without
		// waiting for it to notice DoYield at all.
		if rec.LastSP() != 0 && rec.JoinedRV.CompareAndSwap(false, true) {
			c.nbJoined++
		}
	}
	for c.nbJoined < c.total {
		c.condInitiator.Wait()
	}
	c.mu.Unlock()

	// lock_rv (c.mu) is released here so threads leaving uncooperative
	// code can reacquire it in JoinAfterUncooperative while the collector
	// walks stacks; threadListMu stays held until FinishRV.
}

// Join is called by a mutator at a cooperative safepoint poll once it has
// observed DoYield == true (spec §4.F).
func (c *Coordinator) Join(rec *threadalloc.ThreadRecord, callerFP uintptr) {
	rec.CompareAndSwapLastSP(0, callerFP)

	rec.InRV.Store(true)
	c.mu.Lock()
	if rec.JoinedRV.CompareAndSwap(false, true) {
		c.nbJoined++
		if c.nbJoined == c.total {
			c.condInitiator.Signal()
		}
	}
	for c.inProgress {
		c.condEndRV.Wait()
	}
	c.mu.Unlock()
	rec.InRV.Store(false)

	rec.CompareAndSwapLastSP(callerFP, 0)
}

// JoinBeforeUncooperative is called by a mutator about to enter a blocking
// syscall or native call (spec §4.F). If a rendezvous is already in
// progress it joins immediately; otherwise it just publishes LastSP so the
// collector can walk this thread's stack without waiting for it at all.
func (c *Coordinator) JoinBeforeUncooperative(rec *threadalloc.ThreadRecord, sp uintptr) {
	if rec.DoYield.Load() {
		rec.InRV.Store(true)
		c.mu.Lock()
		if rec.JoinedRV.CompareAndSwap(false, true) {
			c.nbJoined++
			if c.nbJoined == c.total {
				c.condInitiator.Signal()
			}
		}
		for c.inProgress {
			c.condEndRV.Wait()
		}
		c.mu.Unlock()
		rec.InRV.Store(false)
		return
	}
	rec.CompareAndSwapLastSP(0, sp)
}

// JoinAfterUncooperative is called by a mutator returning from native code
// (spec §4.F). If a rendezvous is in progress it parks with the given sp
// published until the rendezvous ends.
func (c *Coordinator) JoinAfterUncooperative(rec *threadalloc.ThreadRecord, sp uintptr) {
	rec.CompareAndSwapLastSP(0, sp)

	rec.InRV.Store(true)
	c.mu.Lock()
	for c.inProgress {
		c.condEndRV.Wait()
	}
	c.mu.Unlock()
	rec.InRV.Store(false)

	rec.CompareAndSwapLastSP(sp, 0)
}

// FinishRV is called by the initiator once scanning and GC-plan work are
// complete (spec §4.F). It clears every DoYield/JoinedRV flag, wakes every
// parked mutator, and releases the thread-list lock taken by Synchronize.
func (c *Coordinator) FinishRV() {
	c.mu.Lock()
	for rec := range c.threads {
		rec.DoYield.Store(false)
		rec.JoinedRV.Store(false)
	}
	c.inProgress = false
	c.initiator = nil
	c.condEndRV.Broadcast()
	c.mu.Unlock()

	c.threadListMu.Unlock()
}

// WaitOnSP busy-waits for rec.LastSP() to become non-zero: a short spin
// budget, then an OS-yield loop, per spec §4.F ("Busy-wait on last_sp").
// Used by the stack walker to obtain a suspended thread's starting frame
// pointer.
func (c *Coordinator) WaitOnSP(rec *threadalloc.ThreadRecord) uintptr {
	if sp := rec.LastSP(); sp != 0 {
		return sp
	}
	for i := 0; i < 1000; i++ {
		if sp := rec.LastSP(); sp != 0 {
			return sp
		}
	}
	for {
		if sp := rec.LastSP(); sp != 0 {
			return sp
		}
		runtime.Gosched() // yields the P, analogous to sched_yield()
	}
}

// ConditionalSafepoint is the JIT ABI's safepoint-poll entry point (spec
// §5, §6): tests DoYield and calls Join if set. callerFP identifies the
// calling frame's frame pointer, used as the published LastSP.
func (c *Coordinator) ConditionalSafepoint(rec *threadalloc.ThreadRecord, callerFP uintptr) {
	if rec.DoYield.Load() {
		c.Join(rec, callerFP)
	}
}

// Yield is the cooperative-yield convenience described in spec §12
// (supplemented from original_source's Thread::yield): join a pending
// rendezvous if one is active, then always yield the OS thread.
func (c *Coordinator) Yield(rec *threadalloc.ThreadRecord, callerFP uintptr) {
	if rec.DoYield.Load() && !rec.InRV.Load() {
		c.Join(rec, callerFP)
	}
	runtime.Gosched()
}
