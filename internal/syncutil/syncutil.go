// Package syncutil implements VMKit's safepoint-cooperating locks and
// condition variables (spec §4.C), grounded on
// original_source/lib/vmkit/CommonThread/ctlock.cpp: every blocking
// operation brackets the actual OS-level wait with
// rendezvous.JoinBeforeUncooperative/JoinAfterUncooperative so a mutator
// parked on a lock never stalls a collection rendezvous.
package syncutil

import (
	"sync"

	"github.com/vmkit-go/vmkit/internal/rendezvous"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

// callerSP abstracts how a blocking call publishes its frame pointer to the
// rendezvous; callers typically pass the frame pointer of their own
// trampoline. Zero is an acceptable placeholder when no managed frame is
// active (e.g. a lock taken before any mutator stack exists).
type callerSP = uintptr

// Normal is a non-recursive mutex that brackets its blocking acquisition
// with rendezvous joins, the Go port of ctlock.cpp's LockNormal.
type Normal struct {
	coord *rendezvous.Coordinator
	mu    sync.Mutex
}

// NewNormal returns a Normal lock cooperating with the given rendezvous
// coordinator.
func NewNormal(coord *rendezvous.Coordinator) *Normal {
	return &Normal{coord: coord}
}

// Lock acquires the mutex. rec/sp identify the calling mutator and its
// current frame pointer, used to keep the rendezvous informed while the
// calling goroutine might block.
func (l *Normal) Lock(rec *threadalloc.ThreadRecord, sp callerSP) {
	l.coord.JoinBeforeUncooperative(rec, sp)
	l.mu.Lock()
	l.coord.JoinAfterUncooperative(rec, sp)
}

// Unlock releases the mutex. It never blocks, so it needs no rendezvous
// bracketing (matching LockNormal::unlock in the original).
func (l *Normal) Unlock() {
	l.mu.Unlock()
}

// TryLock attempts to acquire the mutex without blocking, reporting whether
// it succeeded. No rendezvous bracketing is needed since it never parks.
func (l *Normal) TryLock() bool {
	return l.mu.TryLock()
}

// Recursive is a mutex that may be locked multiple times by its owner,
// the Go port of ctlock.cpp's LockRecursive. Recursion is tracked by
// comparing the current ThreadRecord against the owner, not by an OS
// thread id, since VMKit addresses mutators by ThreadRecord throughout.
type Recursive struct {
	coord *rendezvous.Coordinator

	mu    sync.Mutex
	owner *threadalloc.ThreadRecord
	count int

	gateOnce sync.Once
	gateLock *sync.Mutex
}

// NewRecursive returns a Recursive lock cooperating with the given
// rendezvous coordinator.
func NewRecursive(coord *rendezvous.Coordinator) *Recursive {
	return &Recursive{coord: coord}
}

// Lock acquires the lock, incrementing the recursion count if rec already
// owns it.
func (l *Recursive) Lock(rec *threadalloc.ThreadRecord, sp callerSP) {
	l.coord.JoinBeforeUncooperative(rec, sp)
	l.mu.Lock()
	if l.owner == rec {
		l.mu.Unlock()
		l.count++
		l.coord.JoinAfterUncooperative(rec, sp)
		return
	}
	l.mu.Unlock()

	// A second goroutine blocking on the same underlying primitive would
	// deadlock a recursive mutex; Recursive instead blocks acquiring a
	// private gate so a non-owner genuinely blocks while the owner's
	// re-entrant path above never touches the gate at all.
	l.gate().Lock()
	l.mu.Lock()
	l.owner = rec
	l.count = 1
	l.mu.Unlock()
	l.coord.JoinAfterUncooperative(rec, sp)
}

// Unlock decrements the recursion count, releasing the lock entirely when
// it reaches zero. UnlockAll per spec §4.C Open Question resolution
// (DESIGN.md): a zero count at UnlockAll time means the caller never
// owned the lock, which is a VM bug and panics rather than silently
// no-opping.
func (l *Recursive) Unlock(rec *threadalloc.ThreadRecord) {
	l.mu.Lock()
	if l.owner != rec {
		l.mu.Unlock()
		panic("syncutil: Unlock called by non-owner of recursive lock")
	}
	l.count--
	if l.count == 0 {
		l.owner = nil
		l.mu.Unlock()
		l.gate().Unlock()
		return
	}
	l.mu.Unlock()
}

// UnlockAll releases every level of recursion at once and returns the
// count that was held, so a caller can later restore it with RelockAll
// (spec §4.C, used when a mutator must fully release a lock before
// blocking on something unrelated to the rendezvous, e.g. a condition
// variable wait).
func (l *Recursive) UnlockAll(rec *threadalloc.ThreadRecord) int {
	l.mu.Lock()
	if l.owner != rec {
		l.mu.Unlock()
		panic("syncutil: UnlockAll called by non-owner of recursive lock")
	}
	n := l.count
	l.owner = nil
	l.count = 0
	l.mu.Unlock()
	l.gate().Unlock()
	return n
}

// RelockAll reacquires a lock n times, undoing a prior UnlockAll.
func (l *Recursive) RelockAll(rec *threadalloc.ThreadRecord, sp callerSP, n int) {
	for i := 0; i < n; i++ {
		l.Lock(rec, sp)
	}
}

func (l *Recursive) gate() *sync.Mutex {
	// Recursive allocates its gate lazily through a sync.Once so the
	// zero value of Recursive (matching NewRecursive's result) needs no
	// separate initialization step; the gate itself is a per-instance
	// field, allocated once.
	l.gateOnce.Do(func() {
		l.gateLock = &sync.Mutex{}
	})
	return l.gateLock
}

// Cond is a condition variable paired with a Normal lock, the Go port of
// ctlock.cpp's Cond. Wait releases the associated lock, parks, and
// reacquires it before returning — the parked interval is bracketed as
// uncooperative so a GC rendezvous can proceed while mutators wait.
type Cond struct {
	coord *rendezvous.Coordinator
	lock  *Normal

	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCond returns a condition variable associated with lock, which callers
// must hold when calling Wait.
func NewCond(coord *rendezvous.Coordinator, lock *Normal) *Cond {
	return &Cond{coord: coord, lock: lock}
}

// Wait releases the associated lock, blocks until Signal or Broadcast
// wakes this waiter, then reacquires the lock before returning. Callers
// must hold the lock on entry, matching ctlock.cpp's Cond::wait contract.
func (c *Cond) Wait(rec *threadalloc.ThreadRecord, sp callerSP) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	c.lock.Unlock()
	c.coord.JoinBeforeUncooperative(rec, sp)
	<-ch
	c.coord.JoinAfterUncooperative(rec, sp)
	c.lock.Lock(rec, sp)
}

// Signal wakes at most one waiter.
func (c *Cond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return
	}
	ch := c.waiters[0]
	c.waiters = c.waiters[1:]
	close(ch)
}

// Broadcast wakes every current waiter.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}
