package syncutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmkit-go/vmkit/internal/rendezvous"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
)

func newTestThread(t *testing.T) *threadalloc.ThreadRecord {
	t.Helper()
	p, err := threadalloc.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	rec, err := p.New()
	require.NoError(t, err)
	return rec
}

func TestNormalLockExcludesConcurrentAccess(t *testing.T) {
	coord := rendezvous.NewCoordinator()
	lock := NewNormal(coord)
	rec := newTestThread(t)

	counter := 0
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			lock.Lock(rec, 0)
			counter++
			lock.Unlock()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Equal(t, 8, counter)
}

func TestRecursiveLockReentersForOwner(t *testing.T) {
	coord := rendezvous.NewCoordinator()
	lock := NewRecursive(coord)
	rec := newTestThread(t)

	lock.Lock(rec, 0)
	lock.Lock(rec, 0)
	lock.Unlock(rec)
	lock.Unlock(rec)
}

func TestRecursiveUnlockByNonOwnerPanics(t *testing.T) {
	coord := rendezvous.NewCoordinator()
	lock := NewRecursive(coord)
	rec := newTestThread(t)
	other := newTestThread(t)

	lock.Lock(rec, 0)
	require.Panics(t, func() { lock.Unlock(other) })
	lock.Unlock(rec)
}

func TestRecursiveUnlockAllThenRelockAll(t *testing.T) {
	coord := rendezvous.NewCoordinator()
	lock := NewRecursive(coord)
	rec := newTestThread(t)

	lock.Lock(rec, 0)
	lock.Lock(rec, 0)
	lock.Lock(rec, 0)
	n := lock.UnlockAll(rec)
	require.Equal(t, 3, n)

	lock.RelockAll(rec, 0, n)
	lock.Unlock(rec)
	lock.Unlock(rec)
	lock.Unlock(rec)
}

func TestCondSignalWakesOneWaiter(t *testing.T) {
	coord := rendezvous.NewCoordinator()
	lock := NewNormal(coord)
	cond := NewCond(coord, lock)
	rec := newTestThread(t)
	waiter := newTestThread(t)

	awake := make(chan struct{})
	go func() {
		lock.Lock(waiter, 0)
		cond.Wait(waiter, 0)
		lock.Unlock()
		close(awake)
	}()

	time.Sleep(10 * time.Millisecond)
	cond.Signal()

	select {
	case <-awake:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after Signal")
	}
	_ = rec
}

func TestCondBroadcastWakesAllWaiters(t *testing.T) {
	coord := rendezvous.NewCoordinator()
	lock := NewNormal(coord)
	cond := NewCond(coord, lock)

	const n = 4
	awake := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		rec := newTestThread(t)
		go func(rec *threadalloc.ThreadRecord) {
			lock.Lock(rec, 0)
			cond.Wait(rec, 0)
			lock.Unlock()
			awake <- struct{}{}
		}(rec)
	}

	time.Sleep(10 * time.Millisecond)
	cond.Broadcast()

	for i := 0; i < n; i++ {
		select {
		case <-awake:
		case <-time.After(time.Second):
			t.Fatal("not every waiter woke after Broadcast")
		}
	}
}
