package refqueue

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vmkit-go/vmkit/api"
)

// keptAlive anchors every synthetic reference object allocated by refObj
// so the garbage collector never reclaims the backing array out from
// under a uintptr-typed api.Ref, which by construction carries no GC
// visibility of its own.
var keptAlive []*[2]uintptr

func TestBufferGrowsAndDrainsLIFO(t *testing.T) {
	b := newBuffer[int]()
	for i := 0; i < initialQueueSize+10; i++ {
		b.push(i)
	}
	require.Equal(t, initialQueueSize+10, b.len())

	drained := b.drainLIFO()
	require.Len(t, drained, initialQueueSize+10)
	require.Equal(t, initialQueueSize+9, drained[0])
	require.Equal(t, 0, drained[len(drained)-1])
	require.Equal(t, 0, b.len())
}

// fakePlan is a minimal api.GCPlan stub: liveness and forwarding are both
// driven by simple in-memory maps so tests can control exactly which refs
// are "alive" without a real collector.
type fakePlan struct {
	live map[api.Ref]bool
}

func newFakePlan() *fakePlan { return &fakePlan{live: make(map[api.Ref]bool)} }

func (p *fakePlan) Boot(uintptr, uintptr, []string) error                 { return nil }
func (p *fakePlan) IsLive(obj api.Ref, _ api.Closure) bool                { return p.live[obj] }
func (p *fakePlan) ScanObject(*api.Ref, api.Closure)                      {}
func (p *fakePlan) RetainForFinalize(obj api.Ref) api.Ref                 { p.live[obj] = true; return obj }
func (p *fakePlan) RetainReferent(obj api.Ref) api.Ref                    { p.live[obj] = true; return obj }
func (p *fakePlan) GetForwarded(obj api.Ref) api.Ref                      { return obj }
func (p *fakePlan) NeedsWriteBarrier() bool                               { return true }
func (p *fakePlan) NeedsNonHeapWriteBarrier() bool                        { return true }
func (p *fakePlan) Collect()                                              {}
func (p *fakePlan) MutatorAllocate(uintptr, *api.VTable) (api.Ref, error) { return 0, nil }

// refObj allocates a small heap buffer laid out as [vtable ptr][referent],
// matching api's fixed reference-object layout, and returns its api.Ref.
func refObj(t *testing.T) api.Ref {
	t.Helper()
	buf := new([2]uintptr)
	keptAlive = append(keptAlive, buf)
	return api.Ref(uintptr(unsafe.Pointer(buf)))
}

func TestQueueProcessAllDropsDeadReferenceObjects(t *testing.T) {
	plan := newFakePlan()
	q := NewQueue(Weak, plan, nil)
	enqueue := NewEnqueueQueue()

	dead := refObj(t)
	// plan.live defaults false: the reference object itself is dead.
	q.Register(dead)

	q.ProcessAll(api.Closure(0), enqueue)
	require.Equal(t, 0, enqueue.pending.len())
}

func TestQueueProcessAllClearsAndEnqueuesOnDeadReferent(t *testing.T) {
	plan := newFakePlan()
	q := NewQueue(Weak, plan, nil)
	enqueue := NewEnqueueQueue()

	ref := refObj(t)
	referent := refObj(t)
	plan.live[ref] = true
	// referent defaults to dead.
	api.SetReferent(ref, referent)

	q.Register(ref)
	q.ProcessAll(api.Closure(0), enqueue)

	require.True(t, api.GetReferent(ref).IsNil())
	require.Equal(t, 1, enqueue.pending.len())
}

func TestQueueProcessAllKeepsLiveReferentRegistered(t *testing.T) {
	plan := newFakePlan()
	q := NewQueue(Weak, plan, nil)
	enqueue := NewEnqueueQueue()

	ref := refObj(t)
	referent := refObj(t)
	plan.live[ref] = true
	plan.live[referent] = true
	api.SetReferent(ref, referent)

	q.Register(ref)
	q.ProcessAll(api.Closure(0), enqueue)

	require.Equal(t, referent, api.GetReferent(ref))
	require.Equal(t, 0, enqueue.pending.len())
	require.Equal(t, 1, q.pending.len())
}

func TestFinalizationQueueServiceLoopCallsDestructor(t *testing.T) {
	plan := newFakePlan()
	fq := NewFinalizationQueue(plan)

	obj := refObj(t)
	var called bool
	vt := &api.VTable{Destructor: func(api.Ref) { called = true }}
	api.SetVTable(obj, vt)

	fq.RegisterCandidate(obj)
	fq.ScanForCollector(api.Closure(0))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		fq.ServiceLoop(stop, nil, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return called }, time.Second, time.Millisecond)
	close(stop)
	<-done
}

func TestEnqueueQueueServiceLoopInvokesEnqueue(t *testing.T) {
	eq := NewEnqueueQueue()
	ref := refObj(t)
	eq.Push(ref)

	var got api.Ref
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		eq.ServiceLoop(stop, func(r api.Ref) { got = r }, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return got == ref }, time.Second, time.Millisecond)
	close(stop)
	<-done
}

func TestQueueProcessAllClearsReferentOwnedByStaleTenant(t *testing.T) {
	plan := newFakePlan()
	st := NewStaleTracker()
	st.MarkStale(42)

	owner := map[api.Ref]int32{}
	q := NewQueue(Weak, plan, nil).WithStaleCorrection(st, ScanInclusive, func(r api.Ref) int32 { return owner[r] })
	enqueue := NewEnqueueQueue()

	ref := refObj(t)
	referent := refObj(t)
	plan.live[ref] = true
	plan.live[referent] = true // referent is otherwise perfectly live...
	owner[referent] = 42       // ...but owned by a tenant marked stale.
	api.SetReferent(ref, referent)

	q.Register(ref)
	q.ProcessAll(api.Closure(0), enqueue)

	require.True(t, api.GetReferent(ref).IsNil())
	require.Equal(t, 1, enqueue.pending.len())
	require.Equal(t, 0, q.pending.len())
}

func TestQueueProcessAllKeepsReferentWhenTenantNotStale(t *testing.T) {
	plan := newFakePlan()
	st := NewStaleTracker()

	owner := map[api.Ref]int32{}
	q := NewQueue(Weak, plan, nil).WithStaleCorrection(st, ScanInclusive, func(r api.Ref) int32 { return owner[r] })
	enqueue := NewEnqueueQueue()

	ref := refObj(t)
	referent := refObj(t)
	plan.live[ref] = true
	plan.live[referent] = true
	owner[referent] = 7 // not marked stale
	api.SetReferent(ref, referent)

	q.Register(ref)
	q.ProcessAll(api.Closure(0), enqueue)

	require.Equal(t, referent, api.GetReferent(ref))
	require.Equal(t, 0, enqueue.pending.len())
	require.Equal(t, 1, q.pending.len())
}

func TestStaleTrackerCorrectsOnlyStaleTenants(t *testing.T) {
	st := NewStaleTracker()
	st.MarkStale(7)

	var cleared bool
	require.True(t, st.Correct(ScanInclusive, 7, func() { cleared = true }))
	require.True(t, cleared)

	cleared = false
	require.False(t, st.Correct(ScanInclusive, 8, func() { cleared = true }))
	require.False(t, cleared)

	require.False(t, st.Correct(ScanDisabled, 7, func() { cleared = true }))
}
