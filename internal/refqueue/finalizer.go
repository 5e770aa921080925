package refqueue

import (
	"sync"

	"github.com/vmkit-go/vmkit/api"
)

// FinalizationQueue tracks finalization candidates across a collection
// cycle and feeds the finalizer service thread (spec §4.H).
type FinalizationQueue struct {
	plan api.GCPlan

	candidatesMu sync.Mutex
	candidates   []api.Ref

	toBeFinalized *buffer[api.Ref]

	// wake is a capacity-1 signal: ScanForCollector sends (non-blocking)
	// whenever it adds work, ServiceLoop receives to stop idling. This
	// plays the role of spec §4.H's finalization_cond without needing a
	// stop-aware variant of sync.Cond.Wait.
	wake chan struct{}
}

// NewFinalizationQueue returns an empty finalization queue driven by plan.
func NewFinalizationQueue(plan api.GCPlan) *FinalizationQueue {
	return &FinalizationQueue{
		plan:          plan,
		toBeFinalized: newBuffer[api.Ref](),
		wake:          make(chan struct{}, 1),
	}
}

// RegisterCandidate adds obj as a finalization candidate, typically called
// from alloc_unresolved when obj's vtable declares a non-empty destructor
// (spec §4.I).
func (q *FinalizationQueue) RegisterCandidate(obj api.Ref) {
	q.candidatesMu.Lock()
	defer q.candidatesMu.Unlock()
	q.candidates = append(q.candidates, obj)
}

// ScanForCollector is the per-thread finalization-queue scan the collector
// calls during a cycle (spec §4.H "Finalization-queue scan"): live
// candidates are kept (forwarded) for the next cycle, dead candidates are
// retained-for-finalize and moved onto the to-be-finalized buffer. If any
// were added, the finalizer service thread is woken (spec: "broadcast
// finalization_cond if any were added").
func (q *FinalizationQueue) ScanForCollector(closure api.Closure) {
	q.candidatesMu.Lock()
	candidates := q.candidates
	q.candidates = q.candidates[:0]
	q.candidatesMu.Unlock()

	var added bool
	for _, obj := range candidates {
		if q.plan.IsLive(obj, closure) {
			q.candidatesMu.Lock()
			q.candidates = append(q.candidates, q.plan.GetForwarded(obj))
			q.candidatesMu.Unlock()
			continue
		}
		retained := q.plan.RetainForFinalize(obj)
		q.toBeFinalized.push(retained)
		added = true
	}

	if added {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// ServiceLoop is the finalizer thread body (spec §4.H "Finalizer thread
// loop"): wait until work is pending, drain the to-be-finalized buffer
// LIFO, and run each object's destructor (direct call if its vtable
// declares one; otherwise invoke finalize, the language-level finalizer
// method). Exceptions during finalization are caught and discarded (spec
// §7 propagation policy). Returns when stop is closed.
func (q *FinalizationQueue) ServiceLoop(stop <-chan struct{}, finalize func(api.Ref), onPanic func(recovered any)) {
	for {
		if q.toBeFinalized.len() == 0 {
			select {
			case <-q.wake:
			case <-stop:
				return
			}
			continue
		}
		for _, obj := range q.toBeFinalized.drainLIFO() {
			q.finalizeOne(obj, finalize, onPanic)
		}
	}
}

func (q *FinalizationQueue) finalizeOne(obj api.Ref, finalize func(api.Ref), onPanic func(recovered any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()

	vt := api.VTableAt(obj)
	if vt != nil && vt.HasDestructor() {
		vt.Destructor(obj)
		return
	}
	if finalize != nil {
		finalize(obj)
	}
}
