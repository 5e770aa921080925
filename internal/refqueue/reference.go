package refqueue

import (
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/vmkit-go/vmkit/api"
)

// Kind distinguishes the three reference semantics of spec §4.H.
type Kind int

const (
	Weak Kind = iota
	Soft
	Phantom
)

// Queue is one of the three reference-semantics queues of spec §4.H:
// weak, soft, or phantom. Soft queues additionally rate-limit how often
// they retain a referent under memory pressure, using catrate so a burst
// of soft-reference processing during one collection cycle cannot thrash
// retention decisions faster than the configured pressure window allows.
type Queue struct {
	kind     Kind
	plan     api.GCPlan
	pending  *buffer[api.Ref]
	pressure *catrate.Limiter

	stale *StaleTracker
	mode  ScanMode
	owner func(api.Ref) int32
}

// softPressureCategory is the catrate category key for this process's
// soft-reference retention decisions; a single process-wide rate is
// sufficient since retention policy is plan-global, not per-queue.
const softPressureCategory = "soft-reference-retain"

// NewQueue returns a reference queue of the given kind. pressure may be
// nil for Weak/Phantom queues, which never consult it; Soft queues should
// be given a shared *catrate.Limiter (see NewSoftPressureLimiter).
func NewQueue(kind Kind, plan api.GCPlan, pressure *catrate.Limiter) *Queue {
	return &Queue{kind: kind, plan: plan, pending: newBuffer[api.Ref](), pressure: pressure}
}

// NewSoftPressureLimiter returns a rate limiter suitable for gating soft-
// reference retention: at most maxRetainsPerWindow retain decisions are
// honored per window, so a GC-pressure spike degrades to "clear the
// referent" (as if under no pressure at all) rather than starving the
// collector with unbounded retention.
func NewSoftPressureLimiter(window time.Duration, maxRetainsPerWindow int) *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{window: maxRetainsPerWindow})
}

// Register adds ref as a candidate the next scan will process.
func (q *Queue) Register(ref api.Ref) {
	q.pending.push(ref)
}

// WithStaleCorrection enables stale-reference correction (spec §4.H) on
// this queue: owner maps a referent to its owning tenant/bundle id, and
// mode selects how StaleTracker.Correct interacts with the scan. Returns
// q for chaining at construction. A queue with no owner func (the default)
// never consults stale, identical to the correction being compile-time
// disabled per spec §4.H's "optional, compile-time flag" framing.
func (q *Queue) WithStaleCorrection(stale *StaleTracker, mode ScanMode, owner func(api.Ref) int32) *Queue {
	q.stale = stale
	q.mode = mode
	q.owner = owner
	return q
}

// ProcessAll drains every registered reference and applies
// process_reference to each (spec §4.H). References whose referent died
// this cycle are pushed onto toEnqueue for the enqueue service thread;
// references that are still live for another cycle are re-registered.
func (q *Queue) ProcessAll(closure api.Closure, toEnqueue *EnqueueQueue) {
	for _, ref := range q.pending.drainLIFO() {
		q.processOne(ref, closure, toEnqueue.Buffer())
	}
	toEnqueue.WakeIfPending()
}

func (q *Queue) processOne(ref api.Ref, closure api.Closure, toEnqueue *buffer[api.Ref]) {
	// Step 1: if ref itself is not live, it is dropped outright — there
	// is no reference object left to update.
	if !q.plan.IsLive(ref, closure) {
		return
	}

	// Step 2: read the current referent; a null referent means this
	// reference was already cleared (e.g. by the mutator) and is dropped.
	referent := api.GetReferent(ref)
	if referent.IsNil() {
		return
	}

	// Step 2b: stale-reference correction (spec §4.H). A referent owned by
	// a tenant marked stale is treated exactly like a dead referent: the
	// reference is cleared and handed to the enqueue queue, breaking the
	// last incoming link the same way a normal death would.
	if q.stale != nil && q.owner != nil {
		if q.stale.Correct(q.mode, q.owner(referent), func() {}) {
			forwardedRef := q.plan.GetForwarded(ref)
			api.SetReferent(forwardedRef, 0)
			toEnqueue.push(forwardedRef)
			return
		}
	}

	// Step 3: per-semantics retain policy.
	if q.kind == Soft && q.underPressure() {
		referent = q.plan.RetainReferent(referent)
	}

	// Step 4: fetch the forwarded ref, then decide based on the
	// (possibly just-retained) referent's liveness.
	forwardedRef := q.plan.GetForwarded(ref)
	if q.plan.IsLive(referent, closure) {
		api.SetReferent(forwardedRef, q.plan.GetForwarded(referent))
		q.pending.push(forwardedRef)
		return
	}

	// Phantom referents are never surfaced to language code even while
	// live (spec: "referent is never returned to language code"), but the
	// field is still cleared here the same way on death, since nothing
	// reads a dead phantom's referent either way.
	api.SetReferent(forwardedRef, 0)
	toEnqueue.push(forwardedRef)
}

func (q *Queue) underPressure() bool {
	if q.pressure == nil {
		return true
	}
	_, allowed := q.pressure.Allow(softPressureCategory)
	return allowed
}
