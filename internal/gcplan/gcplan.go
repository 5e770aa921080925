// Package gcplan provides ReferencePlan, a trivial api.GCPlan
// implementation used only by tests and the demonstration cmd/vmkit
// binary to exercise spec §4.F-§4.J end to end. It is explicitly not a
// production collector (spec §13 Non-goals): there is no compaction, no
// generational structure, and no real stack-derived root set — roots are
// whatever the caller explicitly registers with AddRoot.
//
// Grounded on the core/mutator split described throughout
// original_source/lib/vmkit/MMTk (a GCPlan is meant to be pluggable), kept
// here as the simplest possible policy that still satisfies api.GCPlan's
// contract: marking exactly the explicitly registered roots (edges reported
// by write barriers are only recorded as observed, never traced), with
// allocation backed by ordinary Go byte slices anchored in a
// live map so the host Go GC never reclaims them out from under a
// uintptr-typed api.Ref.
package gcplan

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/vmkit-go/vmkit/api"
)

type object struct {
	data   []byte
	vt     *api.VTable
	marked bool
}

// ReferencePlan is a trivial, non-production api.GCPlan: it marks the
// explicitly registered roots live and everything else dead, with no
// transitive tracing and no compaction.
type ReferencePlan struct {
	mu       sync.Mutex
	objects  map[api.Ref]*object
	observed map[api.Ref]struct{}
	roots    map[api.Ref]struct{}
	gcArgs   map[string]string
}

// NewReferencePlan returns a freshly booted ReferencePlan.
func NewReferencePlan() *ReferencePlan {
	return &ReferencePlan{
		objects:  make(map[api.Ref]*object),
		observed: make(map[api.Ref]struct{}),
		roots:    make(map[api.Ref]struct{}),
		gcArgs:   make(map[string]string),
	}
}

// Boot implements api.GCPlan. heapSize and maxHeapSize are ignored, since
// this plan never bounds or grows a real heap.
// gcArgs entries not in key=value form are rejected.
func (p *ReferencePlan) Boot(heapSize, maxHeapSize uintptr, gcArgs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, arg := range gcArgs {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("gcplan: malformed -X:gc argument %q, want key=value", arg)
		}
		p.gcArgs[k] = v
	}
	return nil
}

// AddRoot registers obj as a permanent GC root, reachable every Collect.
func (p *ReferencePlan) AddRoot(obj api.Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roots[obj] = struct{}{}
}

// RemoveRoot unregisters a root added by AddRoot.
func (p *ReferencePlan) RemoveRoot(obj api.Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.roots, obj)
}

// IsLive implements api.GCPlan: true if obj was reached by the most recent
// Collect, or has never been collected yet (objects start live on alloc).
func (p *ReferencePlan) IsLive(obj api.Ref, _ api.Closure) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.objects[obj]
	return ok && o.marked
}

// ScanObject implements api.GCPlan: the write-barrier edge-notification
// hook every FieldWriteBarrier/ArrayWriteBarrier call relays when
// NeedsWriteBarrier is true (spec §4.I). The barrier API conveys only the
// written value, not its containing object, so this trivial plan cannot
// reconstruct a real points-to graph from it; it records *slot as
// "observed" so tests can distinguish objects that were at some point
// stored into a live field from ones that were only ever allocated.
// Observed status never by itself keeps an object alive — only AddRoot
// does that — so callers wanting an object to survive Collect must
// register it as a root explicitly.
func (p *ReferencePlan) ScanObject(slot *api.Ref, _ api.Closure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := *slot
	if ref.IsNil() {
		return
	}
	p.observed[ref] = struct{}{}
}

// WasObserved reports whether obj has ever been written into a slot
// through a write barrier, i.e. reported via ScanObject.
func (p *ReferencePlan) WasObserved(obj api.Ref) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.observed[obj]
	return ok
}

// RetainForFinalize implements api.GCPlan: this plan never moves objects,
// so the finalization-pending reference is unchanged.
func (p *ReferencePlan) RetainForFinalize(obj api.Ref) api.Ref { return obj }

// RetainReferent implements api.GCPlan: same as RetainForFinalize, no
// compaction means no forwarding is ever needed.
func (p *ReferencePlan) RetainReferent(obj api.Ref) api.Ref { return obj }

// GetForwarded implements api.GCPlan: identity, since this plan never
// relocates objects.
func (p *ReferencePlan) GetForwarded(obj api.Ref) api.Ref { return obj }

// NeedsWriteBarrier implements api.GCPlan: true, so every barrier store is
// reported through ScanObject and recorded as observed.
func (p *ReferencePlan) NeedsWriteBarrier() bool { return true }

// NeedsNonHeapWriteBarrier implements api.GCPlan: false, globals are
// treated as permanent roots the caller registers via AddRoot instead.
func (p *ReferencePlan) NeedsNonHeapWriteBarrier() bool { return false }

// Collect implements api.GCPlan: marks every object in the registered root
// set live and every other object dead. This is a whole-heap,
// non-incremental mark pass with no real transitive tracing (see
// ScanObject) — tests exercising multi-hop reachability register every
// live object as its own root rather than relying on graph traversal. It
// never runs inside a rendezvous itself (callers are expected to bracket
// it, per internal/rendezvous.Coordinator.Synchronize), and it performs no
// sweeping, so finalization candidacy is driven entirely by IsLive going
// false for an object the refqueue package already holds.
func (p *ReferencePlan) Collect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, o := range p.objects {
		_, isRoot := p.roots[ref]
		o.marked = isRoot
	}
}

// MutatorAllocate implements api.GCPlan: backs the object with an ordinary
// Go byte slice, kept alive in objects so the host Go runtime's own GC
// never reclaims it while only a uintptr-typed api.Ref refers to it.
// Objects start marked live; the first Collect after allocation decides
// whether they stay so.
func (p *ReferencePlan) MutatorAllocate(size uintptr, vt *api.VTable) (api.Ref, error) {
	n := int(size)
	if n < 2*int(unsafe.Sizeof(uintptr(0))) {
		n = 2 * int(unsafe.Sizeof(uintptr(0)))
	}
	buf := make([]byte, n)
	ref := api.Ref(uintptr(unsafe.Pointer(&buf[0])))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[ref] = &object{data: buf, vt: vt, marked: true}
	if vt != nil {
		api.SetVTable(ref, vt)
	}
	return ref, nil
}
