// Package vm wires every VMKit component into a single VirtualMachine:
// the thread pool, rendezvous coordinator, frame-info registry,
// signal-to-exception bridge, write barriers, reference/finalizer queues,
// and the pluggable GCPlan, matching how the teacher's runtime.Runtime
// assembles its engine, module cache, and sysfs layers behind one facade
// (spec §12).
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vmkit-go/vmkit/api"
	"github.com/vmkit-go/vmkit/config"
	"github.com/vmkit-go/vmkit/internal/barrier"
	"github.com/vmkit-go/vmkit/internal/frameinfo"
	"github.com/vmkit-go/vmkit/internal/metrics"
	"github.com/vmkit-go/vmkit/internal/refqueue"
	"github.com/vmkit-go/vmkit/internal/rendezvous"
	"github.com/vmkit-go/vmkit/internal/sigbridge"
	"github.com/vmkit-go/vmkit/internal/stackwalk"
	"github.com/vmkit-go/vmkit/internal/threadalloc"
	"github.com/vmkit-go/vmkit/internal/vmlog"
)

// VirtualMachine is VMKit's top-level facade: one instance owns the
// thread pool, the rendezvous coordinator, the frame-info registry, and
// the three reference-semantics queues, all driven by a single pluggable
// GCPlan (spec §4.F-§4.J, §12).
type VirtualMachine struct {
	cfg     *config.Config
	log     *vmlog.Logger
	metrics *metrics.Metrics

	pool   *threadalloc.Pool
	coord  *rendezvous.Coordinator
	frames *frameinfo.Registry
	bridge *sigbridge.Bridge

	plan     api.GCPlan
	barriers *barrier.Barriers

	finalization *refqueue.FinalizationQueue
	enqueue      *refqueue.EnqueueQueue
	weak         *refqueue.Queue
	soft         *refqueue.Queue
	phantom      *refqueue.Queue
	stale        *refqueue.StaleTracker

	gcThread *threadalloc.ThreadRecord

	stopServices chan struct{}
	services     sync.WaitGroup

	mu        sync.Mutex
	collectMu sync.Mutex
	shutdown  bool
}

// Options supplies the collaborators a VirtualMachine wires together.
// FinalizeCallback is invoked by the finalizer service thread for any
// object whose vtable has no destructor but was still registered as a
// finalization candidate (spec §4.H); it may be nil.
// EnqueueCallback is invoked by the enqueue service thread once a
// reference's referent has died and the reference itself should be
// handed to language-level reference-queue machinery; it may be nil.
type Options struct {
	Config           *config.Config
	Plan             api.GCPlan
	Registerer       prometheus.Registerer
	FinalizeCallback func(api.Ref)
	EnqueueCallback  func(api.Ref)
	PanicHandler     func(recovered any)

	// IsolateOwner, when non-nil, enables stale-reference correction (spec
	// §4.H): it maps a weak/soft/phantom referent to its owning tenant
	// id, consulted against StaleTracker during every reference-queue
	// scan according to StaleMode. Nil disables the feature entirely,
	// matching its "optional, compile-time flag" framing in the spec.
	IsolateOwner func(api.Ref) int32
	StaleMode    refqueue.ScanMode
}

// Boot constructs a VirtualMachine: reserves the thread pool, boots the
// GCPlan with the configured heap bounds and raw -X:gc arguments, and
// starts the finalizer and enqueue service threads. A boot failure is
// always a fatal VM bug (spec §7): there is no partially-booted state to
// recover from.
func Boot(opts Options) (*VirtualMachine, error) {
	if opts.Config == nil {
		opts.Config = config.New("vmkit")
	}
	if opts.Plan == nil {
		return nil, fmt.Errorf("vm: Boot requires a non-nil GCPlan")
	}

	pool, err := threadalloc.NewPool()
	if err != nil {
		return nil, fmt.Errorf("vm: reserving thread pool: %w", err)
	}

	if err := opts.Plan.Boot(uintptr(*opts.Config.HeapSize), uintptr(*opts.Config.MaxHeapSize), []string(*opts.Config.GCArgs)); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("vm: booting gc plan: %w", err)
	}

	coord := rendezvous.NewCoordinator()
	frames := frameinfo.NewRegistry()
	bridge := sigbridge.NewBridge(frames, pool)
	finalization := refqueue.NewFinalizationQueue(opts.Plan)
	enqueue := refqueue.NewEnqueueQueue()
	softLimiter := refqueue.NewSoftPressureLimiter(time.Second, 64)
	staleTracker := refqueue.NewStaleTracker()

	level, err := logrus.ParseLevel(*opts.Config.LogLevel)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("vm: parsing log level: %w", err)
	}

	vmInstance := &VirtualMachine{
		cfg:          opts.Config,
		log:          vmlog.New(nil, level),
		metrics:      metrics.New(opts.Registerer),
		pool:         pool,
		coord:        coord,
		frames:       frames,
		bridge:       bridge,
		plan:         opts.Plan,
		barriers:     barrier.NewBarriers(opts.Plan, coord, finalization),
		finalization: finalization,
		enqueue:      enqueue,
		weak:         refqueue.NewQueue(refqueue.Weak, opts.Plan, nil).WithStaleCorrection(staleTracker, opts.StaleMode, opts.IsolateOwner),
		soft:         refqueue.NewQueue(refqueue.Soft, opts.Plan, softLimiter).WithStaleCorrection(staleTracker, opts.StaleMode, opts.IsolateOwner),
		phantom:      refqueue.NewQueue(refqueue.Phantom, opts.Plan, nil).WithStaleCorrection(staleTracker, opts.StaleMode, opts.IsolateOwner),
		stale:        staleTracker,
		stopServices: make(chan struct{}),
	}

	gcThread, err := pool.New()
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("vm: allocating gc thread record: %w: %w", api.ErrVMBug, err)
	}
	vmInstance.gcThread = gcThread
	coord.AddThread(gcThread)

	// A panic inside a finalizer or enqueue callback is swallowed after a
	// warning is logged; opts.PanicHandler, if set, is then given the value.
	onPanic := func(recovered any) {
		vmInstance.log.Component("refqueue").Warn("panic in finalizer or enqueue callback", map[string]any{"panic": fmt.Sprint(recovered)})
		if opts.PanicHandler != nil {
			opts.PanicHandler(recovered)
		}
	}

	vmInstance.services.Add(2)
	go func() {
		defer vmInstance.services.Done()
		finalization.ServiceLoop(vmInstance.stopServices, opts.FinalizeCallback, onPanic)
	}()
	go func() {
		defer vmInstance.services.Done()
		enqueue.ServiceLoop(vmInstance.stopServices, opts.EnqueueCallback, onPanic)
	}()

	vmInstance.log.Component("vm").Infof("booted")
	return vmInstance, nil
}

// AttachThread allocates a ThreadRecord for a new mutator thread and joins
// it to the rendezvous coordinator's thread list, so future
// Collect calls wait for it (spec §4.B, §4.C).
func (vmInstance *VirtualMachine) AttachThread() (*threadalloc.ThreadRecord, error) {
	vmInstance.mu.Lock()
	closed := vmInstance.shutdown
	vmInstance.mu.Unlock()
	if closed {
		return nil, api.ErrShuttingDown
	}

	rec, err := vmInstance.pool.New()
	if err != nil {
		// Thread-slot exhaustion is a fatal VM bug per spec §7 ("Failing
		// to find a slot is a fatal error"): there is no well-defined
		// degraded mode to fall back to, so it is wrapped in api.ErrVMBug
		// for the caller rather than treated as an ordinary recoverable
		// error.
		return nil, fmt.Errorf("vm: attaching thread: %w: %w", api.ErrVMBug, err)
	}
	vmInstance.coord.AddThread(rec)
	vmInstance.log.Component("vm").WithThread(uint64(rec.Slot())).Infof("thread attached")
	return rec, nil
}

// DetachThread removes rec from the rendezvous thread list and releases
// its slot back to the pool. Callers must ensure rec's OS thread has
// already terminated (spec §4.B).
func (vmInstance *VirtualMachine) DetachThread(rec *threadalloc.ThreadRecord) {
	vmInstance.coord.RemoveThread(rec)
	vmInstance.pool.Release(rec)
	vmInstance.log.Component("vm").WithThread(uint64(rec.Slot())).Infof("thread detached")
}

// Barriers returns the write-barrier/allocation API JIT-generated code
// calls directly (spec §4.I).
func (vmInstance *VirtualMachine) Barriers() *barrier.Barriers { return vmInstance.barriers }

// Frames returns the frame-info registry JIT-generated code registers
// live-pointer maps into (spec §4.D, §6).
func (vmInstance *VirtualMachine) Frames() *frameinfo.Registry { return vmInstance.frames }

// Bridge returns the signal-to-exception translator (spec §4.G).
func (vmInstance *VirtualMachine) Bridge() *sigbridge.Bridge { return vmInstance.bridge }

// GuardManaged runs fn with the signal-to-exception bridge active (spec
// §4.G): a faulting memory access inside fn is classified and returned as
// a *sigbridge.NullPointerException or *sigbridge.StackOverflowError
// instead of crashing the process. A fault the bridge cannot attribute to
// any registered managed frame is, per spec §7, a fatal VM bug rather than
// a recoverable exception: it is logged at FatalLevel and exits the
// process instead of being returned to fn's caller. The same holds for a
// fault on a thread already inside the rendezvous. A recoverable
// exception is logged at WarnLevel before it is returned.
func (vmInstance *VirtualMachine) GuardManaged(rec *threadalloc.ThreadRecord, fn func()) error {
	err := vmInstance.bridge.Guard(rec, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, sigbridge.ErrUnregisteredFault) {
		vmInstance.log.Component("sigbridge").Fatal("fault outside any registered managed frame", map[string]any{"error": err.Error()})
	}
	if errors.Is(err, sigbridge.ErrReentrantFault) {
		vmInstance.log.Component("sigbridge").Fatal("fault struck thread already in rendezvous (double fault)", map[string]any{"error": err.Error()})
	}
	vmInstance.log.Component("sigbridge").Warn("fault translated to a recoverable exception", map[string]any{"error": err.Error()})
	return err
}

// StaleTracker returns the stale-reference tracker used to correct
// references into torn-down tenants/bundles during scanning (spec §4.H).
func (vmInstance *VirtualMachine) StaleTracker() *refqueue.StaleTracker { return vmInstance.stale }

// RegisterWeak, RegisterSoft, and RegisterPhantom add ref to the
// corresponding reference-semantics queue, to be processed on the next
// Collect (spec §4.H).
func (vmInstance *VirtualMachine) RegisterWeak(ref api.Ref)    { vmInstance.weak.Register(ref) }
func (vmInstance *VirtualMachine) RegisterSoft(ref api.Ref)    { vmInstance.soft.Register(ref) }
func (vmInstance *VirtualMachine) RegisterPhantom(ref api.Ref) { vmInstance.phantom.Register(ref) }

// Collect performs one full stop-the-world collection cycle (spec §4.C,
// §4.F, §4.H): it synchronizes every attached mutator thread at a
// safepoint, lets the GCPlan trace and reclaim the heap, processes every
// reference-semantics queue and the finalization candidate list, and then
// resumes every mutator. Only one Collect may run at a time; concurrent
// callers block on collectMu exactly as real GC-triggering threads would
// serialize on the rendezvous initiator role.
func (vmInstance *VirtualMachine) Collect() {
	vmInstance.collectMu.Lock()
	defer vmInstance.collectMu.Unlock()

	start := time.Now()
	vmInstance.coord.Synchronize(vmInstance.gcThread)
	mutators := vmInstance.coord.ThreadsExcept(vmInstance.gcThread)
	joined := len(mutators)

	closure := api.Closure(0)
	for _, rec := range mutators {
		vmInstance.scanStack(rec, closure)
	}

	vmInstance.plan.Collect()

	vmInstance.weak.ProcessAll(closure, vmInstance.enqueue)
	vmInstance.soft.ProcessAll(closure, vmInstance.enqueue)
	vmInstance.phantom.ProcessAll(closure, vmInstance.enqueue)
	vmInstance.finalization.ScanForCollector(closure)

	vmInstance.coord.FinishRV()

	vmInstance.metrics.ObserveRendezvous(time.Since(start).Seconds(), joined)
	vmInstance.log.Component("vm").Infof("collection cycle complete")
}

// scanStack walks rec's call frames (spec §4.E) and reports every live
// stack slot as a traced root to the GC plan (spec §2: "walks each thread's
// stack ... consulting the frame registry ... enumerates roots, hands them
// to the GC plan"). Each frame's LiveOffsets is frame-pointer-relative; an
// offset with its low bit set is a tagged non-object intermediate value and
// must be skipped rather than dereferenced (spec §6).
func (vmInstance *VirtualMachine) scanStack(rec *threadalloc.ThreadRecord, closure api.Closure) {
	cur := stackwalk.NewOther(vmInstance.frames, rec, vmInstance.coord)
	for !cur.Done() {
		if frame := cur.Current(); frame != nil && !frameinfo.IsEmpty(frame) {
			for _, offset := range frame.LiveOffsets {
				if offset&1 != 0 {
					continue
				}
				addr := uintptr(int64(cur.CurrentFP()) + int64(offset))
				slot := (*api.Ref)(unsafe.Pointer(addr))
				vmInstance.plan.ScanObject(slot, closure)
			}
		}
		if !cur.AdvanceCaller() {
			break
		}
	}
}

// Shutdown stops the finalizer and enqueue service threads after running
// one final collection so any outstanding finalizers get a chance to run,
// then waits for both service goroutines to return or ctx to expire,
// whichever comes first (spec §12).
func (vmInstance *VirtualMachine) Shutdown(ctx context.Context) error {
	vmInstance.mu.Lock()
	if vmInstance.shutdown {
		vmInstance.mu.Unlock()
		return api.ErrShuttingDown
	}
	vmInstance.shutdown = true
	vmInstance.mu.Unlock()

	vmInstance.Collect()
	close(vmInstance.stopServices)

	done := make(chan struct{})
	go func() {
		vmInstance.services.Wait()
		close(done)
	}()

	select {
	case <-done:
		vmInstance.coord.RemoveThread(vmInstance.gcThread)
		vmInstance.pool.Release(vmInstance.gcThread)
		return vmInstance.pool.Close()
	case <-ctx.Done():
		return fmt.Errorf("vm: shutdown: %w", ctx.Err())
	}
}
