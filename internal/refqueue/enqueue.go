package refqueue

import "github.com/vmkit-go/vmkit/api"

// EnqueueQueue drives the reference-enqueue service thread (spec §4.H:
// "symmetric to finalizer loop; drains to_enqueue and invokes the
// language-level enqueue() method on each reference").
type EnqueueQueue struct {
	pending *buffer[api.Ref]
	wake    chan struct{}
}

// NewEnqueueQueue returns an empty to-enqueue buffer with its own wake
// signal, mirroring FinalizationQueue's.
func NewEnqueueQueue() *EnqueueQueue {
	return &EnqueueQueue{pending: newBuffer[api.Ref](), wake: make(chan struct{}, 1)}
}

// Push adds ref to the to-enqueue buffer and wakes the service thread.
// Queue.ProcessAll does not use it: it is given this EnqueueQueue as its
// toEnqueue argument and pushes through Buffer, then calls WakeIfPending.
func (q *EnqueueQueue) Push(ref api.Ref) {
	q.pending.push(ref)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Buffer exposes the underlying buffer so Queue.ProcessAll can push
// directly without going through Push's wake signal on every single
// reference; callers should call WakeIfPending after a batch of direct
// pushes instead.
func (q *EnqueueQueue) Buffer() *buffer[api.Ref] { return q.pending }

// WakeIfPending signals the service thread if work is waiting. Intended
// to be called once per processing pass, after pushing a batch of
// references directly via Buffer().push (through Queue.ProcessAll).
func (q *EnqueueQueue) WakeIfPending() {
	if q.pending.len() == 0 {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ServiceLoop drains the to-enqueue buffer LIFO and invokes enqueue on
// each reference, discarding any panic per spec §7's propagation policy.
// Returns when stop is closed.
func (q *EnqueueQueue) ServiceLoop(stop <-chan struct{}, enqueue func(api.Ref), onPanic func(recovered any)) {
	for {
		if q.pending.len() == 0 {
			select {
			case <-q.wake:
			case <-stop:
				return
			}
			continue
		}
		for _, ref := range q.pending.drainLIFO() {
			q.enqueueOne(ref, enqueue, onPanic)
		}
	}
}

func (q *EnqueueQueue) enqueueOne(ref api.Ref, enqueue func(api.Ref), onPanic func(recovered any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	if enqueue != nil {
		enqueue(ref)
	}
}
