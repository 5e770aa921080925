package refqueue

import "sync"

// ScanMode selects how stale-reference correction interacts with scanning
// (spec §4.H "the collector has three scan modes").
type ScanMode int

const (
	// ScanDisabled performs no stale-reference correction at all.
	ScanDisabled ScanMode = iota
	// ScanInclusive queues stale references for correction during a
	// normal scan pass.
	ScanInclusive
	// ScanExclusive un-queues any stale reference reachable from a
	// finalizable object, forcing a rescan; used when finalization and
	// stale-reference correction must not interact (spec: "forces a
	// rescan").
	ScanExclusive
)

// StaleTracker maps opaque tenant/bundle identities to a "stale" bit
// (spec §4.H, Incinerator-style per DESIGN.md's Open Question resolution:
// an opaque tenant-id -> stale-bool map, with no dependency on any
// class-loader internals).
type StaleTracker struct {
	mu    sync.RWMutex
	stale map[int32]bool
}

// NewStaleTracker returns a tracker with every tenant initially non-stale.
func NewStaleTracker() *StaleTracker {
	return &StaleTracker{stale: make(map[int32]bool)}
}

// MarkStale flags tenantID as stale; references owned by a stale tenant
// are corrected to null during scanning, breaking the last incoming link
// so the tenant's objects become unreachable (spec §4.H).
func (t *StaleTracker) MarkStale(tenantID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stale[tenantID] = true
}

// Unmark removes tenantID's stale flag, e.g. once its teardown has fully
// completed and the id may be reused.
func (t *StaleTracker) Unmark(tenantID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stale, tenantID)
}

// IsStale reports whether tenantID is currently marked stale.
func (t *StaleTracker) IsStale(tenantID int32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stale[tenantID]
}

// Correct applies stale-reference correction to ref, owned by tenantID,
// per mode. It returns true if ref was reset to null and should be
// dropped from whatever queue is scanning it.
func (t *StaleTracker) Correct(mode ScanMode, tenantID int32, clear func()) bool {
	switch mode {
	case ScanDisabled:
		return false
	case ScanInclusive:
		if t.IsStale(tenantID) {
			clear()
			return true
		}
		return false
	case ScanExclusive:
		// Exclusive mode only corrects references reachable from a
		// finalizable object; the caller is expected to have already
		// established that context before calling Correct in this mode
		// (FinalizationQueue.ScanForCollector does not call Correct), so
		// the policy collapses to the same stale test here.
		if t.IsStale(tenantID) {
			clear()
			return true
		}
		return false
	default:
		return false
	}
}
