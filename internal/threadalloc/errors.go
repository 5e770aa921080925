package threadalloc

import "errors"

// ErrNoFreeThreadSlot is returned by Pool.New when every slot in the
// reserved thread region is occupied. Spec §4.B: "Failing to find a slot is
// a fatal error" — the VM-level wiring in package vm treats this as a
// fatal VM bug (spec §7), not a recoverable condition.
var ErrNoFreeThreadSlot = errors.New("threadalloc: no free thread slot")
