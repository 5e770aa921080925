package api

import "errors"

// ErrShuttingDown is returned by operations attempted after
// vm.VirtualMachine.Shutdown has been called (spec §12 supplemented
// feature).
var ErrShuttingDown = errors.New("vmkit: virtual machine is shutting down")

// ErrVMBug marks an error returned to the caller for a condition spec §7
// classifies as a "fatal VM bug" (a broken invariant rather than a
// user-triggerable condition). vm.VirtualMachine wraps thread-slot
// exhaustion in it, from Boot and AttachThread. A fault outside any
// registered frame and a fault while already in_rv are never returned:
// vm.VirtualMachine.GuardManaged logs them at FatalLevel and exits.
var ErrVMBug = errors.New("vmkit: fatal VM bug")
