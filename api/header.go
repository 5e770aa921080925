package api

import (
	"unsafe"
)

// Ref is an opaque managed heap reference: the address of an object's
// header word (spec §3 "Object header"). The header word is always a
// pointer to the object's VTable.
type Ref uintptr

// IsNil reports whether ref is the null reference.
func (r Ref) IsNil() bool { return r == 0 }

// wordSize is duplicated here (rather than imported from internal/sysprim)
// because api is the module's only public package and must not import
// internal packages; its value is fixed by the same assumption
// internal/sysprim encodes.
const wordSize = unsafe.Sizeof(uintptr(0))

// referentOffset is the fixed byte offset of a reference object's
// referent field, immediately following the header's vtable pointer.
// Every weak/soft/phantom reference object the runtime manages is laid
// out this way (spec §4.H).
const referentOffset = wordSize

// VTable is the fixed three-function-pointer object header contract of
// spec §4.I/§3: "the first three words are destructor, operator-delete,
// and tracer function pointers."
type VTable struct {
	Destructor     func(obj Ref)
	OperatorDelete func(obj Ref)
	Tracer         func(obj Ref, closure Closure, scan func(slot *Ref))
}

// EmptyDestructor is the sentinel VTable.Destructor value meaning "this
// type declares no finalizer" (spec §4.H: "if destructor != empty_destructor").
func EmptyDestructor(Ref) {}

// HasDestructor reports whether vt declares a real (non-sentinel)
// destructor.
func (vt *VTable) HasDestructor() bool {
	return vt.Destructor != nil && !funcsEqual(vt.Destructor, EmptyDestructor)
}

// funcsEqual exists because Go forbids comparing func values directly;
// it compares the underlying code pointers, which is sound here since
// EmptyDestructor is a single package-level function value, never a
// closure.
func funcsEqual(a, b func(Ref)) bool {
	return *(*uintptr)(unsafe.Pointer(&a)) == *(*uintptr)(unsafe.Pointer(&b))
}

// VTableAt reads the vtable pointer stored in obj's header word.
func VTableAt(obj Ref) *VTable {
	return *(**VTable)(unsafe.Pointer(uintptr(obj)))
}

// SetVTable installs vt as obj's header word. Used by alloc/postalloc.
func SetVTable(obj Ref, vt *VTable) {
	*(**VTable)(unsafe.Pointer(uintptr(obj))) = vt
}

// GetReferent reads the referent field of a weak/soft/phantom reference
// object.
func GetReferent(ref Ref) Ref {
	return *(*Ref)(unsafe.Pointer(uintptr(ref) + referentOffset))
}

// SetReferent overwrites the referent field of a weak/soft/phantom
// reference object.
func SetReferent(ref Ref, v Ref) {
	*(*Ref)(unsafe.Pointer(uintptr(ref) + referentOffset)) = v
}
