package kvm

import "unsafe"

const kvmTranslateOp = 0x85

// Translation mirrors struct kvm_translation: a guest virtual address
// in, its physical mapping (as seen by this vcpu's current paging
// mode) out.
type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// Translate resolves t.LinearAddress, filling in the rest of t.
func Translate(vcpuFd uintptr, t *Translation) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmTranslateOp, unsafe.Sizeof(*t)), uintptr(unsafe.Pointer(t)))

	return err
}
