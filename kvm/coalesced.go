package kvm

import "unsafe"

const (
	kvmRegisterCoalescedMMIO   = 0x67
	kvmUnregisterCoalescedMMIO = 0x68
)

// coalescedMMIOZone mirrors struct kvm_coalesced_mmio_zone: an MMIO
// range whose writes the kernel buffers instead of exiting for each
// one, handed to Run's caller as a batch.
type coalescedMMIOZone struct {
	Addr uint64
	Size uint32
	Pad  uint32
}

// RegisterCoalescedMMIO tells the kernel to buffer writes landing in
// [addr, addr+size) instead of exiting to userspace for each one.
func RegisterCoalescedMMIO(vmFd uintptr, addr, size uint64) error {
	zone := coalescedMMIOZone{Addr: addr, Size: uint32(size)}

	_, err := Ioctl(vmFd, IIOW(kvmRegisterCoalescedMMIO, unsafe.Sizeof(zone)), uintptr(unsafe.Pointer(&zone)))

	return err
}

// UnregisterCoalescedMMIO undoes RegisterCoalescedMMIO for the given range.
func UnregisterCoalescedMMIO(vmFd uintptr, addr, size uint64) error {
	zone := coalescedMMIOZone{Addr: addr, Size: uint32(size)}

	_, err := Ioctl(vmFd, IIOW(kvmUnregisterCoalescedMMIO, unsafe.Sizeof(zone)), uintptr(unsafe.Pointer(&zone)))

	return err
}
