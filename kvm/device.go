package kvm

import "unsafe"

const kvmCreateDevice = 0xe0

// DeviceType identifies a kernel-emulated or VFIO-passthrough device
// creatable with CreateDev.
type DeviceType uint32

// A subset of enum kvm_device_type. DevMAX is not a real device type,
// only a sentinel callers use to probe the range.
const (
	DevFSLMPIC20 DeviceType = 1
	DevFSLMPIC42 DeviceType = 2
	DevXICS      DeviceType = 3
	DevVFIO      DeviceType = 4
	DevARMVGICv2 DeviceType = 5
	DevMAX       DeviceType = 31
)

// Device mirrors struct kvm_create_device.
type Device struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// CreateDev asks the kernel to instantiate the device named in dev.Type,
// filling in dev.Fd with its control fd on success.
func CreateDev(vmFd uintptr, dev *Device) error {
	_, err := Ioctl(vmFd, IIOWR(kvmCreateDevice, unsafe.Sizeof(*dev)), uintptr(unsafe.Pointer(dev)))

	return err
}
