package kvm

const (
	kvmSetTSCKHz = 0xa2
	kvmGetTSCKHz = 0xa3
)

// GetTSCKHz returns the vcpu's virtualized TSC frequency in kHz, or an
// error if the host does not let it be probed.
func GetTSCKHz(vcpuFd uintptr) (uint64, error) {
	ret, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHz), 0)

	return uint64(ret), err
}

// SetTSCKHz pins the vcpu's virtualized TSC frequency, typically to
// the value read from the source host before a migration.
func SetTSCKHz(vcpuFd uintptr, khz uint64) error {
	_, err := Ioctl(vcpuFd, IIO(kvmSetTSCKHz), uintptr(khz))

	return err
}
