package kvm

const (
	kvmSetNrMMUPages = 0x44
	kvmGetNrMMUPages = 0x45
)

// SetNrMMUPages sets the number of pages the kernel's shadow MMU may
// use for this VM. Only meaningful without unrestricted-guest EPT/NPT.
func SetNrMMUPages(vmFd uintptr, n uint64) error {
	_, err := Ioctl(vmFd, IIO(kvmSetNrMMUPages), uintptr(n))

	return err
}

// GetNrMMUPages reads back the value set by SetNrMMUPages.
func GetNrMMUPages(vmFd uintptr, n *uint64) error {
	ret, err := Ioctl(vmFd, IIO(kvmGetNrMMUPages), 0)
	*n = uint64(ret)

	return err
}
