package kvm

import (
	"encoding/binary"
	"unsafe"
)

const (
	kvmGetEmulatedCPUID = 0x09
	kvmGetCPUID2        = 0x91
)

// CPUIDFuncPerMon is the CPUID leaf advertising architectural
// performance monitoring (Intel SDM Vol. 3, 0AH). gokvm zeroes this
// leaf's EAX since it does not virtualize the PMU.
const CPUIDFuncPerMon = 0x0A

// CPUID is the variable-length kvm_cpuid2 request: Nent entries
// follow an 8-byte header. Like MSRS, its wire form is a C flexible
// array member, so it is marshaled into a flat buffer by hand rather
// than overlaid with unsafe.Pointer.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries []CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

const cpuidEntrySize = 40

func marshalCPUID(c *CPUID) []byte {
	n := int(c.Nent)
	buf := make([]byte, 8+n*cpuidEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], c.Nent)
	binary.LittleEndian.PutUint32(buf[4:8], c.Padding)

	for i := 0; i < n && i < len(c.Entries); i++ {
		e := c.Entries[i]
		off := 8 + i*cpuidEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Function)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.Index)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.Flags)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], e.Eax)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], e.Ebx)
		binary.LittleEndian.PutUint32(buf[off+20:off+24], e.Ecx)
		binary.LittleEndian.PutUint32(buf[off+24:off+28], e.Edx)
	}

	return buf
}

func unmarshalCPUID(c *CPUID, buf []byte) {
	c.Nent = binary.LittleEndian.Uint32(buf[0:4])
	n := int(c.Nent)

	if cap(c.Entries) < n {
		c.Entries = make([]CPUIDEntry2, n)
	} else {
		c.Entries = c.Entries[:n]
	}

	for i := 0; i < n; i++ {
		off := 8 + i*cpuidEntrySize
		c.Entries[i] = CPUIDEntry2{
			Function: binary.LittleEndian.Uint32(buf[off : off+4]),
			Index:    binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			Flags:    binary.LittleEndian.Uint32(buf[off+8 : off+12]),
			Eax:      binary.LittleEndian.Uint32(buf[off+12 : off+16]),
			Ebx:      binary.LittleEndian.Uint32(buf[off+16 : off+20]),
			Ecx:      binary.LittleEndian.Uint32(buf[off+20 : off+24]),
			Edx:      binary.LittleEndian.Uint32(buf[off+24 : off+28]),
		}
	}
}

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	buf := marshalCPUID(kvmCPUID)

	_, err := Ioctl(kvmFd, IIOWR(kvmGetSupportedCPUID, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	unmarshalCPUID(kvmCPUID, buf)

	return nil
}

// GetEmulatedCPUID gets the CPUID entries KVM emulates in software on
// top of what the host CPU reports, for features the host lacks.
func GetEmulatedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	buf := marshalCPUID(kvmCPUID)

	_, err := Ioctl(kvmFd, IIOWR(kvmGetEmulatedCPUID, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	unmarshalCPUID(kvmCPUID, buf)

	return nil
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs. This seems odd, but in fact lets code tailor CPUID entries
// as needed.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	buf := marshalCPUID(kvmCPUID)

	_, err := Ioctl(vcpuFd, IIOW(kvmSetCPUID2, 8), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// GetCPUID2 reads back the CPUID entries currently configured for a vCPU.
func GetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	buf := marshalCPUID(kvmCPUID)

	_, err := Ioctl(vcpuFd, IIOWR(kvmGetCPUID2, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	unmarshalCPUID(kvmCPUID, buf)

	return nil
}
