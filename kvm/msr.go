package kvm

import (
	"encoding/binary"
	"unsafe"
)

const (
	kvmGetMSRIndexList        = 0x02
	kvmGetMSRFeatureIndexList = 0x0a
	kvmGetMSRs                = 0x88
	kvmSetMSRs                = 0x89
)

type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// This ugly hack is required to make the Ioctl work.
	// If tried like kvm.GetSupportedCPUID it doesn't work.
	// Maybe a difference in behavior on kernel side.
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// GetMSRFeatureIndexList returns the MSRs whose value GetMSRs(kvmFd, ...)
// can report as migratable "feature" MSRs, as opposed to the
// per-guest MSRs listed by GetMSRIndexList.
func GetMSRFeatureIndexList(kvmFd uintptr, list *MSRList) error {
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRFeatureIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is an index/value pair for a model-specific register, laid
// out to match struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRS is the variable-length kvm_msrs request: a header naming how
// many entries follow, plus the entries themselves. Because its wire
// form is a C flexible array member, it cannot be overlaid directly
// with unsafe.Pointer the way fixed-size kvm structs are; GetMSRs and
// SetMSRs marshal it into a flat buffer by hand instead.
type MSRS struct {
	NMSRs   uint32
	Pad     uint32
	Entries []MSREntry
}

func marshalMSRs(msrs *MSRS) []byte {
	buf := make([]byte, 8+len(msrs.Entries)*16)
	binary.LittleEndian.PutUint32(buf[0:4], msrs.NMSRs)
	binary.LittleEndian.PutUint32(buf[4:8], msrs.Pad)

	for i, e := range msrs.Entries {
		off := 8 + i*16
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Index)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.Reserved)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Data)
	}

	return buf
}

func unmarshalMSRs(msrs *MSRS, buf []byte) {
	msrs.NMSRs = binary.LittleEndian.Uint32(buf[0:4])

	for i := range msrs.Entries {
		off := 8 + i*16
		msrs.Entries[i].Index = binary.LittleEndian.Uint32(buf[off : off+4])
		msrs.Entries[i].Reserved = binary.LittleEndian.Uint32(buf[off+4 : off+8])
		msrs.Entries[i].Data = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	}
}

// GetMSRs reads the values of the MSRs indexed in msrs.Entries.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := marshalMSRs(msrs)

	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	unmarshalMSRs(msrs, buf)

	return nil
}

// SetMSRs writes msrs.Entries into the vcpu.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := marshalMSRs(msrs)

	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))

	return err
}
