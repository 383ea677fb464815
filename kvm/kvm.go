package kvm

import (
	"unsafe"
)

const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetDebugRegs        = 0xa1
	kvmSetDebugRegs        = 0xa2
	kvmSetUserMemoryRegion = 1075883590
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmGetSupportedCPUID   = 0x05
	kvmSetCPUID2           = 0x90
	kvmIRQLine             = 0x4008ae61
	kvmIRQLineStatus       = 0xc008ae67

	numInterrupts  = 0x100
	CPUIDFeatures  = 0x40000001
	CPUIDSignature = 0x40000000
)

// RunData is the kvm_run structure shared between the kernel and this
// process via mmap. Only the fields this package decodes are named;
// the rest live in Data.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union: direction, operand size, port,
// repeat count, and the byte offset (from the start of RunData) of
// the data buffer.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the kvm_run.mmio union: a 64-bit physical address, up
// to 8 bytes of data, the access length, and the read/write direction.
// The returned slice aliases the kvm_run structure itself, so a
// handler filling it in for a read is filling in what the vcpu will
// see on resume.
func (r *RunData) MMIO() (physAddr uint64, data []byte, isWrite bool) {
	physAddr = r.Data[0]

	length := uint32(r.Data[2] & 0xFFFFFFFF)
	if length > 8 {
		length = 8
	}

	isWrite = (r.Data[2]>>32)&0xFF != 0

	data = (*(*[8]byte)(unsafe.Pointer(&r.Data[1])))[:length]

	return physAddr, data, isWrite
}

// UserspaceMemoryRegion describes a slice of guest physical memory
// backed by a slice of this process's address space.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks a region so writes to it are tracked in
// the dirty bitmap, as needed during live migration.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetAPIVersion), uintptr(0))
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmCreateVM), uintptr(0))
}

func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(cpu))
}

func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmRun), uintptr(0))

	return err
}

func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), uintptr(0))
}

func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}

func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	mapAddr := uint64(addr)
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises or lowers an IRQ line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLevel := IRQLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&irqLevel)))

	return err
}

// IRQLineStatus behaves like IRQLine but round-trips the injection
// status back into the kernel's reply, for chips that support
// KVM_CAP_IRQ_INJECT_STATUS.
func IRQLineStatus(vmFd uintptr, irq, level uint32) error {
	irqLevel := IRQLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, kvmIRQLineStatus, uintptr(unsafe.Pointer(&irqLevel)))

	return err
}

func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}
