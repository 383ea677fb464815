package kvm

import "unsafe"

// This file wraps the KVM ioctls needed to snapshot and restore
// architectural state that is not covered by registers.go, cpuid.go
// or msr.go: local APIC, pending-event, multiprocessor, extended
// control register, clock, interrupt controller and PIT state, plus
// the dirty-page log used during live migration. Callers that only
// need to move these structs around opaquely (as migration.Save*/
// Restore* do) never touch a field by name, so only the total size of
// each struct needs to match its kernel counterpart exactly.

const (
	kvmGetLAPIC      = 0x8e
	kvmSetLAPIC      = 0x8f
	kvmGetMPState    = 0x98
	kvmSetMPState    = 0x99
	kvmGetVCPUEvents = 0x9f
	kvmSetVCPUEvents = 0xa0
	kvmGetXCRS       = 0xa6
	kvmSetXCRS       = 0xa7
	kvmSetClock      = 0x7b
	kvmGetClock      = 0x7c
	kvmGetIRQChip    = 0x62
	kvmSetIRQChip    = 0x63
	kvmGetPIT2       = 0x9f
	kvmSetPIT2       = 0xa0
	kvmGetDirtyLog   = 0x42
	kvmSetGuestDebug = 0x9b

	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 1

	lapicRegsSize = 0x400
)

// LAPICState mirrors struct kvm_lapic_state: the raw local APIC
// register page.
type LAPICState struct {
	Regs [lapicRegsSize]byte
}

func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(*lapic)), uintptr(unsafe.Pointer(lapic)))

	return err
}

func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(*lapic)), uintptr(unsafe.Pointer(lapic)))

	return err
}

// MPState mirrors struct kvm_mp_state: the vcpu's multiprocessing
// state (KVM_MP_STATE_RUNNABLE and friends).
type MPState struct {
	State uint32
}

func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(*mps)), uintptr(unsafe.Pointer(mps)))

	return err
}

func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(*mps)), uintptr(unsafe.Pointer(mps)))

	return err
}

// VCPUEvents mirrors struct kvm_vcpu_events: pending exceptions,
// interrupts, NMIs and SMIs not yet delivered to the guest.
type VCPUEvents struct {
	Exception           [8]byte
	Interrupt           [4]byte
	NMI                 [4]byte
	SipiVector          uint32
	Flags               uint32
	SMI                 [4]byte
	Reserved            [27]byte
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

func GetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(*ev)), uintptr(unsafe.Pointer(ev)))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(*ev)), uintptr(unsafe.Pointer(ev)))

	return err
}

type xcrEntry struct {
	XCR      uint32
	Reserved uint32
	Value    uint64
}

// XCRS mirrors struct kvm_xcrs: the extended control registers
// (currently just XCR0, governing AVX/SSE state).
type XCRS struct {
	NrXCRS  uint32
	Flags   uint32
	XCRs    [16]xcrEntry
	Padding [16]uint64
}

func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(*xcrs)), uintptr(unsafe.Pointer(xcrs)))

	return err
}

func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(*xcrs)), uintptr(unsafe.Pointer(xcrs)))

	return err
}

// ClockData mirrors struct kvm_clock_data: the guest's kvmclock,
// captured so migration preserves monotonicity across the move.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	Pad0     uint32
	Realtime uint64
	HostTSC  uint64
	Pad      [4]uint32
}

func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}

func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}

// IRQChip mirrors struct kvm_irqchip: ChipID selects master PIC (0),
// slave PIC (1) or IOAPIC (2); Chip holds that chip's opaque state.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(*chip)), uintptr(unsafe.Pointer(chip)))

	return err
}

func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOR(kvmSetIRQChip, unsafe.Sizeof(*chip)), uintptr(unsafe.Pointer(chip)))

	return err
}

type pitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	BCD           uint8
	Gate          uint8
	_             uint8
	CountLoadTime int64
}

// PITState2 mirrors struct kvm_pit_state2: the programmable interval
// timer's three channels plus its mode flags.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	Reserved [9]uint32
}

func GetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(*pit)), uintptr(unsafe.Pointer(pit)))

	return err
}

func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(*pit)), uintptr(unsafe.Pointer(pit)))

	return err
}

// DirtyLog mirrors struct kvm_dirty_log: BitMap is the userspace
// address of a bitmap GetDirtyLog fills in with one bit per dirtied
// page in the named slot, atomically clearing it on return.
type DirtyLog struct {
	Slot    uint32
	Padding uint32
	BitMap  uint64
}

func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(*dl)), uintptr(unsafe.Pointer(dl)))

	return err
}

type guestDebug struct {
	Control  uint32
	Pad      uint32
	DebugReg [8]uint64
}

// SingleStep arms or disarms single-step debugging on a vcpu: the
// next KVM_RUN returns after exactly one instruction.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := guestDebug{}
	if onoff {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(dbg)), uintptr(unsafe.Pointer(&dbg)))

	return err
}
