// Package migration provides types and utilities for live migration of gokvm VMs.
package migration

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of a single vCPU.
// Binary KVM structs are stored as raw byte slices to preserve their exact
// in-memory layout (including padding) without encoding ambiguity.
type VCPUState struct {
	Regs      []byte     // kvm.Regs
	Sregs     []byte     // kvm.Sregs
	MSRs      []MSREntry // model-specific registers
	LAPIC     []byte     // kvm.LAPICState
	Events    []byte     // kvm.VCPUEvents
	MPState   uint32     // kvm.MPState.State
	DebugRegs []byte     // kvm.DebugRegs
	XCRS      []byte     // kvm.XCRS
}

// VMState holds VM-level (not per-vCPU) hardware state.
type VMState struct {
	Clock         []byte // kvm.ClockData
	IRQChipPIC0   []byte // kvm.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvm.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvm.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvm.PITState2
}

// SerialState holds migration state for the emulated serial port.
type SerialState struct {
	IER byte // Interrupt Enable Register
	LCR byte // Line Control Register
}

// DeviceState aggregates emulated device state transferred during
// migration. Virtio devices are intentionally not included: their
// backends hold live OS resources (tap fds, the backing disk file,
// notification endpoints) that a migration target must re-open itself
// rather than receive serialized, so the receiving side reconstructs
// them from its own command line instead of from the snapshot.
type DeviceState struct {
	Serial SerialState
}

// Snapshot is the complete VM state handed off during migration.
// Guest memory is transferred separately as a raw byte stream.
type Snapshot struct {
	NCPUs      int
	MemSize    int
	VCPUStates []VCPUState
	VM         VMState
	Devices    DeviceState
}
