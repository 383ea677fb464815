// Package pvh builds the flat GDT used to enter 32-bit protected mode
// directly, without relying on a real-mode boot stage.
package pvh

import "github.com/bobuhiro11/gokvm/kvm"

const (
	gdtEntryBootCS  = 1
	gdtEntryBootDS  = 2
	gdtEntryBootTSS = 3

	bootGdtMax = 4
)

// GdtEntry packs a flat segment descriptor into its 64-bit GDT encoding.
// flags carries the access byte and granularity/size bits in the layout
// the CPU expects at bit offset 40 of the descriptor.
func GdtEntry(flags uint16, base, limit uint32) uint64 {
	return ((uint64(base) & 0xff000000) << (56 - 24)) |
		((uint64(flags)) << 40) |
		((uint64(limit) & 0x000f0000) << (48 - 16)) |
		((uint64(base) & 0x00ffffff) << 16) |
		(uint64(limit) & 0x0000ffff)
}

// SegmentFromGDT decodes a 64-bit descriptor back into the fields KVM's
// SetSregs ioctl expects, assigning the segment selector from its table
// index.
func SegmentFromGDT(entry uint64, tableIndex uint8) kvm.Segment {
	base := uint32(((entry & 0xFF00000000000000) >> 32) |
		((entry & 0x000000FF00000000) >> 16) |
		((entry & 0x00000000FFFF0000) >> 16))

	limit := uint32(((entry & 0x000F000000000000) >> 32) |
		(entry & 0x000000000000FFFF))

	g := entry&0x0080000000000000 != 0
	if g {
		limit = (limit << 12) | 0xFFF
	}

	present := uint8(0)
	if entry&0x0000800000000000 != 0 {
		present = 1
	}

	unusable := uint8(0)
	if present == 0 {
		unusable = 1
	}

	db := uint8(0)
	if entry&0x0040000000000000 != 0 {
		db = 1
	}

	s := uint8(0)
	if entry&0x0000100000000000 != 0 {
		s = 1
	}

	l := uint8(0)
	if entry&0x0020000000000000 != 0 {
		l = 1
	}

	avl := uint8(0)
	if entry&0x0010000000000000 != 0 {
		avl = 1
	}

	gByte := uint8(0)
	if g {
		gByte = 1
	}

	return kvm.Segment{
		Base:     uint64(base),
		Limit:    limit,
		Selector: uint16(tableIndex) * 8,
		Typ:      uint8((entry & 0x00000F0000000000) >> 40),
		Present:  present,
		DPL:      uint8((entry & 0x0000600000000000) >> 45),
		DB:       db,
		S:        s,
		L:        l,
		G:        gByte,
		AVL:      avl,
		Unusable: unusable,
	}
}

// CreateGDT builds the four-entry flat GDT (null, 32-bit code, data, TSS)
// used to set the vCPU's initial segment registers before jumping to the
// kernel's 32-bit entry point.
func CreateGDT() [bootGdtMax]uint64 {
	var gdt [bootGdtMax]uint64

	gdt[0] = GdtEntry(0, 0, 0)
	gdt[gdtEntryBootCS] = GdtEntry(0xc09b, 0, 0xffffffff)
	gdt[gdtEntryBootDS] = GdtEntry(0xc093, 0, 0xffffffff)
	gdt[gdtEntryBootTSS] = GdtEntry(0x008b, 0, 0x67)

	return gdt
}
