// Package guestmem provides the Guest Memory Handle: an opaque,
// randomly-addressable view of a guest virtual machine's physical
// address space, generalised from gokvm's memory.MemorySlot/AddressSpace
// bookkeeping into the validity-query contract the virtio transport
// needs at activation time.
package guestmem

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned by Slice when the requested span is not
// entirely backed by the handle.
var ErrOutOfRange = errors.New("guestmem: address range out of bounds")

// GuestMemory is an opaque token granting access to a guest's physical
// address space, backed by a single flat host-resident buffer mapped at
// guest-physical address Base (mirroring the single kvm.UserspaceMemoryRegion
// slot machine.Machine installs at construction, per memory.Memory in the
// teacher).
type GuestMemory struct {
	buf  []byte
	base uint64
}

// New wraps buf, which must already be backing a region of guest
// physical memory starting at base, as a GuestMemory handle.
func New(buf []byte, base uint64) *GuestMemory {
	return &GuestMemory{buf: buf, base: base}
}

// IsValidRange reports whether the span [addr, addr+length) lies
// entirely within the backed region. It is overflow-safe: a length
// large enough to wrap addr+length around uint64 is rejected rather
// than accepted.
func (g *GuestMemory) IsValidRange(addr, length uint64) bool {
	if length == 0 {
		return addr >= g.base && addr <= g.end()
	}

	end := addr + length
	if end < addr { // overflow
		return false
	}

	return addr >= g.base && end <= g.end()
}

func (g *GuestMemory) end() uint64 {
	return g.base + uint64(len(g.buf))
}

// Slice returns the host-backed byte slice corresponding to the guest
// physical span [addr, addr+length). It fails closed: any span not
// entirely backed by the handle is rejected rather than silently
// truncated.
func (g *GuestMemory) Slice(addr, length uint64) ([]byte, error) {
	if !g.IsValidRange(addr, length) {
		return nil, fmt.Errorf("%w: addr=%#x len=%#x", ErrOutOfRange, addr, length)
	}

	off := addr - g.base

	return g.buf[off : off+length], nil
}

// Base returns the guest-physical address the handle's backing buffer
// starts at.
func (g *GuestMemory) Base() uint64 {
	return g.base
}

// Len returns the size, in bytes, of the backed region.
func (g *GuestMemory) Len() int {
	return len(g.buf)
}
