package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokvm/guestmem"
)

// Descriptor flags, as laid out by the virtio 1.0 split virtqueue
// descriptor table (16 bytes/entry: addr u64, len u32, flags u16,
// next u16), read directly out of guest memory rather than a Go
// struct overlay since the three rings are independently addressed
// under MMIO rather than packed into one contiguous page.
const (
	DescFlagNext  uint16 = 1
	DescFlagWrite uint16 = 2
)

const descEntrySize = 16

var errDescriptorOOB = errors.New("virtio: descriptor chain ran out of bounds")

// Descriptor is one entry of a queue's descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// ReadDescriptor reads descriptor index id out of q's descriptor table.
func ReadDescriptor(mem *guestmem.GuestMemory, q *Queue, id uint16) (Descriptor, error) {
	buf, err := mem.Slice(q.DescTable+uint64(id)*descEntrySize, descEntrySize)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor %d: %w", id, err)
	}

	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// AvailIdx returns the driver-owned avail.idx field: the number of
// descriptor-chain heads the driver has ever published.
func AvailIdx(mem *guestmem.GuestMemory, q *Queue) (uint16, error) {
	buf, err := mem.Slice(q.AvailRing+2, 2)
	if err != nil {
		return 0, fmt.Errorf("avail.idx: %w", err)
	}

	return binary.LittleEndian.Uint16(buf), nil
}

// AvailRingEntry returns the descriptor-chain head at avail.ring[idx %
// queueSize].
func AvailRingEntry(mem *guestmem.GuestMemory, q *Queue, idx uint16) (uint16, error) {
	slot := idx % q.Size
	buf, err := mem.Slice(q.AvailRing+4+uint64(slot)*2, 2)
	if err != nil {
		return 0, fmt.Errorf("avail.ring[%d]: %w", slot, err)
	}

	return binary.LittleEndian.Uint16(buf), nil
}

// PushUsed appends {id, len} to the used ring at its current idx and
// then increments used.idx, publishing the entry to the driver.
func PushUsed(mem *guestmem.GuestMemory, q *Queue, id uint32, length uint32) error {
	idxBuf, err := mem.Slice(q.UsedRing+2, 2)
	if err != nil {
		return fmt.Errorf("used.idx: %w", err)
	}

	idx := binary.LittleEndian.Uint16(idxBuf)
	slot := idx % q.Size

	entry, err := mem.Slice(q.UsedRing+4+uint64(slot)*8, 8)
	if err != nil {
		return fmt.Errorf("used.ring[%d]: %w", slot, err)
	}

	binary.LittleEndian.PutUint32(entry[0:4], id)
	binary.LittleEndian.PutUint32(entry[4:8], length)

	binary.LittleEndian.PutUint16(idxBuf, idx+1)

	return nil
}

// WalkChain calls fn for every descriptor in the chain starting at
// head, following Next links while DescFlagNext is set. It stops and
// returns errDescriptorOOB if the chain exceeds the queue size
// (guards against a guest-crafted cycle).
func WalkChain(mem *guestmem.GuestMemory, q *Queue, head uint16, fn func(Descriptor) error) error {
	id := head

	for i := uint16(0); i < q.Size; i++ {
		desc, err := ReadDescriptor(mem, q, id)
		if err != nil {
			return err
		}

		if err := fn(desc); err != nil {
			return err
		}

		if desc.Flags&DescFlagNext == 0 {
			return nil
		}

		id = desc.Next
	}

	return errDescriptorOOB
}
