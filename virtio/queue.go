package virtio

import "github.com/bobuhiro11/gokvm/guestmem"

// Queue is a per-queue control block holding the three ring addresses,
// the negotiated ring size, and a ready flag. It is a pure data
// record — actual ring walking (descriptor chains, available/used
// indices) lives in device backends.
type Queue struct {
	MaxSize uint16
	Size    uint16
	Ready   bool

	DescTable uint64
	AvailRing uint64
	UsedRing  uint64
}

// NewQueue constructs a Queue with the given max size. Size starts
// equal to MaxSize, Ready is false, and all ring addresses are zero.
func NewQueue(maxSize uint16) Queue {
	return Queue{MaxSize: maxSize, Size: maxSize}
}

// IsValid reports whether the queue's invariant holds: Size is a
// nonzero power of two no larger than MaxSize, and all three
// ring addresses are non-zero and lie within mem with the natural
// alignment their ring structure requires.
//
// Descriptor table: 16 bytes/entry, 16-byte aligned.
// Available ring:   6 + 2*Size bytes, 2-byte aligned.
// Used ring:        6 + 8*Size bytes, 4-byte aligned.
func (q *Queue) IsValid(mem *guestmem.GuestMemory) bool {
	if q.Size == 0 || q.Size > q.MaxSize || !isPowerOfTwo(q.Size) {
		return false
	}

	if q.DescTable == 0 || q.AvailRing == 0 || q.UsedRing == 0 {
		return false
	}

	descLen := uint64(16) * uint64(q.Size)
	availLen := uint64(6) + uint64(2)*uint64(q.Size)
	usedLen := uint64(6) + uint64(8)*uint64(q.Size)

	if q.DescTable%16 != 0 || q.AvailRing%2 != 0 || q.UsedRing%4 != 0 {
		return false
	}

	if !mem.IsValidRange(q.DescTable, descLen) {
		return false
	}

	if !mem.IsValidRange(q.AvailRing, availLen) {
		return false
	}

	return mem.IsValidRange(q.UsedRing, usedLen)
}

// SetDescTableLow/High, SetAvailRingLow/High and SetUsedRingLow/High
// assemble each 64-bit ring address from two independent 32-bit
// writes, matching the guest-visible register layout at 0x080/0x084,
// 0x090/0x094 and 0x0A0/0x0A4. A partial write (only one half landed)
// leaves the address — and therefore the queue — intentionally
// invalid until the other half arrives; this is the documented
// contract, not a bug.
func setLow(v *uint64, x uint32) {
	*v = (*v &^ 0xffffffff) | uint64(x)
}

func setHigh(v *uint64, x uint32) {
	*v = (*v & 0xffffffff) | (uint64(x) << 32)
}

func (q *Queue) SetDescTableLow(x uint32)  { setLow(&q.DescTable, x) }
func (q *Queue) SetDescTableHigh(x uint32) { setHigh(&q.DescTable, x) }
func (q *Queue) SetAvailRingLow(x uint32)  { setLow(&q.AvailRing, x) }
func (q *Queue) SetAvailRingHigh(x uint32) { setHigh(&q.AvailRing, x) }
func (q *Queue) SetUsedRingLow(x uint32)   { setLow(&q.UsedRing, x) }
func (q *Queue) SetUsedRingHigh(x uint32)  { setHigh(&q.UsedRing, x) }

func isPowerOfTwo(v uint16) bool {
	return v != 0 && v&(v-1) == 0
}
