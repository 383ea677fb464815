package virtio

import (
	"encoding/binary"
	"errors"
	"log"
	"os"
	"sync"

	"github.com/bobuhiro11/gokvm/eventfd"
	"github.com/bobuhiro11/gokvm/guestmem"
)

const (
	// DeviceTypeBlock is VIRTIO_ID_BLOCK.
	DeviceTypeBlock uint32 = 2

	blkQueueSize = 256
	blkQueue     = 0

	blkSectorSize = 512

	// BlkReq.Type values.
	blkReqIn  = 0 // read
	blkReqOut = 1 // write

	// Status byte values written to the last descriptor in the chain.
	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

// blkReqHeader is the virtio-blk request header: a 4-byte type, 4
// bytes reserved, and an 8-byte sector number.
type blkReqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// BlkDevice is the Device backend for a virtio-blk device: one queue,
// a backing file, and a blk_config (capacity) exposed as config space.
type BlkDevice struct {
	file *os.File

	mu     sync.Mutex
	closed bool

	mem             *guestmem.GuestMemory
	interruptEvt    *eventfd.EventFd
	interruptStatus *InterruptStatus
	queue           *Queue
	queueEvt        *eventfd.EventFd

	lastAvailIdx uint16
}

// NewBlkDevice opens path and constructs a BlkDevice fronting it.
func NewBlkDevice(path string) (*BlkDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &BlkDevice{file: f}, nil
}

func (b *BlkDevice) DeviceType() uint32      { return DeviceTypeBlock }
func (b *BlkDevice) QueueMaxSizes() []uint16 { return []uint16{blkQueueSize} }
func (b *BlkDevice) Features(uint32) uint32  { return 0 }
func (b *BlkDevice) AckFeatures(uint32, uint32) {}

func (b *BlkDevice) capacitySectors() uint64 {
	info, err := b.file.Stat()
	if err != nil {
		return 0
	}

	return uint64(info.Size()) / blkSectorSize
}

// ReadConfig serves blk_config: an 8-byte little-endian sector count.
func (b *BlkDevice) ReadConfig(offset uint64, buf []byte) {
	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, b.capacitySectors())

	if offset >= uint64(len(cfg)) {
		for i := range buf {
			buf[i] = 0
		}

		return
	}

	n := copy(buf, cfg[offset:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func (b *BlkDevice) WriteConfig(uint64, []byte) {
	// blk_config is read-only from the driver's perspective.
}

// Activate stores the resources handed off by the transport and
// starts the I/O worker goroutine.
func (b *BlkDevice) Activate(
	mem *guestmem.GuestMemory,
	interruptEvt *eventfd.EventFd,
	interruptStatus *InterruptStatus,
	queues []Queue,
	queueEvts []*eventfd.EventFd,
) {
	b.mem = mem
	b.interruptEvt = interruptEvt
	b.interruptStatus = interruptStatus
	b.queue = &queues[blkQueue]
	b.queueEvt = queueEvts[blkQueue]

	go b.ioLoop()
}

func (b *BlkDevice) ioLoop() {
	for {
		if _, err := b.queueEvt.Wait(); err != nil {
			return
		}

		for b.IO() == nil {
		}
	}
}

func (b *BlkDevice) raiseInterrupt() {
	b.interruptStatus.Raise(InterruptUsedRing)

	if err := b.interruptEvt.Signal(1); err != nil {
		log.Printf("virtio-blk: signal interrupt event: %v", err)
	}
}

var errBlkClosed = errors.New("virtio-blk: device is closed")

// IO services one available descriptor chain: header, data buffer,
// status byte.
func (b *BlkDevice) IO() error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return errBlkClosed
	}

	if b.queue == nil {
		return errors.New("virtio-blk: queue not activated")
	}

	idx, err := AvailIdx(b.mem, b.queue)
	if err != nil {
		return err
	}

	if b.lastAvailIdx == idx {
		return errNoBuffer
	}

	head, err := AvailRingEntry(b.mem, b.queue, b.lastAvailIdx)
	if err != nil {
		return err
	}

	var (
		hdr        blkReqHeader
		dataChunks [][]byte
		statusAddr uint64
		seen       int
	)

	err = WalkChain(b.mem, b.queue, head, func(d Descriptor) error {
		seen++

		switch {
		case seen == 1:
			buf, err := b.mem.Slice(d.Addr, uint64(d.Len))
			if err != nil {
				return err
			}

			hdr.Type = binary.LittleEndian.Uint32(buf[0:4])
			hdr.Reserved = binary.LittleEndian.Uint32(buf[4:8])
			hdr.Sector = binary.LittleEndian.Uint64(buf[8:16])
		case d.Flags&DescFlagWrite != 0 && d.Len == 1:
			statusAddr = d.Addr
		default:
			buf, err := b.mem.Slice(d.Addr, uint64(d.Len))
			if err != nil {
				return err
			}

			dataChunks = append(dataChunks, buf)
		}

		return nil
	})
	if err != nil {
		return err
	}

	status := byte(blkStatusOK)
	written := uint32(0)

	switch hdr.Type {
	case blkReqIn:
		off := int64(hdr.Sector) * blkSectorSize

		for _, chunk := range dataChunks {
			n, err := b.file.ReadAt(chunk, off)
			if err != nil && n == 0 {
				status = blkStatusIOErr

				break
			}

			off += int64(n)
			written += uint32(n)
		}
	case blkReqOut:
		off := int64(hdr.Sector) * blkSectorSize

		for _, chunk := range dataChunks {
			n, err := b.file.WriteAt(chunk, off)
			if err != nil {
				status = blkStatusIOErr

				break
			}

			off += int64(n)
			written += uint32(n)
		}
	default:
		status = blkStatusUnsupp
	}

	if statusAddr != 0 {
		if s, err := b.mem.Slice(statusAddr, 1); err == nil {
			s[0] = status
		}
	}

	if err := PushUsed(b.mem, b.queue, uint32(head), written); err != nil {
		return err
	}

	b.lastAvailIdx++
	b.raiseInterrupt()

	return nil
}

// Close releases the backing file. Safe to call more than once.
func (b *BlkDevice) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errBlkClosed
	}

	b.closed = true

	return b.file.Close()
}
