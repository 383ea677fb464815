package virtio

import (
	"encoding/binary"
	"io"
	"log"

	"github.com/bobuhiro11/gokvm/eventfd"
	"github.com/bobuhiro11/gokvm/guestmem"
)

const (
	// DeviceTypeNet is VIRTIO_ID_NET.
	DeviceTypeNet uint32 = 1

	netQueueSize = 256

	netRxQueue = 0
	netTxQueue = 1

	// virtio-net packets are prefixed with a struct virtio_net_hdr;
	// with none of the offload features negotiated it is 10 bytes.
	netHdrLen = 10
)

// NetDevice is the Device backend for a virtio-net device: two queues
// (rx, tx), a tap interface for the host side, and the net_config
// (mac + status) config space.
type NetDevice struct {
	tap io.ReadWriter
	mac [6]byte

	mem             *guestmem.GuestMemory
	interruptEvt    *eventfd.EventFd
	interruptStatus *InterruptStatus
	queues          []Queue
	queueEvts       []*eventfd.EventFd

	lastAvailIdx [2]uint16
}

// NewNetDevice constructs a NetDevice fronting tap for host-side I/O.
func NewNetDevice(tap io.ReadWriter, mac [6]byte) *NetDevice {
	return &NetDevice{tap: tap, mac: mac}
}

func (n *NetDevice) DeviceType() uint32      { return DeviceTypeNet }
func (n *NetDevice) QueueMaxSizes() []uint16 { return []uint16{netQueueSize, netQueueSize} }
func (n *NetDevice) Features(uint32) uint32  { return 0 }
func (n *NetDevice) AckFeatures(uint32, uint32) {}

// ReadConfig serves net_config: 6 bytes MAC followed by a 2-byte
// link-status field (always "up").
func (n *NetDevice) ReadConfig(offset uint64, buf []byte) {
	cfg := make([]byte, 8)
	copy(cfg[0:6], n.mac[:])
	binary.LittleEndian.PutUint16(cfg[6:8], 1) // VIRTIO_NET_S_LINK_UP

	if offset >= uint64(len(cfg)) {
		for i := range buf {
			buf[i] = 0
		}

		return
	}

	n_ := copy(buf, cfg[offset:])
	for i := n_; i < len(buf); i++ {
		buf[i] = 0
	}
}

func (n *NetDevice) WriteConfig(uint64, []byte) {
	// net_config is read-only from the driver's perspective.
}

// Activate stores the resources handed off by the transport and
// starts the rx/tx host worker goroutines, each driven by its queue's
// notification endpoint.
func (n *NetDevice) Activate(
	mem *guestmem.GuestMemory,
	interruptEvt *eventfd.EventFd,
	interruptStatus *InterruptStatus,
	queues []Queue,
	queueEvts []*eventfd.EventFd,
) {
	n.mem = mem
	n.interruptEvt = interruptEvt
	n.interruptStatus = interruptStatus
	n.queues = queues
	n.queueEvts = queueEvts

	go n.rxLoop()
	go n.txLoop()
}

// Close stops the rx/tx worker goroutines by closing their queue
// notification endpoints and, if the tap backend supports it, the tap
// file descriptor itself so a goroutine blocked in a read unblocks too.
func (n *NetDevice) Close() error {
	if c, ok := n.tap.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return err
		}
	}

	for _, evt := range n.queueEvts {
		if evt == nil {
			continue
		}

		if err := evt.Close(); err != nil {
			return err
		}
	}

	return nil
}

func (n *NetDevice) raiseInterrupt() {
	n.interruptStatus.Raise(InterruptUsedRing)

	if err := n.interruptEvt.Signal(1); err != nil {
		log.Printf("virtio-net: signal interrupt event: %v", err)
	}
}

func (n *NetDevice) rxLoop() {
	for {
		if _, err := n.queueEvts[netRxQueue].Wait(); err != nil {
			return
		}

		for n.rx() == nil {
		}
	}
}

func (n *NetDevice) txLoop() {
	for {
		if _, err := n.queueEvts[netTxQueue].Wait(); err != nil {
			return
		}

		for n.tx() == nil {
		}
	}
}

// rx reads one packet from the tap device and delivers it into the
// next available rx descriptor chain, prefixed with a (zeroed) virtio_net_hdr.
func (n *NetDevice) rx() error {
	packet := make([]byte, 4096)

	sz, err := n.tap.Read(packet)
	if err != nil {
		return err
	}

	packet = packet[:sz]

	q := &n.queues[netRxQueue]

	idx, err := AvailIdx(n.mem, q)
	if err != nil {
		return err
	}

	if n.lastAvailIdx[netRxQueue] == idx {
		return errNoBuffer
	}

	head, err := AvailRingEntry(n.mem, q, n.lastAvailIdx[netRxQueue])
	if err != nil {
		return err
	}

	payload := append(make([]byte, netHdrLen), packet...)

	written := uint32(0)

	err = WalkChain(n.mem, q, head, func(d Descriptor) error {
		if len(payload) == 0 {
			return nil
		}

		chunk, err := n.mem.Slice(d.Addr, uint64(d.Len))
		if err != nil {
			return err
		}

		l := copy(chunk, payload)
		payload = payload[l:]
		written += uint32(l)

		return nil
	})
	if err != nil {
		return err
	}

	if err := PushUsed(n.mem, q, uint32(head), written); err != nil {
		return err
	}

	n.lastAvailIdx[netRxQueue]++
	n.raiseInterrupt()

	return nil
}

// tx drains every available tx descriptor chain and writes the
// assembled packets (minus their virtio_net_hdr prefix) to the tap
// device.
func (n *NetDevice) tx() error {
	q := &n.queues[netTxQueue]

	idx, err := AvailIdx(n.mem, q)
	if err != nil {
		return err
	}

	if n.lastAvailIdx[netTxQueue] == idx {
		return errNoBuffer
	}

	head, err := AvailRingEntry(n.mem, q, n.lastAvailIdx[netTxQueue])
	if err != nil {
		return err
	}

	var buf []byte

	err = WalkChain(n.mem, q, head, func(d Descriptor) error {
		chunk, err := n.mem.Slice(d.Addr, uint64(d.Len))
		if err != nil {
			return err
		}

		buf = append(buf, chunk...)

		return nil
	})
	if err != nil {
		return err
	}

	if len(buf) > netHdrLen {
		buf = buf[netHdrLen:]
	} else {
		buf = nil
	}

	if len(buf) > 0 {
		if _, err := n.tap.Write(buf); err != nil {
			return err
		}
	}

	if err := PushUsed(n.mem, q, uint32(head), uint32(len(buf))); err != nil {
		return err
	}

	n.lastAvailIdx[netTxQueue]++
	n.raiseInterrupt()

	return nil
}
