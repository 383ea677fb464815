// Package virtio implements the virtio 1.0 MMIO transport: the
// register file, the negotiation state machine, and the activation
// latch that hands guest memory, notification endpoints and virtqueue
// descriptors to a device backend exactly once.
package virtio

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/bobuhiro11/gokvm/eventfd"
	"github.com/bobuhiro11/gokvm/guestmem"
)

const (
	mmioMagicValue = 0x74726976 // ASCII "virt"
	mmioVersion    = 2
	vendorID       = 0

	// versionOneFeature is VIRTIO_F_VERSION_1 (bit 32 of the full
	// 64-bit feature bitmap, i.e. bit 0 of feature page 1). It is
	// always advertised.
	versionOneFeature = 1
)

// Transport is the MMIO register file, negotiation state machine and
// activation latch for a single virtio device. It is not re-entrant:
// the bus dispatcher that owns it must serialise Read/Write calls.
type Transport struct {
	device Device

	deviceActivated bool

	featuresSelect     uint32
	ackedFeaturesSelect uint32
	queueSelect        uint32
	driverStatus       uint32
	configGeneration   uint32

	interruptStatus *InterruptStatus

	queues    []Queue
	queueEvts []*eventfd.EventFd

	// interruptEvt and mem are conditionally owned by the transport:
	// present before activation, moved to the device backend (and
	// nilled here) at activation. This is a one-way latch.
	interruptEvt *eventfd.EventFd
	mem          *guestmem.GuestMemory
}

// NewTransport constructs a new MMIO transport fronting device, which
// must not yet have been activated. One notification endpoint is
// created per queue plus one for interrupts; construction fails (and
// returns no transport) if any of those allocations fails.
func NewTransport(mem *guestmem.GuestMemory, device Device) (*Transport, error) {
	maxSizes := device.QueueMaxSizes()

	queues := make([]Queue, len(maxSizes))
	queueEvts := make([]*eventfd.EventFd, len(maxSizes))

	for i, s := range maxSizes {
		queues[i] = NewQueue(s)

		e, err := eventfd.New()
		if err != nil {
			return nil, fmt.Errorf("virtio: queue %d notification endpoint: %w", i, err)
		}

		queueEvts[i] = e
	}

	interruptEvt, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("virtio: interrupt notification endpoint: %w", err)
	}

	return &Transport{
		device:          device,
		interruptStatus: &InterruptStatus{},
		queues:          queues,
		queueEvts:       queueEvts,
		interruptEvt:    interruptEvt,
		mem:             mem,
	}, nil
}

// QueueEvts returns the notification endpoint the bus dispatcher must
// signal whenever the guest writes a queue index to the
// VIRTIO_MMIO_QUEUE_NOTIFY register. It is only meaningful before
// activation; afterwards the slice it returns is empty, ownership
// having passed to the device.
func (t *Transport) QueueEvts() []*eventfd.EventFd {
	return t.queueEvts
}

// InterruptEvt returns the notification endpoint a host-side goroutine
// should wait on to forward interrupt-status updates into a guest IRQ
// injection. It is nil after activation, ownership having passed to
// the device backend.
func (t *Transport) InterruptEvt() *eventfd.EventFd {
	return t.interruptEvt
}

// InterruptStatus returns the shared atomic interrupt-status word.
func (t *Transport) InterruptStatus() *InterruptStatus {
	return t.interruptStatus
}

func (t *Transport) isDriverReady() bool {
	return t.driverStatus == readyStatusMask && t.driverStatus&StatusFailed == 0
}

func (t *Transport) areQueuesValid() bool {
	if t.mem == nil {
		return false
	}

	for i := range t.queues {
		if !t.queues[i].IsValid(t.mem) {
			return false
		}
	}

	return true
}

func (t *Transport) selectedQueue() *Queue {
	if t.queueSelect >= uint32(len(t.queues)) {
		return nil
	}

	return &t.queues[t.queueSelect]
}

// Read implements the bus dispatcher's read(offset, buf) contract:
// offset is relative to the transport's MMIO base.
func (t *Transport) Read(offset uint64, buf []byte) {
	switch {
	case offset <= 0xff:
		if len(buf) != 4 {
			log.Printf("virtio: ignoring %d-byte read of register 0x%x", len(buf), offset)

			return
		}

		v, ok := t.readRegister(offset)
		if !ok {
			log.Printf("virtio: unknown mmio register read: 0x%x", offset)

			return
		}

		binary.LittleEndian.PutUint32(buf, v)

	case offset >= 0x100 && offset <= 0xfff:
		t.device.ReadConfig(offset-0x100, buf)

	default:
		log.Printf("virtio: invalid mmio read: 0x%x:0x%x", offset, len(buf))
	}
}

func (t *Transport) readRegister(offset uint64) (uint32, bool) {
	switch offset {
	case 0x000:
		return mmioMagicValue, true
	case 0x004:
		return mmioVersion, true
	case 0x008:
		return t.device.DeviceType(), true
	case 0x00c:
		return vendorID, true
	case 0x010:
		v := t.device.Features(t.featuresSelect)
		if t.featuresSelect == 1 {
			v |= versionOneFeature
		}

		return v, true
	case 0x034:
		if q := t.selectedQueue(); q != nil {
			return uint32(q.MaxSize), true
		}

		return 0, true
	case 0x044:
		if q := t.selectedQueue(); q != nil {
			if q.Ready {
				return 1, true
			}

			return 0, true
		}

		return 0, true
	case 0x060:
		return t.interruptStatus.Load(), true
	case 0x070:
		return t.driverStatus, true
	case 0x0fc:
		return t.configGeneration, true
	default:
		return 0, false
	}
}

// Write implements the bus dispatcher's write(offset, buf) contract.
func (t *Transport) Write(offset uint64, buf []byte) {
	switch {
	case offset <= 0xff:
		if len(buf) != 4 {
			log.Printf("virtio: ignoring %d-byte write to register 0x%x", len(buf), offset)

			return
		}

		v := binary.LittleEndian.Uint32(buf)

		if !t.writeRegister(offset, v) {
			log.Printf("virtio: unknown mmio register write: 0x%x", offset)

			return
		}

		t.maybeActivate()

	case offset >= 0x100 && offset <= 0xfff:
		t.device.WriteConfig(offset-0x100, buf)

	default:
		log.Printf("virtio: invalid mmio write: 0x%x:0x%x", offset, len(buf))
	}
}

// writeRegister applies a single 4-byte register write and reports
// whether offset was recognised. Queue-address/size/ready writes that
// land after activation are still applied to the (now stale) queues
// slice, so that post-activation reads of 0x034/0x044 keep working,
// but are logged as a warning since they no longer affect the running
// device.
func (t *Transport) writeRegister(offset uint64, v uint32) bool {
	mutatesQueue := false

	switch offset {
	case 0x014:
		t.featuresSelect = v
	case 0x020:
		t.device.AckFeatures(t.ackedFeaturesSelect, v)
	case 0x024:
		t.ackedFeaturesSelect = v
	case 0x030:
		t.queueSelect = v
	case 0x038:
		if q := t.selectedQueue(); q != nil {
			q.Size = uint16(v)
			mutatesQueue = true
		}
	case 0x044:
		if q := t.selectedQueue(); q != nil {
			q.Ready = v == 1
			mutatesQueue = true
		}
	case 0x064:
		t.interruptStatus.Ack(v)
	case 0x070:
		t.driverStatus = v
	case 0x080:
		if q := t.selectedQueue(); q != nil {
			q.SetDescTableLow(v)
			mutatesQueue = true
		}
	case 0x084:
		if q := t.selectedQueue(); q != nil {
			q.SetDescTableHigh(v)
			mutatesQueue = true
		}
	case 0x090:
		if q := t.selectedQueue(); q != nil {
			q.SetAvailRingLow(v)
			mutatesQueue = true
		}
	case 0x094:
		if q := t.selectedQueue(); q != nil {
			q.SetAvailRingHigh(v)
			mutatesQueue = true
		}
	case 0x0a0:
		if q := t.selectedQueue(); q != nil {
			q.SetUsedRingLow(v)
			mutatesQueue = true
		}
	case 0x0a4:
		if q := t.selectedQueue(); q != nil {
			q.SetUsedRingHigh(v)
			mutatesQueue = true
		}
	default:
		return false
	}

	if t.deviceActivated && mutatesQueue {
		log.Printf("virtio: queue %d changed after device was activated", t.queueSelect)
	}

	return true
}

// maybeActivate evaluates the activation predicate and, if it holds,
// performs the one-way hand-off to the device backend.
func (t *Transport) maybeActivate() {
	if t.deviceActivated {
		return
	}

	if !t.isDriverReady() || !t.areQueuesValid() {
		return
	}

	if t.interruptEvt == nil || t.mem == nil {
		return
	}

	mem := t.mem
	interruptEvt := t.interruptEvt
	queueEvts := t.queueEvts

	t.mem = nil
	t.interruptEvt = nil
	t.queueEvts = nil

	queuesSnapshot := make([]Queue, len(t.queues))
	copy(queuesSnapshot, t.queues)

	t.device.Activate(mem, interruptEvt, t.interruptStatus, queuesSnapshot, queueEvts)
	t.deviceActivated = true
}
