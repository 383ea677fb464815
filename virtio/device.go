package virtio

import (
	"github.com/bobuhiro11/gokvm/eventfd"
	"github.com/bobuhiro11/gokvm/guestmem"
)

// Device is the capability a Transport composes behind a single
// interface: the external collaborator that owns device-type
// identity, feature negotiation, config-space contents, and — once
// activated — the virtqueues themselves. Concrete backends are
// NetDevice and BlkDevice.
type Device interface {
	// DeviceType is the virtio device type ID exposed at register 0x008.
	DeviceType() uint32

	// QueueMaxSizes returns the maximum size of each queue the device
	// exposes, in queue-index order. Its length fixes Transport.queues'
	// length for the lifetime of the transport.
	QueueMaxSizes() []uint16

	// Features returns 32 bits of the device's feature bitmap selected
	// by page (0 = bits 0-31, 1 = bits 32-63).
	Features(page uint32) uint32

	// AckFeatures forwards the driver's acknowledged feature bits for
	// the given page.
	AckFeatures(page uint32, bits uint32)

	// ReadConfig and WriteConfig service the device-specific config
	// space forwarded from MMIO offsets 0x100-0xFFF (offset already
	// rebased to 0).
	ReadConfig(offset uint64, buf []byte)
	WriteConfig(offset uint64, buf []byte)

	// Activate is called exactly once, the moment the activation
	// predicate first holds. It receives ownership of the guest memory
	// handle, the interrupt notification endpoint, a shared pointer to
	// the interrupt-status word, an owned snapshot of the negotiated
	// queues, and one notification endpoint per queue.
	Activate(
		mem *guestmem.GuestMemory,
		interruptEvt *eventfd.EventFd,
		interruptStatus *InterruptStatus,
		queues []Queue,
		queueEvts []*eventfd.EventFd,
	)

	// Close stops the device's background I/O activity. Called when
	// the machine is quiescing devices (e.g. before a migration
	// snapshot) or tearing down.
	Close() error
}
