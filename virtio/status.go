package virtio

// Driver status bits, written by the guest driver to register 0x070 to
// narrate its progress through device initialisation.
//
// refs http://docs.oasis-open.org/virtio/virtio/v1.0/cs04/virtio-v1.0-cs04.html#x1-100003
const (
	StatusAcknowledge uint32 = 1 << 0
	StatusDriver      uint32 = 1 << 1
	StatusDriverOK    uint32 = 1 << 2
	StatusFeaturesOK  uint32 = 1 << 3
	StatusFailed      uint32 = 1 << 7
)

// readyStatusMask is the exact driver_status value the activation
// predicate requires: ACKNOWLEDGE | DRIVER | DRIVER_OK | FEATURES_OK,
// with FAILED clear.
const readyStatusMask = StatusAcknowledge | StatusDriver | StatusDriverOK | StatusFeaturesOK

// Interrupt status bits, OR'd into Transport's interrupt-status word by
// the device backend and cleared by the driver writing register 0x064.
const (
	InterruptUsedRing uint32 = 1 << 0
	InterruptConfig   uint32 = 1 << 1
)
