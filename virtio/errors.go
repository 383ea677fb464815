package virtio

import "errors"

// errNoBuffer is returned internally by device backends' I/O loops
// when a queue has no newly available descriptor chain; it terminates
// the backend's drain loop without being treated as a real failure.
var errNoBuffer = errors.New("virtio: no buffer available")
