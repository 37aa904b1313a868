package backing

import "errors"

var (
	// ErrOutOfMemory reports that the external byte allocator returned no
	// memory.
	ErrOutOfMemory = errors.New("backing: external allocator out of memory")

	// ErrAddressSpaceExhausted reports that the process-wide reservation
	// ceiling was hit and stayed hit across all reclamation retries.
	ErrAddressSpaceExhausted = errors.New("backing: address space reservation limit reached")

	// ErrOtherAllocationFailure reports that the page allocator could not
	// reserve a range despite address-space headroom.
	ErrOtherAllocationFailure = errors.New("backing: page reservation failed")

	// ErrCapacityExceeded reports a grow request beyond the reserved
	// capacity. Recoverable; callers fall back to CopyAndGrow.
	ErrCapacityExceeded = errors.New("backing: grow beyond reserved capacity")

	// ErrPermissionGrantFailed reports an OS-level commit failure while
	// growing an already allocated region.
	ErrPermissionGrantFailed = errors.New("backing: page permission grant failed")

	// ErrRegistryUnresponsive reports that the global registry mutex
	// could not be acquired within a health probe's deadline.
	ErrRegistryUnresponsive = errors.New("backing: global registry unresponsive")
)
