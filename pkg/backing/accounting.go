package backing

import "sync/atomic"

// addressSpaceCounter enforces a ceiling on the total bytes of virtual
// address space reserved by this allocator across the process. It is the
// only shared state on the allocation fast path, so it stays lock free.
type addressSpaceCounter struct {
	reserved atomic.Uint64
	limit    uint64
}

var addressSpace = &addressSpaceCounter{limit: defaultAddressSpaceLimit()}

func (c *addressSpaceCounter) reserve(n uint64) bool {
	for {
		old := c.reserved.Load()
		if old > c.limit || c.limit-old < n {
			return false
		}
		if c.reserved.CompareAndSwap(old, old+n) {
			return true
		}
	}
}

func (c *addressSpaceCounter) release(n uint64) {
	now := c.reserved.Add(^(n - 1)) // subtract n
	if now > now+n {
		// Releasing more than was reserved is a bookkeeping bug, not a
		// runtime condition.
		panic("backing: address space reservation underflow")
	}
}

// ReserveAddressSpace charges n bytes against the process-wide reservation
// ceiling. It never blocks; false means the ceiling would be exceeded.
func ReserveAddressSpace(n uint64) bool { return addressSpace.reserve(n) }

// ReleaseReservation returns n previously reserved bytes to the budget.
// Releasing more than was reserved panics.
func ReleaseReservation(n uint64) { addressSpace.release(n) }

// ReservedAddressSpace returns the bytes currently charged.
func ReservedAddressSpace() uint64 { return addressSpace.reserved.Load() }

// AddressSpaceLimit returns the process-wide reservation ceiling.
func AddressSpaceLimit() uint64 { return addressSpace.limit }
