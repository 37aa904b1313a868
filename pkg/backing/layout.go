package backing

import (
	"math/bits"
	"os"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/srediag/backing-store/internal/pagealloc"
)

const (
	gib = uint64(1) << 30

	// MemoryPageSize is the unit managed regions are sized in (the Wasm
	// page size). It is a multiple of every OS page size we run on.
	MemoryPageSize = 64 * 1024

	// MaxMemoryPages caps a single managed region at 4 GiB.
	MaxMemoryPages = 65536
)

// Guard regions always look like this:
//
//	|xxx(2GiB)xxx|.......(4GiB)..xxxxx|xxxxxx(4GiB)xxxxxx|
//	             ^ region start
//	                             ^ byte length
//	^ negative guard region           ^ positive guard region
//
// Everything before the start and after the capacity stays inaccessible
// for the life of the region, so an out-of-bounds access of up to ~2 GiB
// in either direction faults instead of corrupting neighboring memory.
var (
	guardNegativeSize = 2 * gib
	guardFullSize     = 10 * gib
)

// AddressRegion is a contiguous virtual address range.
type AddressRegion struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the region.
func (r AddressRegion) End() uint64 { return r.Start + r.Size }

var osPageSize = uintptr(os.Getpagesize())

// guardedRegion returns the full guarded envelope around a region
// starting at start. The envelope begins exactly 2 GiB before start and
// spans exactly 10 GiB regardless of the region's length or capacity.
func guardedRegion(start uintptr) AddressRegion {
	if bits.UintSize != 64 {
		panic("backing: guard regions require a 64-bit address space")
	}
	if uint64(start)%uint64(osPageSize) != 0 {
		panic("backing: guarded region start is not page aligned")
	}
	return AddressRegion{Start: uint64(start) - guardNegativeSize, Size: guardFullSize}
}

// defaultAddressSpaceLimit picks the reservation ceiling: 1 TiB + 4 GiB
// on 64-bit targets, 3 GiB on 32-bit ones, dropped to 256 GiB when the
// kernel reports a small virtual address space.
func defaultAddressSpaceLimit() uint64 {
	if bits.UintSize != 64 {
		return 3 * gib
	}
	if constrained, known := constrainedAddressSpace(); known && constrained {
		return 256 * gib
	}
	return 1<<40 + 4*gib
}

// constrainedAddressSpace consults the kernel's vmalloc span as a proxy
// for how much virtual address space user mappings can realistically get.
func constrainedAddressSpace() (constrained, known bool) {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil || vm.VmallocTotal == 0 {
		return false, false
	}
	return vm.VmallocTotal < 1<<40, true
}

// useGuardRegionsDefault decides whether managed regions get the 10 GiB
// guarded envelope: only on 64-bit targets whose page allocator hands out
// huge no-access reservations for free, and only when the address space
// is not constrained.
func useGuardRegionsDefault(pages pagealloc.Allocator) bool {
	if bits.UintSize != 64 {
		return false
	}
	if !pages.SupportsHugeReservations() {
		return false
	}
	if constrained, known := constrainedAddressSpace(); known && constrained {
		return false
	}
	return true
}
