//go:build unix

package pagealloc

import (
	"fmt"
	"math/bits"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAllocator reserves address space with anonymous PROT_NONE mappings
// and commits prefixes with mprotect. A no-access anonymous mapping does
// not charge commit, so reserving 10 GiB per guarded region is cheap.
type mmapAllocator struct {
	pageSize uintptr
}

func newPlatform() Allocator {
	return &mmapAllocator{pageSize: uintptr(unix.Getpagesize())}
}

func (a *mmapAllocator) PageSize() uintptr { return a.pageSize }

func (a *mmapAllocator) SupportsHugeReservations() bool { return bits.UintSize == 64 }

func protFlags(prot Protection) int {
	switch prot {
	case NoAccess:
		return unix.PROT_NONE
	case ReadOnly:
		return unix.PROT_READ
	default:
		return unix.PROT_READ | unix.PROT_WRITE
	}
}

func (a *mmapAllocator) AllocatePages(hint uintptr, size, alignment uintptr, prot Protection) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size", ErrAllocateFailed)
	}
	size = roundUp(size, a.pageSize)
	if alignment < a.pageSize {
		alignment = a.pageSize
	}

	// Over-map by the alignment, then trim the misaligned head and tail.
	total := size + alignment
	//nolint:govet // hint is only a placement hint, never dereferenced.
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), total, protFlags(prot), mapReserveFlags)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocateFailed, total, err)
	}
	base := uintptr(p)
	aligned := roundUp(base, alignment)
	if head := aligned - base; head != 0 {
		if err := unix.MunmapPtr(p, head); err != nil {
			return nil, fmt.Errorf("pagealloc: trimming mapping head: %w", err)
		}
	}
	if tail := (base + total) - (aligned + size); tail != 0 {
		if err := unix.MunmapPtr(unsafe.Add(p, aligned+size-base), tail); err != nil {
			return nil, fmt.Errorf("pagealloc: trimming mapping tail: %w", err)
		}
	}
	return unsafe.Slice((*byte)(unsafe.Add(p, aligned-base)), size), nil
}

func (a *mmapAllocator) FreePages(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	return unix.MunmapPtr(unsafe.Pointer(&region[0]), uintptr(len(region)))
}

func (a *mmapAllocator) SetPermissions(region []byte, prot Protection) error {
	if len(region) == 0 {
		return nil
	}
	return unix.Mprotect(region, protFlags(prot))
}
