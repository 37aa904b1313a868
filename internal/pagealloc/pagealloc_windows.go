//go:build windows

package pagealloc

import (
	"fmt"
	"math/bits"
	"unsafe"

	"golang.org/x/sys/windows"
)

// virtualAllocator reserves address space with VirtualAlloc(MEM_RESERVE)
// and commits prefixes with VirtualAlloc(MEM_COMMIT). VirtualAlloc
// reserves on 64 KiB granularity, which already satisfies every alignment
// the allocator asks for.
type virtualAllocator struct {
	pageSize uintptr
}

func newPlatform() Allocator {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return &virtualAllocator{pageSize: uintptr(info.PageSize)}
}

func (a *virtualAllocator) PageSize() uintptr { return a.pageSize }

func (a *virtualAllocator) SupportsHugeReservations() bool { return bits.UintSize == 64 }

func pageFlags(prot Protection) uint32 {
	switch prot {
	case NoAccess:
		return windows.PAGE_NOACCESS
	case ReadOnly:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_READWRITE
	}
}

func (a *virtualAllocator) AllocatePages(hint uintptr, size, alignment uintptr, prot Protection) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size", ErrAllocateFailed)
	}
	size = roundUp(size, a.pageSize)

	allocType := uint32(windows.MEM_RESERVE)
	if prot != NoAccess {
		allocType |= windows.MEM_COMMIT
	}
	base, err := windows.VirtualAlloc(hint, size, allocType, pageFlags(prot))
	if err != nil && hint != 0 {
		// The hint range may be occupied; let the kernel choose.
		base, err = windows.VirtualAlloc(0, size, allocType, pageFlags(prot))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: VirtualAlloc %d bytes: %v", ErrAllocateFailed, size, err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size), nil
}

func (a *virtualAllocator) FreePages(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&region[0])), 0, windows.MEM_RELEASE)
}

func (a *virtualAllocator) SetPermissions(region []byte, prot Protection) error {
	if len(region) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&region[0]))
	size := uintptr(len(region))
	if prot == NoAccess {
		return windows.VirtualFree(addr, size, windows.MEM_DECOMMIT)
	}
	// Committing an already committed range only changes its protection.
	_, err := windows.VirtualAlloc(addr, size, windows.MEM_COMMIT, pageFlags(prot))
	return err
}
