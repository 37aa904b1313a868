// Package pagealloc provides the page-level allocation capability used by
// the backing-store allocator: reserving virtual address ranges with no
// access permissions, committing prefixes by granting read/write, and
// releasing whole reservations.
//
// Platform-specific implementations live in the platform files
// (pagealloc_unix.go, pagealloc_windows.go); Sim is a heap-backed
// simulator for platforms without a native implementation and for tests.
package pagealloc

import "errors"

// Protection is the access permission applied to a range of pages.
type Protection int

const (
	// NoAccess reserves address space without granting any access.
	NoAccess Protection = iota
	// ReadOnly grants read access.
	ReadOnly
	// ReadWrite grants read and write access (commit).
	ReadWrite
)

var (
	// ErrAllocateFailed reports that the platform could not reserve the
	// requested range.
	ErrAllocateFailed = errors.New("pagealloc: allocate pages failed")
	// ErrUnknownRegion reports an operation on memory this allocator does
	// not track.
	ErrUnknownRegion = errors.New("pagealloc: unknown region")
)

// Allocator reserves, commits and releases pages. Implementations must be
// safe for concurrent use.
type Allocator interface {
	// AllocatePages reserves size bytes of address space aligned to
	// alignment, with the given initial protection. hint is a non-binding
	// placement hint and may be zero. The returned slice spans the whole
	// reservation; with NoAccess protection the bytes must not be touched
	// until a prefix has been committed via SetPermissions.
	AllocatePages(hint uintptr, size, alignment uintptr, prot Protection) ([]byte, error)

	// FreePages releases a reservation previously returned by
	// AllocatePages. The full original slice must be passed.
	FreePages(region []byte) error

	// SetPermissions changes the protection of a subrange of a
	// reservation. The range start must be page aligned.
	SetPermissions(region []byte, prot Protection) error

	// PageSize returns the commit granularity of this allocator.
	PageSize() uintptr

	// SupportsHugeReservations reports whether multi-GiB no-access
	// reservations are cheap on this implementation, which the caller
	// needs for its guard-region policy.
	SupportsHugeReservations() bool
}

var platformAllocator = newPlatform()

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// Platform returns the process-wide platform allocator.
func Platform() Allocator { return platformAllocator }
