package backing

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/backing-store/internal/pagealloc"
)

// BackingStore is one allocated memory region plus the metadata needed to
// grow and free it: the storage behind a growable, optionally shared
// linear-memory buffer.
//
// A store is created by one of the three factory functions and destroyed
// by Release (a runtime cleanup backstops stores that become unreachable
// without it). The accessible prefix never exceeds the reserved capacity.
type BackingStore struct {
	buffer       []byte // reserved data region, len == capacity
	byteLength   atomic.Uint64
	byteCapacity uint64

	shared          bool
	isManagedMemory bool
	hasGuardRegions bool

	// globallyRegistered is guarded by the registry mutex.
	globallyRegistered bool

	// sharedData anchors the attachment list; managed shared stores only.
	sharedData *sharedMemoryData

	res *storeResources
}

// storeResources holds everything needed to free a store's region. It is
// deliberately free of references back to the BackingStore so the runtime
// cleanup can reach it after the store itself became unreachable.
type storeResources struct {
	once sync.Once

	pages   pagealloc.Allocator
	buffers ByteAllocator

	heapBuf     []byte // external-allocator regions
	envelope    []byte // managed regions: the full mapping incl. guards
	reservation uint64 // bytes charged against the address-space budget

	start           uintptr
	ownsMemory      bool
	isManagedMemory bool
}

func (r *storeResources) release() {
	r.once.Do(func() {
		globalRegistry.dropDeadEntry(r.start)
		if r.isManagedMemory {
			if len(r.envelope) != 0 {
				if err := r.pages.FreePages(r.envelope); err != nil {
					fatalf("backing: freeing %d reserved bytes failed: %v", len(r.envelope), err)
				}
			}
			if r.reservation != 0 {
				ReleaseReservation(r.reservation)
			}
			return
		}
		if r.ownsMemory && r.heapBuf != nil {
			r.buffers.Free(r.heapBuf)
		}
	})
}

func newStore(buffer []byte, byteLength, byteCapacity uint64, shared, managed, guards bool, res *storeResources) *BackingStore {
	s := &BackingStore{
		buffer:          buffer,
		byteCapacity:    byteCapacity,
		shared:          shared,
		isManagedMemory: managed,
		hasGuardRegions: guards,
		res:             res,
	}
	s.byteLength.Store(byteLength)
	if managed && shared {
		s.sharedData = &sharedMemoryData{}
	}
	runtime.AddCleanup(s, func(r *storeResources) { r.release() }, res)
	return s
}

// Start returns the base address of the usable region; zero for an empty
// store. The address is an opaque registry key to consumers, not a
// pointer to dereference.
func (s *BackingStore) Start() uintptr { return s.res.start }

// ByteLength returns the currently accessible byte size.
func (s *BackingStore) ByteLength() uint64 { return s.byteLength.Load() }

// ByteCapacity returns the reserved byte size. Fixed at creation.
func (s *BackingStore) ByteCapacity() uint64 { return s.byteCapacity }

// IsShared reports whether multiple contexts may reference this region.
func (s *BackingStore) IsShared() bool { return s.shared }

// IsManagedMemory reports whether the region is owned by the page
// allocator rather than an external byte allocator.
func (s *BackingStore) IsManagedMemory() bool { return s.isManagedMemory }

// HasGuardRegions reports whether the region sits inside a guarded
// envelope.
func (s *BackingStore) HasGuardRegions() bool { return s.hasGuardRegions }

// OwnsMemory reports whether Release frees the underlying region.
func (s *BackingStore) OwnsMemory() bool { return s.res.ownsMemory }

// Bytes returns the accessible prefix of the region.
func (s *BackingStore) Bytes() []byte {
	n := s.byteLength.Load()
	if n == 0 {
		return nil
	}
	return s.buffer[:n]
}

// GuardedRegion returns the full guarded envelope and true, or a zero
// region and false for unguarded stores.
func (s *BackingStore) GuardedRegion() (AddressRegion, bool) {
	if !s.hasGuardRegions {
		return AddressRegion{}, false
	}
	return guardedRegion(s.res.start), true
}

// Release destroys the store: it is removed from the global registry, its
// attachment list is torn down, and the underlying region is freed when
// the store owns it. Safe to call more than once.
func (s *BackingStore) Release() {
	Unregister(s)
	if s.sharedData != nil {
		globalRegistry.clearAttachments(s.sharedData)
	}
	s.res.release()
}

// Allocate creates a backing store through the context's external byte
// allocator. A zero length always succeeds with an empty region;
// ErrOutOfMemory reports an allocator that returned nothing.
func Allocate(ctx *Context, byteLength uint64, shared, zeroInit bool) (*BackingStore, error) {
	var buf []byte
	if byteLength != 0 {
		if mib := byteLength >> 20; mib > 0 {
			bigAllocationSizes.Observe(float64(mib))
			if shared {
				sharedAllocationSizes.Observe(float64(mib))
			}
		}
		if zeroInit {
			buf = ctx.buffers.Allocate(int(byteLength))
		} else {
			buf = ctx.buffers.AllocateUninitialized(int(byteLength))
		}
		if buf == nil {
			allocationSizeFailures.Inc()
			return nil, ErrOutOfMemory
		}
	}
	res := &storeResources{
		buffers:    ctx.buffers,
		heapBuf:    buf,
		start:      sliceStart(buf),
		ownsMemory: true,
	}
	s := newStore(buf, byteLength, byteLength, shared, false, false, res)
	internalLogger.debugf("alloc store start=0x%x len=%d shared=%v", s.Start(), byteLength, shared)
	return s, nil
}

// WrapAllocation adopts an already allocated region without any page
// operations. ownsMemory decides whether Release hands the buffer back to
// the context's byte allocator.
func WrapAllocation(ctx *Context, buf []byte, shared, ownsMemory bool) *BackingStore {
	res := &storeResources{
		buffers:    ctx.buffers,
		heapBuf:    buf,
		start:      sliceStart(buf),
		ownsMemory: ownsMemory,
	}
	s := newStore(buf, uint64(len(buf)), uint64(len(buf)), shared, false, false, res)
	internalLogger.debugf("wrap store start=0x%x len=%d owns=%v", s.Start(), len(buf), ownsMemory)
	return s
}

// allocationAttempts bounds each allocation phase: try, request
// reclamation, try again, up to three times in all.
const allocationAttempts = 3

// AllocateManaged creates a managed backing store of initialPages
// accessible pages with room to grow to maximumPages, through the page
// allocator. If allocating the full maximum fails, it retries once with
// the maximum clamped to the initial size before giving up.
func AllocateManaged(ctx *Context, initialPages, maximumPages uint64, shared bool) (*BackingStore, error) {
	if initialPages > MaxMemoryPages {
		return nil, fmt.Errorf("backing: initial size %d pages exceeds the %d page engine maximum",
			initialPages, MaxMemoryPages)
	}
	defer ctx.allocationSpan("AllocateManaged")()

	s, err := tryAllocateManaged(ctx, initialPages, maximumPages, shared)
	if err != nil && maximumPages > initialPages {
		s, err = tryAllocateManaged(ctx, initialPages, initialPages, shared)
	}
	return s, err
}

func tryAllocateManaged(ctx *Context, initialPages, maximumPages uint64, shared bool) (*BackingStore, error) {
	guards := ctx.useGuardRegions
	didRetry := false

	reclaimRetry := func(op backoff.Operation) error {
		policy := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, allocationAttempts-1)
		return backoff.RetryNotify(op, policy, func(error, time.Duration) {
			didRetry = true
			ctx.notifyMemoryPressure()
		})
	}

	var reservationSize, byteCapacity uint64
	if guards {
		reservationSize = guardFullSize
		byteCapacity = MaxMemoryPages * MemoryPageSize
	} else {
		pages := maximumPages
		if pages > MaxMemoryPages {
			pages = MaxMemoryPages
		}
		reservationSize = pages * MemoryPageSize
		byteCapacity = reservationSize
	}

	// 1. Charge the process-wide reservation budget.
	if err := reclaimRetry(func() error {
		if !ReserveAddressSpace(reservationSize) {
			return ErrAddressSpaceExhausted
		}
		return nil
	}); err != nil {
		recordStatus(statusAddressSpaceLimit)
		return nil, ErrAddressSpaceExhausted
	}

	// 2. Reserve the address range, inaccessible by default.
	var envelope []byte
	if err := reclaimRetry(func() error {
		region, err := ctx.pages.AllocatePages(0, uintptr(reservationSize), MemoryPageSize, pagealloc.NoAccess)
		if err != nil {
			return err
		}
		envelope = region
		return nil
	}); err != nil {
		ReleaseReservation(reservationSize)
		recordStatus(statusOtherFailure)
		internalLogger.warnf("managed allocation of %d bytes: %v", reservationSize, err)
		return nil, ErrOtherAllocationFailure
	}

	// The usable region starts past the negative guard region.
	offset := 0
	if guards {
		offset = int(guardNegativeSize)
	}
	buffer := envelope[offset : offset+int(byteCapacity)]

	byteLength := initialPages * MemoryPageSize

	// 3. Commit the initial pages.
	if err := reclaimRetry(func() error {
		if byteLength == 0 {
			return nil
		}
		return ctx.pages.SetPermissions(buffer[:byteLength], pagealloc.ReadWrite)
	}); err != nil {
		// A partial commit has no rollback path; stopping here beats
		// continuing with an inconsistent reservation.
		fatalf("backing: committing %d initial bytes failed: %v", byteLength, err)
	}

	if debugMode {
		checkZero(buffer[:byteLength])
	}

	if didRetry {
		recordStatus(statusSuccessAfterRetry)
	} else {
		recordStatus(statusSuccess)
	}

	res := &storeResources{
		pages:           ctx.pages,
		envelope:        envelope,
		reservation:     reservationSize,
		start:           sliceStart(buffer),
		ownsMemory:      true,
		isManagedMemory: true,
	}
	s := newStore(buffer, byteLength, byteCapacity, shared, true, guards, res)
	internalLogger.debugf("managed store start=0x%x len=%d cap=%d guards=%v shared=%v",
		s.Start(), byteLength, byteCapacity, guards, shared)
	return s, nil
}

// GrowInPlace extends the accessible prefix to newByteLength by granting
// read/write on the delta range. Growing to at most the current length is
// a no-op success. It returns false, leaving the length untouched, when
// the request exceeds the reserved capacity (fall back to CopyAndGrow) or
// the permission grant fails.
//
// Callers sharing a store must serialize GrowInPlace and BroadcastGrow on
// it themselves; this package does not provide a per-store growth lock.
func (s *BackingStore) GrowInPlace(ctx *Context, newByteLength uint64) bool {
	if err := s.growInPlace(ctx, newByteLength); err != nil {
		internalLogger.debugf("grow in place to %d: %v", newByteLength, err)
		return false
	}
	return true
}

func (s *BackingStore) growInPlace(ctx *Context, newByteLength uint64) error {
	if !s.isManagedMemory {
		return fmt.Errorf("backing: grow in place on unmanaged memory")
	}
	old := s.byteLength.Load()
	if newByteLength <= old {
		return nil
	}
	if newByteLength > s.byteCapacity {
		return ErrCapacityExceeded
	}
	if err := s.res.pages.SetPermissions(s.buffer[old:newByteLength], pagealloc.ReadWrite); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionGrantFailed, err)
	}
	s.byteLength.Store(newByteLength)
	ctx.adjustExternalMemory(int64(newByteLength - old))
	return nil
}

// CopyAndGrow allocates a fresh managed region of newPages pages, copies
// min(old length, new length) bytes from old and returns the new store.
// The new region's guard layout must match the old one exactly. The old
// store is left untouched; transferring ownership is the caller's job.
func CopyAndGrow(ctx *Context, old *BackingStore, newPages uint64) (*BackingStore, error) {
	s, err := AllocateManaged(ctx, newPages, newPages, old.shared)
	if err != nil {
		return nil, err
	}
	if s.hasGuardRegions != old.hasGuardRegions {
		s.Release()
		return nil, fmt.Errorf("%w: guard region layout changed", ErrOtherAllocationFailure)
	}
	n := min(old.ByteLength(), s.ByteLength())
	copy(s.buffer[:n], old.buffer[:n])
	return s, nil
}

func checkZero(b []byte) {
	for i := range b {
		if b[i] != 0 {
			fatalf("backing: fresh pages not zero initialized at byte %d", i)
		}
	}
}

func sliceStart(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
