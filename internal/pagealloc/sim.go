package pagealloc

import (
	"fmt"
	"strconv"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// simDefaultMaxRegion caps a single simulated reservation. The simulator
// backs reservations with ordinary heap slices, so it cannot afford the
// multi-GiB no-access reservations a real page allocator hands out for
// free.
const simDefaultMaxRegion = 1 << 30

// Sim is a heap-backed Allocator. It is the platform allocator where no
// native implementation exists, and the test seam everywhere else: the
// hooks let tests fail a phase deterministically.
type Sim struct {
	pageSize  uintptr
	maxRegion uintptr
	regions   cmap.ConcurrentMap[string, *simRegion]

	// AllocateHook, if set, runs before each reservation; a non-nil error
	// fails the reservation.
	AllocateHook func(size uintptr) error
	// ProtectHook, if set, runs before each permission change.
	ProtectHook func(size uintptr, prot Protection) error
}

type simRegion struct {
	buf  []byte
	prot Protection
}

// NewSim returns a simulator with 4 KiB pages.
func NewSim() *Sim {
	return &Sim{
		pageSize:  4096,
		maxRegion: simDefaultMaxRegion,
		regions:   cmap.New[*simRegion](),
	}
}

func (s *Sim) PageSize() uintptr { return s.pageSize }

func (s *Sim) SupportsHugeReservations() bool { return false }

// ActiveRegions returns the number of reservations not yet freed.
func (s *Sim) ActiveRegions() int { return s.regions.Count() }

func regionKey(addr uintptr) string {
	return strconv.FormatUint(uint64(addr), 16)
}

func (s *Sim) AllocatePages(hint uintptr, size, alignment uintptr, prot Protection) ([]byte, error) {
	if s.AllocateHook != nil {
		if err := s.AllocateHook(size); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocateFailed, err)
		}
	}
	if size == 0 || size > s.maxRegion {
		return nil, fmt.Errorf("%w: size %d out of range", ErrAllocateFailed, size)
	}
	buf := make([]byte, size)
	r := &simRegion{buf: buf, prot: prot}
	s.regions.Set(regionKey(uintptr(unsafe.Pointer(&buf[0]))), r)
	return buf, nil
}

func (s *Sim) FreePages(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	key := regionKey(uintptr(unsafe.Pointer(&region[0])))
	if _, ok := s.regions.Get(key); !ok {
		return ErrUnknownRegion
	}
	s.regions.Remove(key)
	return nil
}

func (s *Sim) SetPermissions(region []byte, prot Protection) error {
	if len(region) == 0 {
		return nil
	}
	if s.ProtectHook != nil {
		if err := s.ProtectHook(uintptr(len(region)), prot); err != nil {
			return err
		}
	}
	r := s.containing(uintptr(unsafe.Pointer(&region[0])))
	if r == nil {
		return ErrUnknownRegion
	}
	r.prot = prot
	return nil
}

// Protection reports the last protection applied to the reservation
// containing addr, for test assertions.
func (s *Sim) Protection(region []byte) (Protection, bool) {
	if len(region) == 0 {
		return NoAccess, false
	}
	r := s.containing(uintptr(unsafe.Pointer(&region[0])))
	if r == nil {
		return NoAccess, false
	}
	return r.prot, true
}

func (s *Sim) containing(addr uintptr) *simRegion {
	for item := range s.regions.IterBuffered() {
		base := uintptr(unsafe.Pointer(&item.Val.buf[0]))
		if addr >= base && addr < base+uintptr(len(item.Val.buf)) {
			return item.Val
		}
	}
	return nil
}
