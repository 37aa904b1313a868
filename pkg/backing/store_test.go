package backing

import (
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/backing-store/internal/pagealloc"
)

// newTestContext builds an unnamed context over a fresh simulator, so
// allocation phases can be failed deterministically. The simulator never
// supports guard regions, matching the unguarded policy branch.
func newTestContext(t *testing.T, cfg Config) (*Context, *pagealloc.Sim) {
	t.Helper()
	sim := pagealloc.NewSim()
	cfg.Pages = sim
	ctx := NewContext(cfg)
	t.Cleanup(ctx.Close)
	return ctx, sim
}

// nilAllocator models an exhausted external byte allocator.
type nilAllocator struct{}

func (nilAllocator) Allocate(int) []byte              { return nil }
func (nilAllocator) AllocateUninitialized(int) []byte { return nil }
func (nilAllocator) Free([]byte)                      {}

// recordingAllocator tracks Free calls.
type recordingAllocator struct {
	freed int
}

func (a *recordingAllocator) Allocate(n int) []byte              { return make([]byte, n) }
func (a *recordingAllocator) AllocateUninitialized(n int) []byte { return make([]byte, n) }
func (a *recordingAllocator) Free([]byte)                        { a.freed++ }

func counterValue(t *testing.T, status string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, allocationResults.WithLabelValues(status).Write(m))
	return m.GetCounter().GetValue()
}

func TestAllocateZeroLength(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})

	s, err := Allocate(ctx, 0, false, true)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), s.Start())
	assert.Equal(t, uint64(0), s.ByteLength())
	assert.Nil(t, s.Bytes())
	s.Release()
}

func TestAllocateOutOfMemory(t *testing.T) {
	ctx, _ := newTestContext(t, Config{Buffers: nilAllocator{}})

	s, err := Allocate(ctx, 4096, false, true)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAllocateGeneric(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})

	s, err := Allocate(ctx, 4096, false, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), s.ByteLength())
	assert.Equal(t, uint64(4096), s.ByteCapacity())
	assert.Equal(t, false, s.IsManagedMemory())
	assert.Equal(t, false, s.HasGuardRegions())
	assert.Equal(t, true, s.OwnsMemory())
	assert.Len(t, s.Bytes(), 4096)
	s.Release()
}

func TestWrapAllocation(t *testing.T) {
	buffers := &recordingAllocator{}
	ctx, _ := newTestContext(t, Config{Buffers: buffers})

	buf := []byte("wrapped region contents")
	s := WrapAllocation(ctx, buf, false, false)
	assert.Equal(t, uint64(len(buf)), s.ByteLength())
	assert.Equal(t, false, s.IsManagedMemory())
	assert.Equal(t, false, s.OwnsMemory())

	s.Release()
	assert.Equal(t, 0, buffers.freed, "borrowed memory must not be freed")

	owned := WrapAllocation(ctx, make([]byte, 16), false, true)
	owned.Release()
	assert.Equal(t, 1, buffers.freed)
}

func TestAllocateManagedScenario(t *testing.T) {
	ctx, sim := newTestContext(t, Config{})

	s, err := AllocateManaged(ctx, 1, 10, false)
	require.NoError(t, err)
	defer s.Release()

	assert.Equal(t, uint64(MemoryPageSize), s.ByteLength())
	assert.Equal(t, uint64(10*MemoryPageSize), s.ByteCapacity())
	assert.Equal(t, true, s.IsManagedMemory())
	assert.Equal(t, false, s.HasGuardRegions(), "simulator never affords guard regions")

	prot, ok := sim.Protection(s.Bytes())
	assert.Equal(t, true, ok)
	assert.Equal(t, pagealloc.ReadWrite, prot)

	assert.Equal(t, true, s.GrowInPlace(ctx, 5*MemoryPageSize))
	assert.Equal(t, uint64(5*MemoryPageSize), s.ByteLength())

	assert.Equal(t, false, s.GrowInPlace(ctx, 11*MemoryPageSize))
	assert.Equal(t, uint64(5*MemoryPageSize), s.ByteLength())
}

func TestAllocateManagedChargesReservation(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})
	before := ReservedAddressSpace()

	s, err := AllocateManaged(ctx, 2, 4, false)
	require.NoError(t, err)
	assert.Equal(t, before+4*MemoryPageSize, ReservedAddressSpace())

	s.Release()
	assert.Equal(t, before, ReservedAddressSpace())
}

func TestAllocateManagedEngineMaximum(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})

	s, err := AllocateManaged(ctx, MaxMemoryPages+1, MaxMemoryPages+1, false)
	assert.Nil(t, s)
	assert.Error(t, err)
}

func TestAllocateManagedRetriesAfterPressure(t *testing.T) {
	pressure := 0
	ctx, sim := newTestContext(t, Config{OnMemoryPressure: func() { pressure++ }})

	fails := 2
	sim.AllocateHook = func(uintptr) error {
		if fails > 0 {
			fails--
			return errors.New("transient")
		}
		return nil
	}

	before := counterValue(t, statusSuccessAfterRetry)
	s, err := AllocateManaged(ctx, 1, 1, false)
	require.NoError(t, err)
	defer s.Release()

	assert.Equal(t, 2, pressure, "reclamation requested between attempts")
	assert.Equal(t, before+1, counterValue(t, statusSuccessAfterRetry))
}

func TestAllocateManagedPageReservationFailure(t *testing.T) {
	ctx, sim := newTestContext(t, Config{})

	before := ReservedAddressSpace()
	hooks := 0
	sim.AllocateHook = func(uintptr) error { hooks++; return errors.New("no pages") }

	s, err := AllocateManaged(ctx, 1, 10, false)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrOtherAllocationFailure)
	// Full maximum first, then the maximum=initial fallback, three
	// attempts each.
	assert.Equal(t, 2*allocationAttempts, hooks)
	assert.Equal(t, before, ReservedAddressSpace(), "failed allocation must release its reservation")
}

func TestAllocateManagedAddressSpaceExhausted(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})

	remaining := AddressSpaceLimit() - ReservedAddressSpace()
	require.Equal(t, true, ReserveAddressSpace(remaining))
	defer ReleaseReservation(remaining)

	before := counterValue(t, statusAddressSpaceLimit)
	s, err := AllocateManaged(ctx, 1, 1, false)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrAddressSpaceExhausted)
	// maximum == initial, so there is no fallback try and exactly one
	// sample is recorded.
	assert.Equal(t, before+1, counterValue(t, statusAddressSpaceLimit))
}

func TestGrowInPlaceNoOp(t *testing.T) {
	deltas := []int64{}
	ctx, _ := newTestContext(t, Config{OnExternalMemoryDelta: func(d int64) { deltas = append(deltas, d) }})

	s, err := AllocateManaged(ctx, 2, 4, false)
	require.NoError(t, err)
	defer s.Release()

	assert.Equal(t, true, s.GrowInPlace(ctx, MemoryPageSize))
	assert.Equal(t, uint64(2*MemoryPageSize), s.ByteLength())
	assert.Empty(t, deltas, "shrinking requests must not touch accounting")

	assert.Equal(t, true, s.GrowInPlace(ctx, 3*MemoryPageSize))
	assert.Equal(t, []int64{MemoryPageSize}, deltas)
}

func TestGrowInPlacePermissionFailure(t *testing.T) {
	ctx, sim := newTestContext(t, Config{})

	s, err := AllocateManaged(ctx, 1, 4, false)
	require.NoError(t, err)
	defer s.Release()

	sim.ProtectHook = func(uintptr, pagealloc.Protection) error { return errors.New("commit refused") }
	assert.Equal(t, false, s.GrowInPlace(ctx, 2*MemoryPageSize))
	assert.Equal(t, uint64(MemoryPageSize), s.ByteLength(), "failed grow must not mutate length")
}

func TestGrowInPlaceUnmanaged(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})

	s, err := Allocate(ctx, 4096, false, true)
	require.NoError(t, err)
	defer s.Release()
	assert.Equal(t, false, s.GrowInPlace(ctx, 8192))
}

func TestCopyAndGrow(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})

	old, err := AllocateManaged(ctx, 1, 1, false)
	require.NoError(t, err)
	defer old.Release()
	copy(old.Bytes(), "carried across the copy")

	grown, err := CopyAndGrow(ctx, old, 3)
	require.NoError(t, err)
	defer grown.Release()

	assert.Equal(t, uint64(3*MemoryPageSize), grown.ByteLength())
	assert.Equal(t, old.HasGuardRegions(), grown.HasGuardRegions())
	assert.Equal(t, []byte("carried across the copy"), grown.Bytes()[:23])
	assert.Equal(t, uint64(MemoryPageSize), old.ByteLength(), "source store is left untouched")
}

func TestCopyAndGrowShrinks(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})

	old, err := AllocateManaged(ctx, 2, 2, false)
	require.NoError(t, err)
	defer old.Release()

	shrunk, err := CopyAndGrow(ctx, old, 1)
	require.NoError(t, err)
	defer shrunk.Release()
	assert.Equal(t, uint64(MemoryPageSize), shrunk.ByteLength())
}

func TestReleaseIdempotent(t *testing.T) {
	ctx, sim := newTestContext(t, Config{})

	s, err := AllocateManaged(ctx, 1, 1, false)
	require.NoError(t, err)
	before := ReservedAddressSpace()

	s.Release()
	s.Release()
	assert.Equal(t, before-MemoryPageSize, ReservedAddressSpace())
	assert.Equal(t, 0, sim.ActiveRegions())
}
