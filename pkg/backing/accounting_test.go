package backing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReserveRelease(t *testing.T) {
	c := &addressSpaceCounter{limit: 1 << 20}

	assert.Equal(t, true, c.reserve(1<<10))
	assert.Equal(t, uint64(1<<10), c.reserved.Load())
	c.release(1 << 10)
	assert.Equal(t, uint64(0), c.reserved.Load())
}

func TestReserveCeiling(t *testing.T) {
	c := &addressSpaceCounter{limit: 100}

	assert.Equal(t, true, c.reserve(100))
	assert.Equal(t, false, c.reserve(1))
	c.release(40)
	assert.Equal(t, true, c.reserve(40))
	assert.Equal(t, false, c.reserve(41))
	c.release(100)
}

func TestReserveZero(t *testing.T) {
	c := &addressSpaceCounter{limit: 10}
	assert.Equal(t, true, c.reserve(0))
	c.release(0)
	assert.Equal(t, uint64(0), c.reserved.Load())
}

func TestReleaseUnderflowPanics(t *testing.T) {
	c := &addressSpaceCounter{limit: 100}
	c.reserve(10)
	assert.Panics(t, func() { c.release(20) })
}

func TestConcurrentReserveRelease(t *testing.T) {
	const (
		workers    = 8
		iterations = 2000
		chunk      = 64
	)
	c := &addressSpaceCounter{limit: workers * chunk}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if c.reserve(chunk) {
					c.release(chunk)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(0), c.reserved.Load())
}

func TestGlobalReservationCounter(t *testing.T) {
	before := ReservedAddressSpace()
	assert.Equal(t, true, ReserveAddressSpace(1<<16))
	assert.Equal(t, before+1<<16, ReservedAddressSpace())
	ReleaseReservation(1 << 16)
	assert.Equal(t, before, ReservedAddressSpace())
	assert.Greater(t, AddressSpaceLimit(), uint64(0))
}
