//go:build !unix && !windows

package pagealloc

// Platforms without a native page allocator fall back to the heap-backed
// simulator; guard regions stay disabled there.
func newPlatform() Allocator { return NewSim() }
