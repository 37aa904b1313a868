// Package backing allocates and tracks the backing stores behind large,
// growable, optionally shared linear-memory buffers.
//
// A BackingStore owns one memory region and the metadata describing how
// to grow and free it. Managed stores come from the page allocator with
// reserve/commit semantics and, on roomy 64-bit address spaces, a 10 GiB
// guarded envelope that turns near out-of-bounds accesses into hardware
// faults. Generic stores come from an external byte allocator, and
// existing buffers can be adopted with WrapAllocation.
//
// Shared managed stores are keyed in a process-wide registry so that
// growth in one execution context can be broadcast to every view in
// every other context. The registry's single mutex is only ever held
// across pointer bookkeeping; anything that can allocate happens outside
// it.
package backing
