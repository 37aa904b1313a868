package backing

import (
	"runtime"
	"weak"
)

// MemoryObject is the embedder's view over a shared backing store (for a
// Wasm runtime, the memory object wrapping a linear memory). The
// allocator only needs two things from it.
type MemoryObject interface {
	// ByteLength returns the length the view currently exposes.
	ByteLength() uint64
	// RefreshBuffer rebuilds the view over the store's current (grown)
	// region and swaps it into every place the view is used. It may
	// allocate, so the registry only ever calls it outside its lock.
	RefreshBuffer(store *BackingStore)
}

// WeakViewHandle is a non-owning handle to a MemoryObject. Get returns
// nil once the view has been collected.
type WeakViewHandle interface {
	Get() MemoryObject
}

// sharedMemoryData is one node of a shared store's attachment list: which
// context observes the store, through which (weakly held) view. The list
// is intrusive, doubly linked and null terminated; the anchor node has
// neither context nor view and lives as long as the store.
//
// All links and the growPending flag are guarded by the global registry
// mutex.
type sharedMemoryData struct {
	next, prev *sharedMemoryData
	ctx        *Context
	view       WeakViewHandle

	// growPending marks a foreign context's attachment after a broadcast
	// it did not take part in; cleared by Reconcile.
	growPending bool
}

// unlink removes the node from its list and returns the next node.
// Unlinking an already unlinked node is a no-op.
func (d *sharedMemoryData) unlink() *sharedMemoryData {
	next := d.next
	if d.prev != nil {
		d.prev.next = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	}
	d.next, d.prev = nil, nil
	return next
}

type weakHandle[T any] struct {
	p weak.Pointer[T]
}

func (h weakHandle[T]) Get() MemoryObject {
	v := h.p.Value()
	if v == nil {
		return nil
	}
	obj, ok := any(v).(MemoryObject)
	if !ok {
		return nil
	}
	return obj
}

// MakeWeakHandle wraps a view in a non-owning handle. onCollect, if not
// nil, runs after the view becomes unreachable; AttachView uses it to
// unlink the view's attachment node, so a node's storage is released by
// the collection callback rather than eagerly by the registry.
func MakeWeakHandle[T any](view *T, onCollect func()) WeakViewHandle {
	h := weakHandle[T]{p: weak.Make(view)}
	if onCollect != nil {
		runtime.AddCleanup(view, func(f func()) { f() }, onCollect)
	}
	return h
}
