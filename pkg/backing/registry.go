package backing

import (
	"runtime"
	"sync"
	"time"
	"weak"
)

// backingStoreRegistry is the process-wide table of shared backing
// stores, keyed by region start address. One mutex guards the map and
// every attachment list reachable from it.
//
// The one rule that shapes every operation here: work that may trigger a
// collection (building new view objects) must never run while the mutex
// is held, because a collection can release a backing store, whose
// cleanup re-enters Unregister and deadlocks. Hence the two-phase shape
// of BroadcastGrow and Reconcile: gather strong references under the
// lock, mutate outside it.
type backingStoreRegistry struct {
	mu     sync.Mutex
	stores map[uintptr]weak.Pointer[BackingStore]
}

var globalRegistry = &backingStoreRegistry{
	stores: make(map[uintptr]weak.Pointer[BackingStore]),
}

// Register keys a store in the global registry under its start address.
// Registering a nil, empty or already registered store is a no-op.
func Register(store *BackingStore) {
	if store == nil || store.Start() == 0 {
		return
	}
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if store.globallyRegistered {
		return
	}
	if prev, ok := globalRegistry.stores[store.Start()]; ok && prev.Value() != nil {
		internalLogger.warnf("registry: start=0x%x already registered to a live store", store.Start())
		return
	}
	internalLogger.tracef("registry: register start=0x%x len=%d", store.Start(), store.ByteLength())
	globalRegistry.stores[store.Start()] = weak.Make(store)
	store.globallyRegistered = true
}

// Unregister removes a store's registry entry. Unregistering a store that
// is not registered is a no-op.
func Unregister(store *BackingStore) {
	if store == nil || !store.globallyRegistered {
		return
	}
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if !store.globallyRegistered {
		return
	}
	delete(globalRegistry.stores, store.Start())
	store.globallyRegistered = false
}

// Lookup finds the live store registered at start. byteLength is a sanity
// check against the found store's recorded length, not a disambiguator;
// a mismatch is logged and the store returned anyway. Returns nil when no
// live store is registered at start.
func Lookup(start uintptr, byteLength uint64) *BackingStore {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	wp, ok := globalRegistry.stores[start]
	if !ok {
		return nil
	}
	store := wp.Value()
	if store == nil {
		return nil
	}
	if store.ByteLength() != byteLength {
		internalLogger.warnf("registry: lookup start=0x%x expected len=%d, store has len=%d",
			start, byteLength, store.ByteLength())
	}
	return store
}

// AttachView enrolls a context's view over a shared managed store: a new
// attachment node holding a weak handle to the view is linked right after
// the anchor. When the view is collected, the node is unlinked by the
// collection callback; the registry never sweeps it eagerly.
//
// The view must stay strongly referenced by the embedder for as long as
// it should receive broadcasts.
func AttachView[T any, PT interface {
	*T
	MemoryObject
}](ctx *Context, store *BackingStore, view PT) {
	node := &sharedMemoryData{ctx: ctx, view: weakHandle[T]{p: weak.Make((*T)(view))}}
	runtime.AddCleanup((*T)(view), func(n *sharedMemoryData) {
		globalRegistry.detachNode(n)
	}, node)
	globalRegistry.attach(store, node)
}

// attachHandle links a pre-built weak handle; AttachView is the usual
// entry point.
func attachHandle(ctx *Context, store *BackingStore, view WeakViewHandle) *sharedMemoryData {
	node := &sharedMemoryData{ctx: ctx, view: view}
	globalRegistry.attach(store, node)
	return node
}

func (r *backingStoreRegistry) attach(store *BackingStore, node *sharedMemoryData) {
	anchor := store.sharedData
	if anchor == nil {
		internalLogger.warnf("registry: attach on a store without an attachment list")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if next := anchor.next; next != nil {
		next.prev = node
		node.next = next
	}
	anchor.next = node
	node.prev = anchor
}

func (r *backingStoreRegistry) detachNode(n *sharedMemoryData) {
	r.mu.Lock()
	n.unlink()
	r.mu.Unlock()
}

// BroadcastGrow propagates a completed growth of a shared store to every
// view observing it. Views owned by ctx are rebuilt right here, strictly
// outside the registry lock; every other context's attachment is flagged
// and that context is signaled to reconcile at its own pace.
func BroadcastGrow(ctx *Context, store *BackingStore, newSize uint64) {
	if store == nil || store.sharedData == nil {
		return
	}
	var views []MemoryObject
	var pollTargets []*Context

	globalRegistry.mu.Lock()
	for n := store.sharedData.next; n != nil; n = n.next {
		if n.ctx == ctx {
			if n.view != nil {
				if obj := n.view.Get(); obj != nil {
					views = append(views, obj)
				}
			}
			continue
		}
		n.growPending = true
		if n.ctx != nil {
			pollTargets = append(pollTargets, n.ctx)
		}
	}
	globalRegistry.mu.Unlock()

	for _, target := range pollTargets {
		target.requestGrowPoll(store.Start())
	}
	for _, view := range views {
		view.RefreshBuffer(store)
	}
	internalLogger.debugf("broadcast grow start=0x%x size=%d views=%d polled=%d",
		store.Start(), newSize, len(views), len(pollTargets))
}

// Purge unlinks every attachment owned by ctx across all registered
// stores. Called when a context is torn down so no dangling owner
// references survive it.
func Purge(ctx *Context) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	for _, wp := range globalRegistry.stores {
		store := wp.Value()
		if store == nil || !store.isManagedMemory || store.sharedData == nil {
			continue
		}
		for n := store.sharedData.next; n != nil; {
			if n.ctx == ctx {
				n = n.unlink()
				continue
			}
			n = n.next
		}
	}
}

// Reconcile rebuilds every view owned by ctx whose reported length
// disagrees with its store's actual length, and drains the context's
// pending grow polls. Same two-phase shape as BroadcastGrow.
func Reconcile(ctx *Context) {
	type stale struct {
		store *BackingStore
		view  MemoryObject
	}
	var pending []stale

	globalRegistry.mu.Lock()
	for _, wp := range globalRegistry.stores {
		store := wp.Value()
		if store == nil || !store.isManagedMemory || store.sharedData == nil {
			continue
		}
		for n := store.sharedData.next; n != nil; n = n.next {
			if n.ctx != ctx || n.view == nil {
				continue
			}
			obj := n.view.Get()
			if obj == nil {
				continue
			}
			n.growPending = false
			if obj.ByteLength() != store.ByteLength() {
				pending = append(pending, stale{store: store, view: obj})
			}
		}
	}
	globalRegistry.mu.Unlock()

	for _, p := range pending {
		p.view.RefreshBuffer(p.store)
	}
	for {
		if _, ok := ctx.TakeGrowPoll(); !ok {
			break
		}
	}
}

// clearAttachments drops every node of a store's attachment list. Part of
// store destruction.
func (r *backingStoreRegistry) clearAttachments(anchor *sharedMemoryData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n := anchor.next; n != nil; {
		n = n.unlink()
	}
}

// dropDeadEntry removes the registry entry at start if its store is gone.
// Runs from store cleanups, where only the key survives.
func (r *backingStoreRegistry) dropDeadEntry(start uintptr) {
	if start == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.stores[start]; ok && wp.Value() == nil {
		delete(r.stores, start)
	}
}

// growPollPending reports whether ctx's attachment on store is flagged
// for an asynchronous grow poll.
func growPollPending(store *BackingStore, ctx *Context) bool {
	if store.sharedData == nil {
		return false
	}
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	for n := store.sharedData.next; n != nil; n = n.next {
		if n.ctx == ctx && n.growPending {
			return true
		}
	}
	return false
}

// PingRegistry reports whether the registry mutex can be acquired within
// timeout. Health checks use it to detect a wedged registry.
func PingRegistry(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		globalRegistry.mu.Lock()
		//nolint:staticcheck // empty critical section: acquire-and-release probe
		globalRegistry.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrRegistryUnresponsive
	}
}
