package backing

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/backing-store/internal/pagealloc"
)

// ByteAllocator is the external byte-buffer allocator capability consumed
// by the generic allocation path. A nil return means out of memory.
type ByteAllocator interface {
	// Allocate returns n zero-initialized bytes.
	Allocate(n int) []byte
	// AllocateUninitialized returns n bytes with arbitrary contents.
	AllocateUninitialized(n int) []byte
	// Free releases a buffer previously returned by this allocator.
	Free(buf []byte)
}

// heapAllocator is the default ByteAllocator over the Go heap. The heap
// zero-initializes everything, so both paths are the same here.
type heapAllocator struct{}

func (heapAllocator) Allocate(n int) []byte              { return make([]byte, n) }
func (heapAllocator) AllocateUninitialized(n int) []byte { return make([]byte, n) }
func (heapAllocator) Free([]byte)                        {}

// Config configures an execution context. The zero value is usable: the
// platform page allocator, the heap byte allocator, and no telemetry.
type Config struct {
	// Name identifies the context in logs and the process context table.
	Name string

	// Pages overrides the page-allocator capability.
	Pages pagealloc.Allocator
	// Buffers overrides the byte-buffer allocator capability.
	Buffers ByteAllocator

	// OnMemoryPressure is invoked between allocation attempts to request
	// reclamation (typically a GC under critical pressure).
	OnMemoryPressure func()
	// OnExternalMemoryDelta receives the byte delta after an in-place
	// grow, for the embedder's external-memory accounting.
	OnExternalMemoryDelta func(delta int64)
	// OnGrowPoll is invoked, off the registry lock, when a shared store
	// this context observes was grown by another context. The context
	// should reconcile its views. May be nil; the poll queue is filled
	// either way.
	OnGrowPoll func(start uintptr)

	// UseGuardRegions overrides the guard-region policy, mainly for
	// tests. Nil means decide from the platform.
	UseGuardRegions *bool

	// Meter and Tracer enable optional OpenTelemetry instrumentation.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Context is one independent execution context (a thread of the managed
// runtime, an isolate, a tenant): the owner of backing-store references
// and the unit attachment lists and broadcasts are keyed by.
type Context struct {
	name            string
	pages           pagealloc.Allocator
	buffers         ByteAllocator
	useGuardRegions bool

	onMemoryPressure func()
	onExternalDelta  func(int64)
	onGrowPoll       func(uintptr)

	growPolls *queue.Queue

	meter  metric.Meter
	tracer trace.Tracer
}

// contexts is the process-wide table of live contexts, keyed by name.
var contexts = cmap.New[*Context]()

// growPollPool delivers grow-poll callbacks without tying up the
// broadcasting goroutine. Delivery is fire and forget.
var growPollPool, _ = ants.NewPool(8, ants.WithNonblocking(true))

// NewContext creates and registers an execution context.
func NewContext(cfg Config) *Context {
	c := &Context{
		name:             cfg.Name,
		pages:            cfg.Pages,
		buffers:          cfg.Buffers,
		onMemoryPressure: cfg.OnMemoryPressure,
		onExternalDelta:  cfg.OnExternalMemoryDelta,
		onGrowPoll:       cfg.OnGrowPoll,
		growPolls:        queue.New(16),
	}
	if c.pages == nil {
		c.pages = pagealloc.Platform()
	}
	if c.buffers == nil {
		c.buffers = heapAllocator{}
	}
	if cfg.UseGuardRegions != nil {
		c.useGuardRegions = *cfg.UseGuardRegions
	} else {
		c.useGuardRegions = useGuardRegionsDefault(c.pages)
	}
	c.initTelemetry(cfg)
	if c.name != "" {
		contexts.Set(c.name, c)
	}
	return c
}

// Name returns the context's name.
func (c *Context) Name() string { return c.name }

// Close purges the context's attachments from the global registry and
// drops it from the process context table. The context must not be used
// afterwards.
func (c *Context) Close() {
	Purge(c)
	if c.name != "" {
		contexts.Remove(c.name)
	}
	c.growPolls.Dispose()
}

// LookupContext returns the live context registered under name.
func LookupContext(name string) (*Context, bool) { return contexts.Get(name) }

func (c *Context) notifyMemoryPressure() {
	if c.onMemoryPressure != nil {
		c.onMemoryPressure()
	}
}

func (c *Context) adjustExternalMemory(delta int64) {
	if c.onExternalDelta != nil {
		c.onExternalDelta(delta)
	}
}

// requestGrowPoll records that a shared store observed by this context
// was grown elsewhere. Called outside the registry lock.
func (c *Context) requestGrowPoll(start uintptr) {
	if err := c.growPolls.Put(start); err != nil {
		internalLogger.warnf("context %s: grow poll queue: %v", c.name, err)
		return
	}
	if c.onGrowPoll == nil {
		return
	}
	cb, s := c.onGrowPoll, start
	if err := growPollPool.Submit(func() { cb(s) }); err != nil {
		// Pool saturated; deliver inline on a fresh goroutine.
		go cb(s)
	}
}

// PendingGrowPolls returns the number of undelivered grow polls.
func (c *Context) PendingGrowPolls() int64 { return c.growPolls.Len() }

// TakeGrowPoll pops one pending grow poll, returning the start address of
// the grown store. ok is false when nothing is pending.
func (c *Context) TakeGrowPoll() (start uintptr, ok bool) {
	if c.growPolls.Empty() {
		return 0, false
	}
	items, err := c.growPolls.Poll(1, time.Millisecond)
	if err != nil || len(items) == 0 {
		return 0, false
	}
	return items[0].(uintptr), true
}
