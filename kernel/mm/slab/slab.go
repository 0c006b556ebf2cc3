// Package slab implements a SLUB-style object allocator on top of the page
// frame allocator.
//
// Objects of the same size are grouped into caches. Each cache carves slabs
// of 2^order frames into fixed-size slots that are threaded into an
// intrusive freelist: the first word of a free slot holds the address of the
// next free slot. The allocator describes its own cache records with a
// cache ("kmem_cache") which is bootstrapped from a temporary instance when
// the allocator is created.
package slab

import (
	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/page"
	"github.com/yydcnjjw/my-os/kernel/mm/physmem"
	"github.com/yydcnjjw/my-os/kernel/sync"
)

// NilObject terminates a slab freelist.
const NilObject = ^uintptr(0)

var (
	errNotReady       = &kernel.Error{Module: "slab", Message: "slab allocator is not initialized", Kind: kernel.ErrKindInvalidArgument}
	errInvalidSize    = &kernel.Error{Module: "slab", Message: "invalid object size", Kind: kernel.ErrKindInvalidArgument}
	errTooLarge       = &kernel.Error{Module: "slab", Message: "allocation exceeds the largest page block", Kind: kernel.ErrKindInvalidArgument}
	errInvalidPointer = &kernel.Error{Module: "slab", Message: "address does not belong to a live allocation", Kind: kernel.ErrKindInvalidArgument}
	errWrongCache     = &kernel.Error{Module: "slab", Message: "object belongs to a different cache", Kind: kernel.ErrKindInvalidArgument}
	errDoubleFree     = &kernel.Error{Module: "slab", Message: "object is already free", Kind: kernel.ErrKindInvalidArgument}
	errCacheBusy      = &kernel.Error{Module: "slab", Message: "cache still has live objects", Kind: kernel.ErrKindInvalidArgument}
	errPermanentCache = &kernel.Error{Module: "slab", Message: "cache cannot be destroyed", Kind: kernel.ErrKindInvalidArgument}
	errNoBacking      = &kernel.Error{Module: "slab", Message: "page block is not backed by memory or descriptors", Kind: kernel.ErrKindOutOfMemory}
)

// State tracks the bootstrap progress of an Allocator.
type State uint8

const (
	// Down means that no slab functionality is available.
	Down State = iota

	// Partial means that kmem_cache is being bootstrapped.
	Partial

	// Up means that the kmalloc caches are usable.
	Up

	// Full means that the allocator is completely initialized.
	Full
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Partial:
		return "partial"
	case Up:
		return "up"
	case Full:
		return "full"
	default:
		return "down"
	}
}

// PageAllocator is the source of slab and large object pages.
type PageAllocator interface {
	AllocFrames(order int) (mm.Frame, *kernel.Error)
	FreeFrames(frame mm.Frame) *kernel.Error
}

// Allocator manages slab caches and the kmalloc interface. All methods are
// safe for concurrent use.
type Allocator struct {
	lock sync.Spinlock

	pages PageAllocator
	mem   *physmem.Memory
	descs *page.Table

	state     State
	kmemCache *Cache

	// caches is indexed by CacheID-1. Destroyed caches leave a nil entry.
	caches        []*Cache
	kmallocCaches [kmallocShiftHigh + 1]*Cache
}

// New creates an allocator that obtains pages from pages, formats them
// through mem and tags them in descs. It bootstraps kmem_cache and creates
// the kmalloc caches before returning.
func New(pages PageAllocator, mem *physmem.Memory, descs *page.Table) (*Allocator, *kernel.Error) {
	a := &Allocator{
		pages: pages,
		mem:   mem,
		descs: descs,
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if err := a.bootstrap(); err != nil {
		return nil, err
	}

	if err := a.createKmallocCaches(); err != nil {
		a.teardown()
		return nil, err
	}

	a.state = Full
	return a, nil
}

// State returns the initialization state of the allocator.
func (a *Allocator) State() State {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.state
}

// KmemCache returns the cache that holds the cache records.
func (a *Allocator) KmemCache() *Cache {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.kmemCache
}

// Caches returns the registered caches in creation order.
func (a *Allocator) Caches() []*Cache {
	a.lock.Acquire()
	defer a.lock.Release()

	out := make([]*Cache, 0, len(a.caches))
	for _, c := range a.caches {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Lookup returns the cache with the given name or nil.
func (a *Allocator) Lookup(name string) *Cache {
	a.lock.Acquire()
	defer a.lock.Release()

	for _, c := range a.caches {
		if c != nil && c.name == name {
			return c
		}
	}
	return nil
}

// CacheStats is a snapshot of the state of a cache.
type CacheStats struct {
	Name           string
	ObjectSize     mm.Size
	Size           mm.Size
	Align          mm.Size
	Order          int
	ObjectsPerSlab int
	Slabs          int
	PartialSlabs   int
	ActiveObjects  uint64
	Allocs         uint64
	Frees          uint64
}

// Stats returns a snapshot of the statistics of every registered cache.
func (a *Allocator) Stats() []CacheStats {
	a.lock.Acquire()
	defer a.lock.Release()

	out := make([]CacheStats, 0, len(a.caches))
	for _, c := range a.caches {
		if c != nil {
			out = append(out, a.cacheStats(c))
		}
	}
	return out
}

// CacheStats returns a snapshot of the statistics of c.
func (a *Allocator) CacheStats(c *Cache) CacheStats {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.cacheStats(c)
}

func (a *Allocator) cacheStats(c *Cache) CacheStats {
	return CacheStats{
		Name:           c.name,
		ObjectSize:     mm.Size(c.objectSize),
		Size:           mm.Size(c.size),
		Align:          mm.Size(c.align),
		Order:          c.order,
		ObjectsPerSlab: int(c.objects),
		Slabs:          int(c.slabs),
		PartialSlabs:   c.partial.Len(),
		ActiveObjects:  c.liveObjects,
		Allocs:         c.allocs,
		Frees:          c.frees,
	}
}

func (a *Allocator) register(c *Cache) {
	a.caches = append(a.caches, c)
	c.id = page.CacheID(len(a.caches))
}

func (a *Allocator) cacheByID(id page.CacheID) *Cache {
	if id == page.NoCache || int(id) > len(a.caches) {
		return nil
	}
	return a.caches[id-1]
}
