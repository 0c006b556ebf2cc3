package slab

import (
	"encoding/binary"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/page"
)

const (
	// minAlign is the minimum alignment of every object.
	minAlign = uint32(mm.WordSize)

	// cacheLineSize is the alignment applied to FlagHWCacheAlign caches.
	cacheLineSize = 64

	// slubMaxOrder is the largest slab order picked while minimizing waste.
	slubMaxOrder = 3

	// slubMinObjects is the number of objects a slab should preferably hold.
	slubMinObjects = 4

	// maxObjsPerSlab is the upper bound for objects in a single slab.
	maxObjsPerSlab = 32767

	// cacheNameLen is the size of the name field of a cache record.
	cacheNameLen = 32

	// maxObjectSize is the largest object a cache can hold.
	maxObjectSize = mm.PageSize << mm.MaxOrder
)

// Flags control the behaviour of a cache.
type Flags uint32

const (
	// FlagHWCacheAlign aligns objects to the CPU cache line.
	FlagHWCacheAlign Flags = 1 << iota

	// FlagZero clears objects before they are handed out.
	FlagZero
)

// Constructor initializes an object before it is handed out.
type Constructor func(obj []byte)

// Cache hands out objects of a single size.
type Cache struct {
	id    page.CacheID
	name  string
	flags Flags
	ctor  Constructor

	objectSize uint32
	inuse      uint32
	size       uint32
	align      uint32
	order      int
	objects    uint32

	refCount int32

	// record is the address of the encoded cache record, allocated from
	// kmem_cache.
	record uintptr

	current mm.Frame
	partial page.List

	slabs       uint64
	liveObjects uint64
	allocs      uint64
	frees       uint64
}

// ID returns the identifier stored in the descriptors of the cache's slabs.
func (c *Cache) ID() page.CacheID { return c.id }

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the size requested when the cache was created.
func (c *Cache) ObjectSize() mm.Size { return mm.Size(c.objectSize) }

// Size returns the size of an object slot including padding.
func (c *Cache) Size() mm.Size { return mm.Size(c.size) }

// Align returns the object alignment.
func (c *Cache) Align() mm.Size { return mm.Size(c.align) }

// Order returns the order of the page blocks backing each slab.
func (c *Cache) Order() int { return c.order }

// ObjectsPerSlab returns the number of objects in a slab.
func (c *Cache) ObjectsPerSlab() int { return int(c.objects) }

// RecordAddr returns the address of the cache record.
func (c *Cache) RecordAddr() uintptr { return c.record }

// CacheRecord is the in-memory representation of a cache, stored in objects
// allocated from kmem_cache.
type CacheRecord struct {
	ID         page.CacheID
	ObjectSize uint32
	Inuse      uint32
	Size       uint32
	Align      uint32
	Order      uint32
	Objects    uint32
	Flags      Flags
	RefCount   int32
	_          uint32
	Name       [cacheNameLen]byte
}

// NameString returns the record name without padding.
func (r *CacheRecord) NameString() string {
	for i, b := range r.Name {
		if b == 0 {
			return string(r.Name[:i])
		}
	}
	return string(r.Name[:])
}

// cacheRecordSize is the object size of kmem_cache.
var cacheRecordSize = uint32(binary.Size(CacheRecord{}))

// initCache computes the layout of c. Kmalloc caches with a power of two
// size are naturally aligned.
func initCache(c *Cache, name string, size uint32, flags Flags, ctor Constructor, natural bool) *kernel.Error {
	c.name = name
	c.flags = flags
	c.ctor = ctor
	c.objectSize = size
	c.current = mm.InvalidFrame
	c.refCount = 1

	align := minAlign
	if flags&FlagHWCacheAlign != 0 {
		align = cacheLineSize
	}
	if natural && mm.IsPowerOf2(uint64(size)) && size > align {
		align = size
	}
	c.align = alignUp(align, minAlign)

	c.inuse = alignUp(size, minAlign)
	c.size = alignUp(c.inuse, c.align)

	c.order = calculateOrder(c.size)
	if c.order < 0 {
		return errTooLarge
	}
	c.objects = orderObjects(c.order, c.size)
	return nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) & ^(align - 1)
}

func getOrder(size uint32) int {
	return mm.OrderForSize(mm.Size(size))
}

func orderObjects(order int, size uint32) uint32 {
	return uint32(mm.OrderSize(order) / mm.Size(size))
}

// slabOrder returns the smallest order between the order needed for
// minObjects and maxOrder whose leftover is at most 1/fractLeftover of the
// slab. It returns a value above maxOrder if no such order exists.
func slabOrder(size, minObjects uint32, maxOrder int, fractLeftover uint32) int {
	if orderObjects(0, size) > maxObjsPerSlab {
		return getOrder(size*maxObjsPerSlab) - 1
	}

	order := getOrder(minObjects * size)
	for ; order <= maxOrder; order++ {
		slabSize := uint32(mm.OrderSize(order))
		if slabSize%size <= slabSize/fractLeftover {
			break
		}
	}
	return order
}

// calculateOrder picks the slab order for objects of the given size, first
// trying to fit slubMinObjects objects with little waste and then relaxing
// both constraints. It returns -1 if the object does not fit in the largest
// page block.
func calculateOrder(size uint32) int {
	minObjects := uint32(slubMinObjects)
	if maxObjects := orderObjects(slubMaxOrder, size); maxObjects < minObjects {
		minObjects = maxObjects
	}

	for ; minObjects > 1; minObjects-- {
		for fraction := uint32(16); fraction >= 4; fraction /= 2 {
			if order := slabOrder(size, minObjects, slubMaxOrder, fraction); order <= slubMaxOrder {
				return order
			}
		}
	}

	if order := slabOrder(size, 1, slubMaxOrder, 1); order <= slubMaxOrder {
		return order
	}

	if order := slabOrder(size, 1, mm.MaxOrder, 1); order <= mm.MaxOrder {
		return order
	}

	return -1
}

// CreateCache registers a cache for objects of the given size. The cache
// record is allocated from kmem_cache. ctor may be nil.
func (a *Allocator) CreateCache(name string, size mm.Size, flags Flags, ctor Constructor) (*Cache, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.state < Up {
		return nil, errNotReady
	}
	return a.createCache(name, size, flags, ctor, false)
}

func (a *Allocator) createCache(name string, size mm.Size, flags Flags, ctor Constructor, natural bool) (*Cache, *kernel.Error) {
	if size == 0 || size > maxObjectSize {
		return nil, errInvalidSize
	}

	c := new(Cache)
	if err := initCache(c, name, uint32(size), flags, ctor, natural); err != nil {
		return nil, err
	}

	record, err := a.allocObject(a.kmemCache)
	if err != nil {
		return nil, err
	}

	a.register(c)
	c.record = record
	a.writeRecord(c)

	kfmt.Printf("[slab] create cache %s: object size %d, size %d, align %d, order %d, objects %d\n",
		c.name, c.objectSize, c.size, c.align, c.order, c.objects)
	return c, nil
}

// DestroyCache drops a reference to c. The cache is released once its last
// reference is gone; this fails if objects are still allocated from it.
func (a *Allocator) DestroyCache(c *Cache) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if c.refCount < 0 || c == a.kmemCache {
		return errPermanentCache
	}
	if a.cacheByID(c.id) != c {
		return errInvalidPointer
	}

	if c.refCount > 1 {
		c.refCount--
		a.writeRecord(c)
		return nil
	}

	if c.liveObjects != 0 {
		return errCacheBusy
	}

	if err := a.freeObject(a.kmemCache, c.record); err != nil {
		return err
	}

	a.caches[c.id-1] = nil
	c.refCount = 0

	kfmt.Printf("[slab] destroy cache %s\n", c.name)
	return nil
}

// Get takes an additional reference to c.
func (a *Allocator) Get(c *Cache) {
	a.lock.Acquire()
	defer a.lock.Release()

	if c.refCount > 0 {
		c.refCount++
		a.writeRecord(c)
	}
}

// CacheRecord decodes the record of c from memory.
func (a *Allocator) CacheRecord(c *Cache) (CacheRecord, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	var rec CacheRecord
	buf := a.mem.Bytes(c.record, mm.Size(cacheRecordSize))
	if buf == nil {
		return rec, errInvalidPointer
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &rec); err != nil {
		return rec, errInvalidPointer
	}
	return rec, nil
}

func (a *Allocator) writeRecord(c *Cache) {
	rec := CacheRecord{
		ID:         c.id,
		ObjectSize: c.objectSize,
		Inuse:      c.inuse,
		Size:       c.size,
		Align:      c.align,
		Order:      uint32(c.order),
		Objects:    c.objects,
		Flags:      c.flags,
		RefCount:   c.refCount,
	}
	copy(rec.Name[:], c.name)

	// The record buffer always has room for a CacheRecord.
	_, _ = binary.Encode(a.mem.Bytes(c.record, mm.Size(cacheRecordSize)), binary.LittleEndian, &rec)
}
