package slab

import (
	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/page"
)

// Alloc returns the address of a free object from c.
func (a *Allocator) Alloc(c *Cache) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.cacheByID(c.id) != c {
		return 0, errInvalidPointer
	}

	addr, err := a.allocObject(c)
	if err != nil {
		return 0, err
	}

	kfmt.Printf("[slab] alloc: 0x%x, cache %s\n", addr, c.name)
	return addr, nil
}

// Free returns the object at addr to c.
func (a *Allocator) Free(c *Cache, addr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.cacheByID(c.id) != c {
		return errInvalidPointer
	}

	if err := a.freeObject(c, addr); err != nil {
		return err
	}

	kfmt.Printf("[slab] free: 0x%x, cache %s\n", addr, c.name)
	return nil
}

// allocObject pops an object from the current slab. When the current slab
// is exhausted the next partial slab is promoted; when no partial slab is
// left a new slab is allocated.
func (a *Allocator) allocObject(c *Cache) (uintptr, *kernel.Error) {
	for {
		if d := a.descs.Lookup(c.current); d != nil {
			if d.FreeList != NilObject {
				obj := d.FreeList
				d.FreeList = a.mem.ReadWord(obj)
				d.InUse++
				c.liveObjects++
				c.allocs++
				a.prepareObject(c, obj)
				return obj, nil
			}

			// Full slabs are not kept on any list.
			d.Frozen = false
			c.current = mm.InvalidFrame
		}

		if d := c.partial.Front(a.descs); d != nil {
			c.partial.Remove(a.descs, d)
			d.Frozen = true
			c.current = d.Frame()
			continue
		}

		d, err := a.newSlab(c)
		if err != nil {
			return 0, err
		}
		c.partial.PushFront(a.descs, d)
	}
}

func (a *Allocator) prepareObject(c *Cache, obj uintptr) {
	if c.flags&FlagZero != 0 {
		a.mem.Memset(obj, 0, mm.Size(c.size))
	}
	if c.ctor != nil {
		c.ctor(a.mem.Bytes(obj, mm.Size(c.objectSize)))
	}
}

// newSlab allocates a page block for c and links all its slots into the
// slab freelist.
func (a *Allocator) newSlab(c *Cache) (*page.Descriptor, *kernel.Error) {
	frame, err := a.pages.AllocFrames(c.order)
	if err != nil {
		return nil, err
	}

	start, size := frame.Address(), mm.OrderSize(c.order)
	if a.descs.Lookup(frame) == nil || a.descs.Lookup(frame+mm.Frame(1)<<uint(c.order)-1) == nil || !a.mem.Contains(start, size) {
		_ = a.pages.FreeFrames(frame)
		return nil, errNoBacking
	}

	d := a.descs.SetBlock(frame, c.order, page.FlagSlab)
	d.Cache = c.id
	d.Objects = c.objects
	d.InUse = 0
	d.Frozen = false
	d.FreeList = start

	objSize := uintptr(c.size)
	last := start + uintptr(c.objects-1)*objSize
	for obj := start; obj < last; obj += objSize {
		a.mem.WriteWord(obj, obj+objSize)
	}
	a.mem.WriteWord(last, NilObject)

	c.slabs++
	kfmt.Printf("[slab] %s: new slab frame 0x%x, order %d, objects %d\n", c.name, uintptr(frame), c.order, c.objects)
	return d, nil
}

// freeObject pushes obj onto the freelist of its slab. A slab that becomes
// empty is released to the page allocator.
func (a *Allocator) freeObject(c *Cache, obj uintptr) *kernel.Error {
	d := a.descs.ForAddress(obj)
	if d == nil || !d.Flags.Has(page.FlagSlab) {
		return errInvalidPointer
	}
	if d.Cache != c.id {
		return errWrongCache
	}

	offset := obj - d.Frame().Address()
	if offset%uintptr(c.size) != 0 || offset/uintptr(c.size) >= uintptr(d.Objects) {
		return errInvalidPointer
	}
	if a.onFreeList(d, obj) {
		return errDoubleFree
	}

	a.mem.WriteWord(obj, d.FreeList)
	d.FreeList = obj
	d.InUse--
	c.liveObjects--
	c.frees++

	switch {
	case d.InUse == 0:
		return a.releaseSlab(c, d)
	case !d.Frozen && !d.Linked():
		// The slab was full.
		c.partial.PushFront(a.descs, d)
	}
	return nil
}

func (a *Allocator) onFreeList(d *page.Descriptor, obj uintptr) bool {
	for cur, n := d.FreeList, uint32(0); cur != NilObject && n < d.Objects; cur, n = a.mem.ReadWord(cur), n+1 {
		if cur == obj {
			return true
		}
	}
	return false
}

// releaseSlab returns the pages of an empty slab to the page allocator.
func (a *Allocator) releaseSlab(c *Cache, d *page.Descriptor) *kernel.Error {
	frame := d.Frame()
	if c.current == frame {
		c.current = mm.InvalidFrame
	}
	c.partial.Remove(a.descs, d)
	a.descs.ClearBlock(frame)
	c.slabs--

	kfmt.Printf("[slab] %s: release slab frame 0x%x, order %d\n", c.name, uintptr(frame), c.order)
	return a.pages.FreeFrames(frame)
}
