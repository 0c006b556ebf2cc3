package slab

import (
	"fmt"
	"math/bits"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/page"
)

const (
	// kmallocShiftLow is log2 of the smallest kmalloc class.
	kmallocShiftLow = 3

	// kmallocShiftHigh is log2 of the largest kmalloc class. Larger
	// requests are served with whole page blocks.
	kmallocShiftHigh = mm.PageShift + 1

	// MaxKmallocSize is the largest request served from a kmalloc cache.
	MaxKmallocSize = mm.Size(1) << kmallocShiftHigh
)

// sizeIndex maps (size-1)/8 to a kmalloc class for sizes up to 192 bytes.
// Classes 1 and 2 hold the 96 and 192 byte caches; class n >= 3 holds
// objects of 2^n bytes.
var sizeIndex = [24]uint8{
	3, // 8
	4, // 16
	5, // 24
	5, // 32
	6, // 40
	6, // 48
	6, // 56
	6, // 64
	1, // 72
	1, // 80
	1, // 88
	1, // 96
	7, // 104
	7, // 112
	7, // 120
	7, // 128
	2, // 136
	2, // 144
	2, // 152
	2, // 160
	2, // 168
	2, // 176
	2, // 184
	2, // 192
}

// kmallocIndex returns the kmalloc class for a request of size bytes.
func kmallocIndex(size mm.Size) int {
	if size <= 192 {
		return int(sizeIndex[(size-1)/8])
	}
	return bits.Len64(uint64(size - 1))
}

// kmallocClassSize returns the object size of a kmalloc class.
func kmallocClassSize(index int) mm.Size {
	switch index {
	case 1:
		return 96
	case 2:
		return 192
	default:
		return mm.Size(1) << uint(index)
	}
}

// KmallocSizes returns the object sizes of the kmalloc classes in
// ascending order.
func KmallocSizes() []mm.Size {
	var sizes []mm.Size
	for index := kmallocShiftLow; index <= kmallocShiftHigh; index++ {
		sizes = append(sizes, kmallocClassSize(index))
		switch index {
		case 6:
			sizes = append(sizes, kmallocClassSize(1))
		case 7:
			sizes = append(sizes, kmallocClassSize(2))
		}
	}
	return sizes
}

func (a *Allocator) createKmallocCaches() *kernel.Error {
	for _, size := range KmallocSizes() {
		index := kmallocIndex(size)
		c, err := a.createCache(fmt.Sprintf("kmalloc-%d", size), size, 0, nil, true)
		if err != nil {
			return err
		}

		c.refCount = -1
		a.writeRecord(c)
		a.kmallocCaches[index] = c
	}

	a.state = Up
	return nil
}

// KmallocCache returns the cache that serves requests of size bytes or nil
// if size is zero or is served with whole page blocks.
func (a *Allocator) KmallocCache(size mm.Size) *Cache {
	a.lock.Acquire()
	defer a.lock.Release()

	if size == 0 || size > MaxKmallocSize {
		return nil
	}
	return a.kmallocCaches[kmallocIndex(size)]
}

// Kmalloc allocates size bytes and returns the physical address of the
// allocation.
func (a *Allocator) Kmalloc(size mm.Size) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.kmalloc(size)
}

// Kzalloc behaves like Kmalloc but clears the allocation.
func (a *Allocator) Kzalloc(size mm.Size) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	addr, err := a.kmalloc(size)
	if err != nil {
		return 0, err
	}

	a.mem.Memset(addr, 0, size)
	return addr, nil
}

func (a *Allocator) kmalloc(size mm.Size) (uintptr, *kernel.Error) {
	if a.state < Up {
		return 0, errNotReady
	}
	if size == 0 {
		return 0, errInvalidSize
	}

	if size > MaxKmallocSize {
		return a.kmallocLarge(size)
	}

	c := a.kmallocCaches[kmallocIndex(size)]
	addr, err := a.allocObject(c)
	if err != nil {
		return 0, err
	}

	kfmt.Printf("[slab] kmalloc: 0x%x, size %d, cache %s\n", addr, uint64(size), c.name)
	return addr, nil
}

// kmallocLarge serves requests above MaxKmallocSize with a page block.
func (a *Allocator) kmallocLarge(size mm.Size) (uintptr, *kernel.Error) {
	order := mm.OrderForSize(size)
	if order > mm.MaxOrder {
		return 0, errTooLarge
	}

	frame, err := a.pages.AllocFrames(order)
	if err != nil {
		return 0, err
	}

	if a.descs.Lookup(frame) == nil || !a.mem.Contains(frame.Address(), mm.OrderSize(order)) {
		_ = a.pages.FreeFrames(frame)
		return 0, errNoBacking
	}

	a.descs.SetBlock(frame, order, page.FlagLarge)

	kfmt.Printf("[slab] kmalloc: 0x%x, size %d, frame 0x%x, order %d\n", frame.Address(), uint64(size), uintptr(frame), order)
	return frame.Address(), nil
}

// Kfree releases an allocation made by Kmalloc, Kzalloc or Krealloc.
func (a *Allocator) Kfree(addr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	d := a.descs.ForAddress(addr)
	if d == nil {
		return errInvalidPointer
	}

	switch {
	case d.Flags.Has(page.FlagSlab):
		c := a.cacheByID(d.Cache)
		if c == nil {
			return errInvalidPointer
		}
		if err := a.freeObject(c, addr); err != nil {
			return err
		}
		kfmt.Printf("[slab] kfree: 0x%x, cache %s\n", addr, c.name)
		return nil
	case d.Flags.Has(page.FlagLarge):
		frame := d.Frame()
		if addr != frame.Address() {
			return errInvalidPointer
		}

		order := d.Order
		a.descs.ClearBlock(frame)
		kfmt.Printf("[slab] kfree: 0x%x, frame 0x%x, order %d\n", addr, uintptr(frame), order)
		return a.pages.FreeFrames(frame)
	default:
		return errInvalidPointer
	}
}

// Ksize returns the usable size of the allocation at addr.
func (a *Allocator) Ksize(addr uintptr) (mm.Size, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.ksize(addr)
}

func (a *Allocator) ksize(addr uintptr) (mm.Size, *kernel.Error) {
	d := a.descs.ForAddress(addr)
	if d == nil {
		return 0, errInvalidPointer
	}

	switch {
	case d.Flags.Has(page.FlagSlab):
		c := a.cacheByID(d.Cache)
		if c == nil || (addr-d.Frame().Address())%uintptr(c.size) != 0 {
			return 0, errInvalidPointer
		}
		return mm.Size(c.size), nil
	case d.Flags.Has(page.FlagLarge) && addr == d.Frame().Address():
		return mm.OrderSize(int(d.Order)), nil
	default:
		return 0, errInvalidPointer
	}
}

// Krealloc returns an allocation of at least size bytes holding the contents
// of the allocation at addr. If the existing allocation is large enough addr
// is returned unchanged. Otherwise the contents are copied to a new
// allocation; the old allocation is not released and must still be passed
// to Kfree by the caller.
func (a *Allocator) Krealloc(addr uintptr, size mm.Size) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if size == 0 {
		return 0, errInvalidSize
	}

	cur, err := a.ksize(addr)
	if err != nil {
		return 0, err
	}
	if cur >= size {
		return addr, nil
	}

	newAddr, err := a.kmalloc(size)
	if err != nil {
		return 0, err
	}

	a.mem.Memcopy(addr, newAddr, cur)
	return newAddr, nil
}
