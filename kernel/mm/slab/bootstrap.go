package slab

import (
	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
)

// bootstrap sets up kmem_cache, the cache that holds every cache record,
// including its own. A temporary instance describes the record layout and
// allocates the first object from itself; its state is then moved into the
// permanent instance that owns that record.
func (a *Allocator) bootstrap() *kernel.Error {
	a.state = Partial

	var boot Cache
	if err := initCache(&boot, "kmem_cache", cacheRecordSize, 0, nil, true); err != nil {
		return err
	}
	a.register(&boot)
	a.kmemCache = &boot

	record, err := a.allocObject(&boot)
	if err != nil {
		a.caches, a.kmemCache = nil, nil
		a.state = Down
		return err
	}

	s := new(Cache)
	*s = boot
	s.record = record
	s.refCount = -1
	a.caches[s.id-1] = s
	a.kmemCache = s
	a.writeRecord(s)

	kfmt.Printf("[slab] kmem cache %s: object size %d, size %d, order %d, align %d, record 0x%x\n",
		s.name, s.objectSize, s.size, s.order, s.align, s.record)
	return nil
}

// teardown returns the records of every registered cache to kmem_cache,
// which releases its slabs, and resets the allocator to Down. It undoes a
// bootstrap whose later steps failed, while no cache holds objects.
func (a *Allocator) teardown() {
	for i := len(a.caches) - 1; i >= 0; i-- {
		if c := a.caches[i]; c != nil && c.record != 0 {
			_ = a.freeObject(a.kmemCache, c.record)
		}
	}

	a.caches, a.kmemCache = nil, nil
	a.kmallocCaches = [kmallocShiftHigh + 1]*Cache{}
	a.state = Down
}
