// Package memblock implements the boot-time physical memory region tracker.
//
// The tracker maintains two sets of physical address intervals: the memory
// that is available to the kernel and the memory that is reserved (firmware
// areas, the kernel image, early allocations). Each set is kept as a sorted,
// non-overlapping list where adjacent regions are merged eagerly.
package memblock

import (
	"io"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/sync"
)

// DefaultPoolCapacity is the number of region records available to a
// tracker created with New.
const DefaultPoolCapacity = 128

var (
	errPoolExhausted = &kernel.Error{Module: "memblock", Message: "region pool exhausted", Kind: kernel.ErrKindCapacityExceeded}
	errInvalidSize   = &kernel.Error{Module: "memblock", Message: "allocation size must be non-zero", Kind: kernel.ErrKindInvalidArgument}
	errInvalidAlign  = &kernel.Error{Module: "memblock", Message: "alignment must be a power of 2", Kind: kernel.ErrKindInvalidArgument}
	errNoSpace       = &kernel.Error{Module: "memblock", Message: "no free region large enough", Kind: kernel.ErrKindOutOfMemory}
)

// Region describes the physical address range [Base, Base+Size).
type Region struct {
	Base uintptr
	Size mm.Size
}

// End returns the first address past the end of the region.
func (r Region) End() uintptr {
	return r.Base + uintptr(r.Size)
}

// SetKind selects one of the two region sets maintained by a Tracker.
type SetKind uint8

const (
	// Memory is the set of physical memory ranges available to the kernel.
	Memory SetKind = iota

	// Reserved is the set of ranges that must not be handed out.
	Reserved
)

// String implements fmt.Stringer for SetKind.
func (k SetKind) String() string {
	if k == Reserved {
		return "reserved"
	}
	return "memory"
}

type regionSet struct {
	head, tail int32
	count      int
	totalSize  mm.Size
}

// Tracker records available and reserved physical memory. All methods are
// safe for concurrent use.
type Tracker struct {
	lock sync.Spinlock
	pool regionPool
	sets [2]regionSet
}

// New returns a tracker backed by a pool of DefaultPoolCapacity records.
func New() *Tracker {
	return NewWithCapacity(DefaultPoolCapacity)
}

// NewWithCapacity returns a tracker whose region pool holds capacity records
// shared by both region sets.
func NewWithCapacity(capacity int) *Tracker {
	t := &Tracker{pool: newRegionPool(capacity)}
	for i := range t.sets {
		t.sets[i] = regionSet{head: nilIndex, tail: nilIndex}
	}
	return t
}

// Add inserts [base, base+size) into the available memory set.
func (t *Tracker) Add(base uintptr, size mm.Size) *kernel.Error {
	return t.update(Memory, "add", base, size, t.addRange)
}

// Reserve inserts [base, base+size) into the reserved set.
func (t *Tracker) Reserve(base uintptr, size mm.Size) *kernel.Error {
	return t.update(Reserved, "reserve", base, size, t.addRange)
}

// Free removes [base, base+size) from the reserved set.
func (t *Tracker) Free(base uintptr, size mm.Size) *kernel.Error {
	return t.update(Reserved, "free", base, size, t.removeRange)
}

// Remove removes [base, base+size) from the available memory set.
func (t *Tracker) Remove(base uintptr, size mm.Size) *kernel.Error {
	return t.update(Memory, "remove", base, size, t.removeRange)
}

func (t *Tracker) update(kind SetKind, op string, base uintptr, size mm.Size, fn func(*regionSet, uintptr, mm.Size) *kernel.Error) *kernel.Error {
	size = capSize(base, size)
	if size == 0 {
		return nil
	}

	t.lock.Acquire()
	err := fn(&t.sets[kind], base, size)
	t.lock.Release()
	if err != nil {
		return err
	}

	kfmt.Printf("[memblock] %s: [0x%x-0x%x], size 0x%x\n", op, base, base+uintptr(size)-1, uint64(size))
	return nil
}

// Alloc reserves size bytes aligned to align from the highest free range
// that can hold them and returns the base address of the reservation.
func (t *Tracker) Alloc(size mm.Size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}
	if !mm.IsPowerOf2(uint64(align)) {
		return 0, errInvalidAlign
	}

	t.lock.Acquire()
	defer t.lock.Release()

	free := t.freeRanges()
	for i := len(free) - 1; i >= 0; i-- {
		rbase, rend := free[i].Base, free[i].End()
		if uint64(rend-rbase) < uint64(size) {
			continue
		}

		addr := (rend - uintptr(size)) & ^(align - 1)
		if addr < rbase {
			continue
		}

		if err := t.addRange(&t.sets[Reserved], addr, size); err != nil {
			return 0, err
		}

		kfmt.Printf("[memblock] alloc: [0x%x-0x%x], size 0x%x, align 0x%x\n", addr, addr+uintptr(size)-1, uint64(size), align)
		return addr, nil
	}

	return 0, errNoSpace
}

// AllocFrame reserves a single page frame. It can be registered with
// mm.SetFrameAllocator before the page allocator is initialized.
func (t *Tracker) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := t.Alloc(mm.PageSize, uintptr(mm.PageSize))
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// Regions returns a copy of the regions in the selected set in ascending
// base order.
func (t *Tracker) Regions(kind SetKind) []Region {
	t.lock.Acquire()
	defer t.lock.Release()

	set := &t.sets[kind]
	out := make([]Region, 0, set.count)
	for idx := set.head; idx != nilIndex; idx = t.pool.records[idx].next {
		out = append(out, t.pool.records[idx].Region)
	}
	return out
}

// Count returns the number of regions in the selected set.
func (t *Tracker) Count(kind SetKind) int {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.sets[kind].count
}

// TotalSize returns the number of bytes covered by the selected set.
func (t *Tracker) TotalSize(kind SetKind) mm.Size {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.sets[kind].totalSize
}

// FreeRecords returns the number of unused records in the region pool.
func (t *Tracker) FreeRecords() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.pool.available()
}

// VisitFree invokes visitor, in ascending address order, for every range
// that is available and not reserved. The visitor returns false to stop.
func (t *Tracker) VisitFree(visitor func(Region) bool) {
	t.lock.Acquire()
	free := t.freeRanges()
	t.lock.Release()

	for _, r := range free {
		if !visitor(r) {
			return
		}
	}
}

// Dump writes both region sets and the region pool usage to w.
func (t *Tracker) Dump(w io.Writer) {
	for _, kind := range []SetKind{Memory, Reserved} {
		regions := t.Regions(kind)
		kfmt.Fprintf(w, "%s: total size 0x%x, regions %d\n", kind, uint64(t.TotalSize(kind)), len(regions))
		for _, r := range regions {
			kfmt.Fprintf(w, "\t[0x%016x-0x%016x]\n", r.Base, r.End()-1)
		}
	}

	t.lock.Acquire()
	free, total := t.pool.available(), t.pool.capacity()
	t.lock.Release()
	kfmt.Fprintf(w, "records: %d of %d free\n", free, total)
}

// freeRanges returns the memory set minus the reserved set in ascending
// order. The caller must hold the lock.
func (t *Tracker) freeRanges() []Region {
	var (
		out      []Region
		records  = t.pool.records
		reserved = t.sets[Reserved].head
	)

	for idx := t.sets[Memory].head; idx != nilIndex; idx = records[idx].next {
		cursor, end := records[idx].Base, records[idx].End()

		for ridx := reserved; ridx != nilIndex && cursor < end; ridx = records[ridx].next {
			rbase, rend := records[ridx].Base, records[ridx].End()
			if rend <= cursor {
				continue
			}
			if rbase >= end {
				break
			}
			if rbase > cursor {
				out = append(out, Region{Base: cursor, Size: mm.Size(rbase - cursor)})
			}
			cursor = rend
		}

		if cursor < end {
			out = append(out, Region{Base: cursor, Size: mm.Size(end - cursor)})
		}
	}

	return out
}

// addRange merges [base, base+size) into set. Gaps not already covered by
// the set are inserted as new records and adjacent records are merged
// afterwards. The number of required records is computed up front so that a
// pool exhaustion leaves the set untouched.
func (t *Tracker) addRange(set *regionSet, base uintptr, size mm.Size) *kernel.Error {
	end := base + uintptr(size)

	var needed int
	t.walkGaps(set, base, end, func(_, _ uintptr, _ int32) { needed++ })
	if needed > t.pool.available() {
		return errPoolExhausted
	}

	t.walkGaps(set, base, end, func(gapStart, gapEnd uintptr, before int32) {
		idx := t.pool.get(Region{Base: gapStart, Size: mm.Size(gapEnd - gapStart)})
		t.insertBefore(set, before, idx)
		set.totalSize += mm.Size(gapEnd - gapStart)
	})

	t.mergeRegions(set)
	return nil
}

// walkGaps invokes fn for each sub-range of [base, end) that is not covered
// by a region in set, passing the record the gap must be inserted before
// (nilIndex for the tail).
func (t *Tracker) walkGaps(set *regionSet, base, end uintptr, fn func(gapStart, gapEnd uintptr, before int32)) {
	idx := set.head
	for ; idx != nilIndex; idx = t.pool.records[idx].next {
		rbase, rend := t.pool.records[idx].Base, t.pool.records[idx].End()
		if rbase >= end {
			break
		}
		if rend <= base {
			continue
		}
		if rbase > base {
			fn(base, rbase, idx)
		}
		base = rend
		if base >= end {
			return
		}
	}

	if base < end {
		fn(base, end, idx)
	}
}

// removeRange cuts [base, base+size) out of set, trimming or splitting the
// records that straddle its boundaries.
func (t *Tracker) removeRange(set *regionSet, base uintptr, size mm.Size) *kernel.Error {
	end := base + uintptr(size)

	// Only a record that strictly contains the range needs an extra record.
	for idx := set.head; idx != nilIndex; idx = t.pool.records[idx].next {
		r := t.pool.records[idx].Region
		if r.Base < base && r.End() > end && t.pool.available() == 0 {
			return errPoolExhausted
		}
	}

	for idx := set.head; idx != nilIndex; {
		rec := &t.pool.records[idx]
		next := rec.next
		rbase, rend := rec.Base, rec.End()

		switch {
		case rbase >= end:
			return nil
		case rend <= base:
		case rbase < base && rend > end:
			rec.Size = mm.Size(base - rbase)
			tail := t.pool.get(Region{Base: end, Size: mm.Size(rend - end)})
			t.insertBefore(set, next, tail)
			set.totalSize -= size
			return nil
		case rbase < base:
			rec.Size = mm.Size(base - rbase)
			set.totalSize -= mm.Size(rend - base)
		case rend > end:
			rec.Base = end
			rec.Size = mm.Size(rend - end)
			set.totalSize -= mm.Size(end - rbase)
		default:
			set.totalSize -= rec.Size
			t.unlink(set, idx)
			t.pool.put(idx)
		}

		idx = next
	}

	return nil
}

// mergeRegions coalesces records whose ranges touch.
func (t *Tracker) mergeRegions(set *regionSet) {
	for idx := set.head; idx != nilIndex; {
		rec := &t.pool.records[idx]
		next := rec.next
		if next == nilIndex {
			return
		}

		if rec.End() != t.pool.records[next].Base {
			idx = next
			continue
		}

		rec.Size += t.pool.records[next].Size
		t.unlink(set, next)
		t.pool.put(next)
	}
}

// insertBefore links record idx in front of before; a nilIndex before
// appends idx to the tail of the set.
func (t *Tracker) insertBefore(set *regionSet, before, idx int32) {
	rec := &t.pool.records[idx]
	rec.next = before

	if before == nilIndex {
		rec.prev = set.tail
		if set.tail != nilIndex {
			t.pool.records[set.tail].next = idx
		} else {
			set.head = idx
		}
		set.tail = idx
	} else {
		prev := t.pool.records[before].prev
		rec.prev = prev
		t.pool.records[before].prev = idx
		if prev != nilIndex {
			t.pool.records[prev].next = idx
		} else {
			set.head = idx
		}
	}

	set.count++
}

func (t *Tracker) unlink(set *regionSet, idx int32) {
	rec := &t.pool.records[idx]
	if rec.prev != nilIndex {
		t.pool.records[rec.prev].next = rec.next
	} else {
		set.head = rec.next
	}
	if rec.next != nilIndex {
		t.pool.records[rec.next].prev = rec.prev
	} else {
		set.tail = rec.prev
	}
	set.count--
}

// capSize clips size so that base+size does not overflow the physical
// address space.
func capSize(base uintptr, size mm.Size) mm.Size {
	if limit := mm.Size(^uintptr(0) - base); size > limit {
		return limit
	}
	return size
}
