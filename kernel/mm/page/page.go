// Package page maintains the per-frame descriptor table used by the slab and
// large-object allocators to map an address back to its owner.
package page

import (
	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/mm"
)

var errInvalidRange = &kernel.Error{Module: "page", Message: "invalid descriptor table range", Kind: kernel.ErrKindInvalidArgument}

// Flags describe how a page frame is being used.
type Flags uint16

const (
	// FlagSlab marks frames that back a slab.
	FlagSlab Flags = 1 << iota

	// FlagLarge marks frames handed out directly by kmalloc for requests
	// that exceed the largest size class.
	FlagLarge

	// FlagHead marks the first frame of a multi-frame block.
	FlagHead

	// FlagTail marks the remaining frames of a multi-frame block.
	FlagTail

	// FlagReserved marks frames that are never handed out.
	FlagReserved
)

// Has returns true if all bits in other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// CacheID identifies a slab cache. The zero value means "no cache".
type CacheID uint32

// NoCache is the CacheID of frames not owned by a slab cache.
const NoCache CacheID = 0

// Descriptor holds the metadata for a single page frame. For blocks of more
// than one frame only the head descriptor carries slab state; tail
// descriptors point back to it.
type Descriptor struct {
	Flags    Flags
	RefCount int32
	Order    uint8

	// Slab state.
	Cache    CacheID
	FreeList uintptr
	InUse    uint32
	Objects  uint32
	Frozen   bool

	// Head is the first frame of the block this frame belongs to.
	Head mm.Frame

	frame      mm.Frame
	prev, next mm.Frame
	linked     bool
}

// Frame returns the frame described by d.
func (d *Descriptor) Frame() mm.Frame {
	return d.frame
}

// Linked returns true if the descriptor is a member of a List.
func (d *Descriptor) Linked() bool {
	return d.linked
}

// Table is a descriptor table covering the frames [start, end).
type Table struct {
	start, end mm.Frame
	descs      []Descriptor
}

// NewTable allocates descriptors for the frames [start, end).
func NewTable(start, end mm.Frame) (*Table, *kernel.Error) {
	if end <= start || !end.Valid() {
		return nil, errInvalidRange
	}

	t := &Table{
		start: start,
		end:   end,
		descs: make([]Descriptor, end-start),
	}
	for i := range t.descs {
		t.descs[i].frame = start + mm.Frame(i)
		t.descs[i].Head = t.descs[i].frame
	}
	return t, nil
}

// Start returns the first frame covered by the table.
func (t *Table) Start() mm.Frame { return t.start }

// End returns the frame past the last frame covered by the table.
func (t *Table) End() mm.Frame { return t.end }

// Lookup returns the descriptor for frame or nil if frame is not covered by
// the table.
func (t *Table) Lookup(frame mm.Frame) *Descriptor {
	if frame < t.start || frame >= t.end {
		return nil
	}
	return &t.descs[frame-t.start]
}

// ForAddress returns the descriptor of the head frame of the block that
// contains addr or nil if addr is not covered by the table.
func (t *Table) ForAddress(addr uintptr) *Descriptor {
	d := t.Lookup(mm.FrameFromAddress(addr))
	if d == nil {
		return nil
	}
	if d.Flags.Has(FlagTail) {
		return t.Lookup(d.Head)
	}
	return d
}

// SetBlock tags the 2^order frames starting at head as a single block with
// the given flags and returns the head descriptor.
func (t *Table) SetBlock(head mm.Frame, order int, flags Flags) *Descriptor {
	hd := t.Lookup(head)
	count := mm.Frame(1) << uint(order)

	hd.Flags = flags
	hd.Order = uint8(order)
	hd.RefCount = 1
	hd.Head = head
	if order > 0 {
		hd.Flags |= FlagHead
	}

	for frame := head + 1; frame < head+count; frame++ {
		d := t.Lookup(frame)
		d.Flags = flags | FlagTail
		d.Head = head
	}

	return hd
}

// ClearBlock resets the descriptors of the block starting at head.
func (t *Table) ClearBlock(head mm.Frame) {
	hd := t.Lookup(head)
	count := mm.Frame(1) << uint(hd.Order)

	for frame := head; frame < head+count; frame++ {
		d := t.Lookup(frame)
		*d = Descriptor{frame: frame, Head: frame}
	}
}
