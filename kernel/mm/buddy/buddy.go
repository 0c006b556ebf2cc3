// Package buddy implements a binary buddy page frame allocator.
//
// The managed frame range is split into arenas of 2^mm.MaxOrder frames; a
// remainder that does not fill a whole arena is covered by arenas of
// decreasing order. Each arena tracks free blocks with a complete binary
// tree whose nodes record the order of the largest free block below them.
package buddy

import (
	"math/bits"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/sync"
)

// DefaultMaxArenas is the arena table capacity used when Config.MaxArenas
// is not set. It covers 16G of RAM with full size arenas.
const DefaultMaxArenas = 4096

var (
	errInvalidRange    = &kernel.Error{Module: "buddy", Message: "invalid frame range", Kind: kernel.ErrKindInvalidArgument}
	errTooManyArenas   = &kernel.Error{Module: "buddy", Message: "arena table exhausted", Kind: kernel.ErrKindCapacityExceeded}
	errInvalidOrder    = &kernel.Error{Module: "buddy", Message: "requested order exceeds MaxOrder", Kind: kernel.ErrKindInvalidArgument}
	errOutOfMemory     = &kernel.Error{Module: "buddy", Message: "no free block of requested order", Kind: kernel.ErrKindOutOfMemory}
	errFrameOutOfRange = &kernel.Error{Module: "buddy", Message: "frame not managed by allocator", Kind: kernel.ErrKindInvalidArgument}
	errNotAllocated    = &kernel.Error{Module: "buddy", Message: "frame is not allocated", Kind: kernel.ErrKindInvalidArgument}
	errNotBlockHead    = &kernel.Error{Module: "buddy", Message: "frame is not the head of an allocated block", Kind: kernel.ErrKindInvalidArgument}
	errRangeBusy       = &kernel.Error{Module: "buddy", Message: "range overlaps an allocated block", Kind: kernel.ErrKindInvalidArgument}
)

// Config controls the construction of an Allocator.
type Config struct {
	// MaxArenas bounds the number of arenas. Zero selects DefaultMaxArenas.
	MaxArenas int

	// MetadataInRange charges the storage used by the arena trees to the
	// managed range. The frames are allocated by ReserveMetadata, which
	// callers invoke once the unusable parts of the range are reserved.
	MetadataInRange bool
}

// ArenaInfo describes one arena of an Allocator.
type ArenaInfo struct {
	Start     mm.Frame
	MaxOrder  int
	RootOrder int
}

// Allocator hands out blocks of 2^order contiguous page frames. All methods
// are safe for concurrent use.
type Allocator struct {
	lock sync.Spinlock

	startFrame mm.Frame
	endFrame   mm.Frame
	arenas     []*arena

	freeFrames      uint64
	metadataBytes   uint64
	metadataFrames  uint64
	metadataInRange bool
}

// New creates an allocator managing the frames in the physical address range
// [start, end). Both addresses must be page-aligned.
func New(start, end uintptr, cfg Config) (*Allocator, *kernel.Error) {
	kfmt.Printf("[buddy] range: [0x%x-0x%x]\n", start, end)

	pageMask := uintptr(mm.PageSize - 1)
	if end <= start || start&pageMask != 0 || end&pageMask != 0 {
		return nil, errInvalidRange
	}

	maxArenas := cfg.MaxArenas
	if maxArenas <= 0 {
		maxArenas = DefaultMaxArenas
	}

	alloc := &Allocator{
		startFrame:      mm.FrameFromAddress(start),
		endFrame:        mm.FrameFromAddress(end),
		metadataInRange: cfg.MetadataInRange,
	}

	var (
		remaining = uint64(alloc.endFrame - alloc.startFrame)
		next      = alloc.startFrame
		order     = mm.MaxOrder
	)
	for remaining != 0 {
		if remaining < 1<<uint(order) {
			order--
			continue
		}

		if len(alloc.arenas) == maxArenas {
			return nil, errTooManyArenas
		}

		a := newArena(next, order)
		alloc.arenas = append(alloc.arenas, a)
		alloc.freeFrames += a.frames()
		alloc.metadataBytes += 1 + uint64(len(a.nodes))

		next += mm.Frame(a.frames())
		remaining -= a.frames()
	}

	kfmt.Printf("[buddy] %d arenas, %d frames, tree size 0x%x\n", len(alloc.arenas), alloc.freeFrames, alloc.metadataBytes)

	return alloc, nil
}

// ReserveMetadata allocates the frames holding the arena trees from the
// lowest free blocks of the range using power-of-two sized allocations. It
// does nothing when Config.MetadataInRange is unset or the frames are
// already reserved.
func (alloc *Allocator) ReserveMetadata() *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.metadataInRange || alloc.metadataFrames != 0 {
		return nil
	}

	count := (alloc.metadataBytes + uint64(mm.PageSize) - 1) >> mm.PageShift
	if count > alloc.freeFrames {
		return errOutOfMemory
	}

	kfmt.Printf("[buddy] reserve %d frames for metadata\n", count)

	for remaining := count; remaining != 0; {
		order := bits.Len64(remaining) - 1
		if order > mm.MaxOrder {
			order = mm.MaxOrder
		}
		if _, err := alloc.allocFrames(order); err != nil {
			return err
		}
		remaining -= 1 << uint(order)
	}

	alloc.metadataFrames = count
	return nil
}

// AllocFrames reserves a block of 2^order contiguous frames and returns its
// first frame.
func (alloc *Allocator) AllocFrames(order int) (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	frame, err := alloc.allocFrames(order)
	if err != nil {
		return mm.InvalidFrame, err
	}

	kfmt.Printf("[buddy] alloc: frame 0x%x, order %d\n", uintptr(frame), order)
	return frame, nil
}

// AllocFrame reserves a single frame. It can be registered with
// mm.SetFrameAllocator.
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrames(0)
}

func (alloc *Allocator) allocFrames(order int) (mm.Frame, *kernel.Error) {
	if order < 0 || order > mm.MaxOrder {
		return mm.InvalidFrame, errInvalidOrder
	}

	for _, a := range alloc.arenas {
		if a.rootOrder() < order {
			continue
		}

		if offset, ok := a.alloc(order); ok {
			alloc.freeFrames -= 1 << uint(order)
			return a.start + mm.Frame(offset), nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrames releases the block that starts at frame and merges it with any
// free buddies.
func (alloc *Allocator) FreeFrames(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	a, index, order, err := alloc.lookupBlock(frame)
	if err != nil {
		return err
	}

	a.free(index, order)
	alloc.freeFrames += 1 << uint(order)

	kfmt.Printf("[buddy] free: frame 0x%x, order %d\n", uintptr(frame), order)
	return nil
}

// Size returns the size in bytes of the allocated block that starts at frame.
func (alloc *Allocator) Size(frame mm.Frame) (mm.Size, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	_, _, order, err := alloc.lookupBlock(frame)
	if err != nil {
		return 0, err
	}

	return mm.OrderSize(order), nil
}

// Order returns the order of the allocated block that starts at frame.
func (alloc *Allocator) Order(frame mm.Frame) (int, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	_, _, order, err := alloc.lookupBlock(frame)
	if err != nil {
		return -1, err
	}

	return order, nil
}

// lookupBlock locates the allocated block that starts at frame.
func (alloc *Allocator) lookupBlock(frame mm.Frame) (*arena, int, int, *kernel.Error) {
	a := alloc.arenaFor(frame)
	if a == nil {
		return nil, 0, 0, errFrameOutOfRange
	}

	offset := uint64(frame - a.start)
	index, order, ok := a.findBlock(offset)
	if !ok {
		return nil, 0, 0, errNotAllocated
	}

	if offset&(1<<uint(order)-1) != 0 {
		return nil, 0, 0, errNotBlockHead
	}

	return a, index, order, nil
}

// ReserveRange marks count frames starting at frame as allocated. Frames
// reserved this way are never handed out; they can be released block by
// block with FreeFrames using the aligned power-of-two blocks that cover the
// range.
func (alloc *Allocator) ReserveRange(frame mm.Frame, count uint64) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	end := frame + mm.Frame(count)
	if end < frame || frame < alloc.startFrame || end > alloc.endFrame {
		return errFrameOutOfRange
	}

	kfmt.Printf("[buddy] reserve: frame 0x%x, count %d\n", uintptr(frame), count)

	for frame < end {
		a := alloc.arenaFor(frame)
		offset := uint64(frame - a.start)

		order := a.maxOrder
		if offset != 0 {
			order = bits.TrailingZeros64(offset)
		}
		for uint64(1)<<uint(order) > uint64(end-frame) {
			order--
		}

		if !a.reserve(offset, order) {
			return errRangeBusy
		}

		alloc.freeFrames -= 1 << uint(order)
		frame += mm.Frame(1) << uint(order)
	}

	return nil
}

func (alloc *Allocator) arenaFor(frame mm.Frame) *arena {
	if frame < alloc.startFrame || frame >= alloc.endFrame {
		return nil
	}

	for _, a := range alloc.arenas {
		if a.contains(frame) {
			return a
		}
	}
	return nil
}

// StartFrame returns the first frame managed by the allocator.
func (alloc *Allocator) StartFrame() mm.Frame {
	return alloc.startFrame
}

// EndFrame returns the frame past the last frame managed by the allocator.
func (alloc *Allocator) EndFrame() mm.Frame {
	return alloc.endFrame
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *Allocator) TotalFrames() uint64 {
	return uint64(alloc.endFrame - alloc.startFrame)
}

// MetadataFrames returns the number of frames charged to the arena trees.
func (alloc *Allocator) MetadataFrames() uint64 {
	return alloc.metadataFrames
}

// FreeFrameCount returns the number of frames that are currently free.
func (alloc *Allocator) FreeFrameCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.freeFrames
}

// RootOrder returns the order of the largest free block in the i-th arena or
// -1 if the arena is fully allocated.
func (alloc *Allocator) RootOrder(i int) int {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.arenas[i].rootOrder()
}

// Arenas returns a snapshot of the arena table.
func (alloc *Allocator) Arenas() []ArenaInfo {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	out := make([]ArenaInfo, len(alloc.arenas))
	for i, a := range alloc.arenas {
		out[i] = ArenaInfo{Start: a.start, MaxOrder: a.maxOrder, RootOrder: a.rootOrder()}
	}
	return out
}
