// Package mm contains the types and constants shared by the physical memory
// allocators.
package mm

import (
	"math"
	"math/bits"

	"github.com/yydcnjjw/my-os/kernel"
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// WordSize is the size of a machine word.
	WordSize = Size(1 << PointerShift)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// MaxOrder is the largest block order managed by the page allocator.
	// A block of order k spans 2^k page frames.
	MaxOrder = 11
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageAlignUp rounds addr up to the next page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + uintptr(PageSize-1)) & ^uintptr(PageSize-1)
}

// PageAlignDown rounds addr down to the page boundary that contains it.
func PageAlignDown(addr uintptr) uintptr {
	return addr & ^uintptr(PageSize-1)
}

// IsPowerOf2 returns true if v is a non-zero power of two.
func IsPowerOf2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Log2 returns floor(log2(v)). v must be non-zero.
func Log2(v uint64) int {
	return bits.Len64(v) - 1
}

// OrderForSize returns the smallest order whose block (PageSize << order)
// holds size bytes.
func OrderForSize(size Size) int {
	if size <= PageSize {
		return 0
	}
	return bits.Len64(uint64((size - 1) >> PageShift))
}

// OrderSize returns the size in bytes of a block with the given order.
func OrderSize(order int) Size {
	return PageSize << uint(order)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered", Kind: kernel.ErrKindOutOfMemory}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers the frame allocator used by page-table setup
// code. Boot code first registers the region tracker and switches to the
// buddy allocator once it is available.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}
