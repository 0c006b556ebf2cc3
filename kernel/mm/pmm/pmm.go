// Package pmm initializes the physical memory allocators in boot order and
// bundles them into a Context.
//
// The region tracker is seeded from the multiboot memory map and serves early
// frame allocations. Once the end of RAM is known, the frames past the kernel
// image are handed to the buddy allocator and the ranges that the tracker
// considers reserved are carved out of it. The buddy trees are charged to
// the first frames left free, and the slab allocator is bootstrapped on top.
package pmm

import (
	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/hal/multiboot"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/buddy"
	"github.com/yydcnjjw/my-os/kernel/mm/memblock"
	"github.com/yydcnjjw/my-os/kernel/mm/page"
	"github.com/yydcnjjw/my-os/kernel/mm/physmem"
	"github.com/yydcnjjw/my-os/kernel/mm/slab"
)

var (
	errNoMemory         = &kernel.Error{Module: "pmm", Message: "memory map reports no available memory", Kind: kernel.ErrKindOutOfMemory}
	errKernelOutsideRAM = &kernel.Error{Module: "pmm", Message: "kernel image ends past the end of RAM", Kind: kernel.ErrKindInvalidArgument}
	errUnmapFailed      = &kernel.Error{Module: "pmm", Message: "unable to release physical memory backing", Kind: kernel.ErrKindInvalidArgument}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// KernelLayout describes the physical addresses occupied by the loaded
// kernel image.
type KernelLayout struct {
	CodeStart uintptr
	CodeEnd   uintptr
	DataStart uintptr
	DataEnd   uintptr
	BrkBase   uintptr
	BrkEnd    uintptr
}

// Start returns the page-aligned start of the kernel image.
func (l KernelLayout) Start() uintptr {
	return mm.PageAlignDown(l.CodeStart)
}

// End returns the page-aligned end of the kernel image.
func (l KernelLayout) End() uintptr {
	return mm.PageAlignUp(max(l.CodeEnd, l.DataEnd, l.BrkEnd))
}

// Config controls the allocators built by Init.
type Config struct {
	// RegionCapacity is the size of the region tracker record pool. Zero
	// selects memblock.DefaultPoolCapacity.
	RegionCapacity int

	Buddy buddy.Config
}

// Context holds the allocator hierarchy created by Init.
type Context struct {
	Layout KernelLayout
	EndPFN mm.Frame

	Regions *memblock.Tracker
	Memory  *physmem.Memory
	Pages   *buddy.Allocator
	Descs   *page.Table
	Slab    *slab.Allocator

	// HoleFrames is the number of frames inside the buddy range that were
	// reserved because the region tracker did not report them as free.
	HoleFrames uint64
}

// Stats summarizes the state of a Context.
type Stats struct {
	EndPFN         mm.Frame
	MemoryBytes    mm.Size
	ReservedBytes  mm.Size
	KernelBytes    mm.Size
	TotalFrames    uint64
	FreeFrames     uint64
	MetadataFrames uint64
	HoleFrames     uint64
	Caches         int
}

// Init builds the allocator hierarchy from the memory map that was passed to
// multiboot.SetInfoData. The region tracker is registered as the active frame
// allocator until the buddy allocator takes over. On failure the frame
// allocator is unregistered and any partially built state is released.
func Init(layout KernelLayout, cfg Config) (*Context, *kernel.Error) {
	capacity := cfg.RegionCapacity
	if capacity <= 0 {
		capacity = memblock.DefaultPoolCapacity
	}

	ctx := &Context{
		Layout:  layout,
		Regions: memblock.NewWithCapacity(capacity),
	}

	if err := ctx.init(cfg); err != nil {
		_ = ctx.Close()
		return nil, err
	}

	return ctx, nil
}

func (ctx *Context) init(cfg Config) *kernel.Error {
	var err *kernel.Error

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		base, size := uintptr(entry.PhysAddress), mm.Size(entry.Length)
		if entry.Type == multiboot.MemAvailable {
			err = ctx.Regions.Add(base, size)
		} else {
			err = ctx.Regions.Reserve(base, size)
		}
		return err == nil
	})
	if err != nil {
		return err
	}

	kernelStart, kernelEnd := ctx.Layout.Start(), ctx.Layout.End()
	if kernelEnd > kernelStart {
		if err = ctx.Regions.Reserve(kernelStart, mm.Size(kernelEnd-kernelStart)); err != nil {
			return err
		}
	}

	if ctx.EndPFN = multiboot.EndOfRAMPFN(); ctx.EndPFN == 0 {
		return errNoMemory
	}
	ramEnd := ctx.EndPFN.Address()
	if kernelEnd >= ramEnd {
		return errKernelOutsideRAM
	}
	mm.SetFrameAllocator(ctx.Regions.AllocFrame)

	if ctx.Memory, err = physmem.New(0, mm.Size(ramEnd)); err != nil {
		return err
	}

	if ctx.Pages, err = buddy.New(kernelEnd, ramEnd, cfg.Buddy); err != nil {
		return err
	}

	if err = ctx.reserveHoles(); err != nil {
		return err
	}

	if err = ctx.Pages.ReserveMetadata(); err != nil {
		return err
	}

	if ctx.Descs, err = page.NewTable(ctx.Pages.StartFrame(), ctx.Pages.EndFrame()); err != nil {
		return err
	}

	if ctx.Slab, err = slab.New(ctx.Pages, ctx.Memory, ctx.Descs); err != nil {
		return err
	}

	mm.SetFrameAllocator(ctx.Pages.AllocFrame)

	kfmt.Printf("[pmm] ready: frames [0x%x-0x%x), free %d, holes %d\n",
		uintptr(ctx.Pages.StartFrame()), uintptr(ctx.Pages.EndFrame()),
		ctx.Pages.FreeFrameCount(), ctx.HoleFrames,
	)
	return nil
}

// reserveHoles marks every frame in the buddy range that is not fully
// covered by a free region of the tracker as allocated.
func (ctx *Context) reserveHoles() *kernel.Error {
	cur, end := ctx.Pages.StartFrame(), ctx.Pages.EndFrame()

	reserve := func(from, to mm.Frame) *kernel.Error {
		if to > end {
			to = end
		}
		if to <= from {
			return nil
		}
		ctx.HoleFrames += uint64(to - from)
		return ctx.Pages.ReserveRange(from, uint64(to-from))
	}

	var err *kernel.Error
	ctx.Regions.VisitFree(func(r memblock.Region) bool {
		if cur >= end {
			return false
		}

		first := mm.FrameFromAddress(mm.PageAlignUp(r.Base))
		last := mm.FrameFromAddress(mm.PageAlignDown(r.End()))
		if first >= last || last <= cur {
			return true
		}

		if err = reserve(cur, first); err != nil {
			return false
		}
		cur = last
		return true
	})

	if err != nil {
		return err
	}
	return reserve(cur, end)
}

// Close unregisters the active frame allocator and releases the allocators
// in reverse construction order. It is safe to call Close more than once.
func (ctx *Context) Close() error {
	mm.SetFrameAllocator(nil)

	ctx.Slab = nil
	ctx.Descs = nil
	ctx.Pages = nil

	if ctx.Memory != nil {
		err := ctx.Memory.Close()
		ctx.Memory = nil
		if err != nil {
			return errUnmapFailed
		}
	}
	return nil
}

// MustKmalloc allocates size bytes with the slab allocator and halts the
// kernel if the allocation fails.
func (ctx *Context) MustKmalloc(size mm.Size) uintptr {
	addr, err := ctx.Slab.Kmalloc(size)
	if err != nil {
		panicFn(err)
	}
	return addr
}

// Stats returns a snapshot of the allocator hierarchy.
func (ctx *Context) Stats() Stats {
	st := Stats{
		EndPFN:        ctx.EndPFN,
		MemoryBytes:   ctx.Regions.TotalSize(memblock.Memory),
		ReservedBytes: ctx.Regions.TotalSize(memblock.Reserved),
		HoleFrames:    ctx.HoleFrames,
	}

	if start, end := ctx.Layout.Start(), ctx.Layout.End(); end > start {
		st.KernelBytes = mm.Size(end - start)
	}

	if ctx.Pages != nil {
		st.TotalFrames = ctx.Pages.TotalFrames()
		st.FreeFrames = ctx.Pages.FreeFrameCount()
		st.MetadataFrames = ctx.Pages.MetadataFrames()
	}
	if ctx.Slab != nil {
		st.Caches = len(ctx.Slab.Caches())
	}
	return st
}
