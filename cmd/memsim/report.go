package main

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/pmm"
	"github.com/yydcnjjw/my-os/kernel/mm/slab"
)

// reportPrinter writes reports to w, grouping the digits of decimal counts.
type reportPrinter struct {
	w io.Writer
	p *message.Printer
}

func newPrinter(w io.Writer) *reportPrinter {
	return &reportPrinter{w: w, p: message.NewPrinter(language.English)}
}

func (r *reportPrinter) printf(format string, args ...interface{}) {
	_, _ = r.p.Fprintf(r.w, format, args...)
}

func printMachine(r *reportPrinter, m *Machine) {
	r.printf("machine: %s (boot loader %s)\n", m.Name, m.BootLoader)
	r.printf("memory map:\n")
	for _, entry := range m.Entries() {
		r.printf("  [0x%012x-0x%012x] %-16s %d bytes\n",
			entry.PhysAddress, entry.PhysAddress+entry.Length-1, entry.Type, entry.Length,
		)
	}

	layout := m.Layout()
	r.printf("kernel image: [0x%x-0x%x]\n", layout.Start(), layout.End())
}

func printBootReport(r *reportPrinter, ctx *pmm.Context) {
	st := ctx.Stats()

	r.printf("end of RAM: pfn 0x%x (%d bytes)\n", uintptr(st.EndPFN), uint64(st.EndPFN.Address()))
	r.printf("memory: %d bytes available, %d bytes reserved, kernel %d bytes\n",
		uint64(st.MemoryBytes), uint64(st.ReservedBytes), uint64(st.KernelBytes),
	)
	ctx.Regions.Dump(r.w)

	printBuddy(r, ctx)
	printCaches(r, ctx.Slab.Stats())
}

func printBuddy(r *reportPrinter, ctx *pmm.Context) {
	st := ctx.Stats()

	r.printf("buddy: frames [0x%x-0x%x), %d total, %d free, %d metadata, %d in holes\n",
		uintptr(ctx.Pages.StartFrame()), uintptr(ctx.Pages.EndFrame()),
		st.TotalFrames, st.FreeFrames, st.MetadataFrames, st.HoleFrames,
	)
	for i, arena := range ctx.Pages.Arenas() {
		r.printf("  arena %d: start frame 0x%x, order %d, largest free order %d\n",
			i, uintptr(arena.Start), arena.MaxOrder, arena.RootOrder,
		)
	}
}

func printCaches(r *reportPrinter, stats []slab.CacheStats) {
	r.printf("%-16s %8s %8s %6s %6s %6s %10s %10s\n", "cache", "objsize", "size", "order", "objs", "slabs", "active", "allocs")
	for _, s := range stats {
		r.printf("%-16s %8d %8d %6d %6d %6d %10d %10d\n",
			s.Name, uint64(s.ObjectSize), uint64(s.Size), s.Order, s.ObjectsPerSlab, s.Slabs, s.ActiveObjects, s.Allocs,
		)
	}
}

// slabWaste returns the number of bytes of a slab that no object uses.
func slabWaste(s slab.CacheStats) mm.Size {
	return mm.OrderSize(s.Order) - mm.Size(s.ObjectsPerSlab)*s.Size
}
