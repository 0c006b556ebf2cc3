package main

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/pmm"
)

var (
	stressOps     int
	stressSeed    int64
	stressMaxSize int
	stressLive    int
	stressWorkers int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Operations per worker")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 16384, "Largest allocation in bytes")
	cmd.Flags().IntVar(&stressLive, "live", 512, "Maximum number of live allocations per worker")
	cmd.Flags().IntVar(&stressWorkers, "workers", 1, "Number of concurrent workers")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a random kmalloc/kfree/krealloc workload",
		Long: `The stress command boots the allocators and runs a seeded random mix of
kmalloc, kfree and krealloc calls. Every allocation is filled with a pattern
that is verified before it is freed; once all allocations are released the
free frame count must match the count observed after boot.

Example:
  memsim stress --ops 100000 --seed 42
  memsim stress --workers 4 --max-size 65536`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd)
		},
	}
}

type stressStats struct {
	Allocs   uint64
	Frees    uint64
	Reallocs uint64
	Moved    uint64
	Failures uint64
	PeakLive int
}

func (s *stressStats) add(other stressStats) {
	s.Allocs += other.Allocs
	s.Frees += other.Frees
	s.Reallocs += other.Reallocs
	s.Moved += other.Moved
	s.Failures += other.Failures
	s.PeakLive += other.PeakLive
}

type liveBlock struct {
	addr uintptr
	size mm.Size
	fill byte
}

func runStress(cmd *cobra.Command) error {
	if stressOps < 0 || stressMaxSize <= 0 || stressLive <= 0 || stressWorkers <= 0 {
		return errors.New("ops must be non-negative; max-size, live and workers must be positive")
	}

	out := cmd.OutOrStdout()
	_, ctx, err := bootMachine(out)
	if err != nil {
		return err
	}
	defer ctx.Close()

	baseline := ctx.Pages.FreeFrameCount()

	var wg sync.WaitGroup
	results := make([]stressStats, stressWorkers)
	errs := make([]error, stressWorkers)
	for i := 0; i < stressWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(stressSeed + int64(worker)))
			results[worker], errs[worker] = stressWorker(ctx, rng)
		}(i)
	}
	wg.Wait()

	var total stressStats
	for i := range results {
		if errs[i] != nil {
			return errors.Wrapf(errs[i], "worker %d", i)
		}
		total.add(results[i])
	}

	r := newPrinter(out)
	r.printf("stress: %d workers, seed %d\n", stressWorkers, stressSeed)
	r.printf("  allocs %d, frees %d, reallocs %d (moved %d), failures %d, peak live %d\n",
		total.Allocs, total.Frees, total.Reallocs, total.Moved, total.Failures, total.PeakLive,
	)
	printCaches(r, ctx.Slab.Stats())

	if free := ctx.Pages.FreeFrameCount(); free != baseline {
		return errors.Errorf("free frame count %d does not match %d after boot", free, baseline)
	}
	r.printf("free frames restored: %d\n", baseline)
	return nil
}

func stressWorker(ctx *pmm.Context, rng *rand.Rand) (stressStats, error) {
	var st stressStats
	live := make([]liveBlock, 0, stressLive)

	for op := 0; op < stressOps; op++ {
		switch n := rng.Intn(10); {
		case len(live) > 0 && (n < 3 || len(live) >= stressLive):
			i := rng.Intn(len(live))
			if err := freeBlock(ctx, live[i]); err != nil {
				return st, err
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			st.Frees++

		case len(live) > 0 && n < 5:
			i := rng.Intn(len(live))
			size := mm.Size(1 + rng.Intn(stressMaxSize))
			moved, err := reallocBlock(ctx, &live[i], size)
			if err != nil {
				return st, err
			}
			st.Reallocs++
			if moved {
				st.Moved++
			}

		default:
			size := mm.Size(1 + rng.Intn(stressMaxSize))
			addr, kerr := ctx.Slab.Kmalloc(size)
			if kerr != nil {
				if !kernel.Is(kerr, kernel.ErrKindOutOfMemory) {
					return st, errors.Wrapf(kerr, "kmalloc %d", uint64(size))
				}
				st.Failures++
				continue
			}

			b := liveBlock{addr: addr, size: size, fill: byte(rng.Intn(255) + 1)}
			ctx.Memory.Memset(b.addr, b.fill, b.size)
			live = append(live, b)
			st.Allocs++
			if len(live) > st.PeakLive {
				st.PeakLive = len(live)
			}
		}
	}

	for _, b := range live {
		if err := freeBlock(ctx, b); err != nil {
			return st, err
		}
		st.Frees++
	}
	return st, nil
}

// reallocBlock grows or shrinks b to size bytes and reports whether the
// contents moved. The old allocation is released once its contents have been
// copied.
func reallocBlock(ctx *pmm.Context, b *liveBlock, size mm.Size) (bool, error) {
	addr, kerr := ctx.Slab.Krealloc(b.addr, size)
	if kerr != nil {
		if kernel.Is(kerr, kernel.ErrKindOutOfMemory) {
			return false, nil
		}
		return false, errors.Wrapf(kerr, "krealloc 0x%x to %d", b.addr, uint64(size))
	}

	if err := verifyBlock(ctx, liveBlock{addr: addr, size: min(size, b.size), fill: b.fill}); err != nil {
		return false, err
	}

	moved := addr != b.addr
	if moved {
		if kerr := ctx.Slab.Kfree(b.addr); kerr != nil {
			return false, errors.Wrapf(kerr, "kfree 0x%x", b.addr)
		}
	}

	b.addr, b.size = addr, size
	ctx.Memory.Memset(b.addr, b.fill, b.size)
	return moved, nil
}

func freeBlock(ctx *pmm.Context, b liveBlock) error {
	if err := verifyBlock(ctx, b); err != nil {
		return err
	}
	if kerr := ctx.Slab.Kfree(b.addr); kerr != nil {
		return errors.Wrapf(kerr, "kfree 0x%x", b.addr)
	}
	return nil
}

func verifyBlock(ctx *pmm.Context, b liveBlock) error {
	data := ctx.Memory.Bytes(b.addr, b.size)
	if data == nil {
		return errors.Errorf("block 0x%x (%d bytes) lies outside of RAM", b.addr, uint64(b.size))
	}

	for i, v := range data {
		if v != b.fill {
			return errors.Errorf("block 0x%x: byte %d is 0x%02x, expected 0x%02x", b.addr, i, v, b.fill)
		}
	}
	return nil
}
