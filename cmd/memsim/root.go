package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yydcnjjw/my-os/kernel/hal/multiboot"
	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm/buddy"
	"github.com/yydcnjjw/my-os/kernel/mm/memblock"
	"github.com/yydcnjjw/my-os/kernel/mm/pmm"
)

var (
	// Global flags
	machinePath     string
	verbose         bool
	metadataInRange bool
	regionCapacity  int
	maxArenas       int
)

var rootCmd = &cobra.Command{
	Use:   "memsim",
	Short: "Boot and exercise the physical memory allocators",
	Long: `memsim boots the region tracker, the buddy page allocator and the slab
allocator over a simulated machine described by a memory map and a kernel
image layout, and runs workloads against the resulting hierarchy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&machinePath, "machine", "m", "", "Machine description (YAML); defaults to a QEMU-like 128M machine")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show allocator log output")
	rootCmd.PersistentFlags().
		BoolVar(&metadataInRange, "metadata-in-range", false, "Charge buddy tree metadata to the managed frames")
	rootCmd.PersistentFlags().
		IntVar(&regionCapacity, "regions", memblock.DefaultPoolCapacity, "Region tracker record pool capacity")
	rootCmd.PersistentFlags().IntVar(&maxArenas, "max-arenas", buddy.DefaultMaxArenas, "Buddy arena table capacity")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootMachine loads the selected machine description and boots the allocator
// hierarchy over it. Allocator log output is sent to out in verbose mode and
// discarded otherwise. The caller must Close the returned context.
func bootMachine(out io.Writer) (*Machine, *pmm.Context, error) {
	m, err := loadMachine(machinePath)
	if err != nil {
		return nil, nil, err
	}

	if verbose {
		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: out, Prefix: []byte("kernel: ")})
	} else {
		kfmt.SetOutputSink(io.Discard)
	}

	if kerr := multiboot.SetInfoData(m.InfoData()); kerr != nil {
		return nil, nil, errors.Wrap(kerr, "decode boot information")
	}

	cfg := pmm.Config{
		RegionCapacity: regionCapacity,
		Buddy: buddy.Config{
			MaxArenas:       maxArenas,
			MetadataInRange: metadataInRange,
		},
	}

	ctx, kerr := pmm.Init(m.Layout(), cfg)
	if kerr != nil {
		return nil, nil, errors.Wrapf(kerr, "boot machine %q", m.Name)
	}
	return m, ctx, nil
}
