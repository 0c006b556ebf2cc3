package main

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/slab"
)

func init() {
	rootCmd.AddCommand(newClassesCmd())
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes [size...]",
		Short: "Show the kmalloc size classes",
		Long: `The classes command lists the kmalloc caches with their slab geometry.
When sizes are given it shows which class serves each of them instead.

Example:
  memsim classes
  memsim classes 1 100 4097 20000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClasses(cmd, args)
		},
	}
}

func runClasses(cmd *cobra.Command, args []string) error {
	sizes, err := parseSizes(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, ctx, err := bootMachine(out)
	if err != nil {
		return err
	}
	defer ctx.Close()

	r := newPrinter(out)
	if len(sizes) == 0 {
		r.printf("%-14s %8s %6s %6s %10s\n", "class", "size", "order", "objs", "waste")
		for _, size := range slab.KmallocSizes() {
			s := ctx.Slab.CacheStats(ctx.Slab.KmallocCache(size))
			r.printf("%-14s %8d %6d %6d %10d\n", s.Name, uint64(s.Size), s.Order, s.ObjectsPerSlab, uint64(slabWaste(s)))
		}
		return nil
	}

	for _, size := range sizes {
		switch c := ctx.Slab.KmallocCache(size); {
		case size == 0:
			r.printf("%d: invalid\n", uint64(size))
		case c != nil:
			r.printf("%d: %s\n", uint64(size), c.Name())
		case size > slab.MaxKmallocSize:
			order := mm.OrderForSize(size)
			if order > mm.MaxOrder {
				r.printf("%d: too large\n", uint64(size))
				continue
			}
			r.printf("%d: page block, order %d (%d bytes)\n", uint64(size), order, uint64(mm.OrderSize(order)))
		}
	}
	return nil
}

// parseSizes parses decimal, hex (0x) or octal (0) byte counts.
func parseSizes(args []string) ([]mm.Size, error) {
	sizes := make([]mm.Size, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid size %q", arg)
		}
		sizes = append(sizes, mm.Size(v))
	}
	return sizes, nil
}
