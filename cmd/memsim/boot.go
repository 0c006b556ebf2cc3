package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the allocators and report their state",
		Long: `The boot command feeds the machine memory map to the region tracker,
hands the frames past the kernel image to the buddy allocator, bootstraps the
slab allocator and prints the state of every layer.

Example:
  memsim boot
  memsim boot --machine machine.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(cmd)
		},
	}
}

func runBoot(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	m, ctx, err := bootMachine(out)
	if err != nil {
		return err
	}
	defer ctx.Close()

	r := newPrinter(out)
	printMachine(r, m)
	printBootReport(r, ctx)
	return nil
}
