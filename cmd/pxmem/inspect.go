package main

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/spf13/cobra"
	"go.yuchanns.xyz/pxmem"
)

var (
	inspectSizes []uint
	inspectFree  []int
)

func init() {
	cmd := newInspectCmd()
	cmd.Flags().UintSliceVar(&inspectSizes, "sizes", []uint{128, 64, 256, 40, 1024}, "Allocation sizes, in order")
	cmd.Flags().IntSliceVar(&inspectFree, "free", []int{1, 3}, "Indexes of allocations to free afterwards")
	rootCmd.AddCommand(cmd)
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the arena layout after a scripted allocation sequence",
		Long: `The inspect command allocates the given sizes from a fresh arena, frees
the selected allocations and prints every physical block, the occupied free
lists and the occupancy counters.

Example:
  pxmem inspect --arena-size 8192 --sizes 128,64,256 --free 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), inspectSizes, inspectFree)
		},
	}
}

type InspectAllocation struct {
	Size   uint `json:"size"`
	Offset int  `json:"offset"`
	Freed  bool `json:"freed"`
}

type InspectResult struct {
	Allocations []InspectAllocation `json:"allocations"`
	Blocks      []pxmem.BlockInfo   `json:"blocks"`
	Buckets     []pxmem.BucketInfo  `json:"buckets"`
	Stats       pxmem.PoolStats     `json:"stats"`
}

func runInspect(w io.Writer, sizes []uint, free []int) error {
	pool, err := newArena()
	if err != nil {
		return fmt.Errorf("failed to create arena: %w", err)
	}
	defer pool.Close()

	ptrs := make([]unsafe.Pointer, len(sizes))
	result := InspectResult{Allocations: make([]InspectAllocation, len(sizes))}
	for i, size := range sizes {
		ptrs[i] = pool.Allocate(size)
		result.Allocations[i] = InspectAllocation{Size: size, Offset: -1}
		if ptrs[i] == nil {
			continue
		}
		off, err := pool.BlockOffset(ptrs[i])
		if err != nil {
			return err
		}
		result.Allocations[i].Offset = int(off)
	}
	for _, i := range free {
		if i < 0 || i >= len(ptrs) {
			return fmt.Errorf("free index %d out of range [0:%d]", i, len(ptrs))
		}
		if ptrs[i] == nil || result.Allocations[i].Freed {
			continue
		}
		pool.Free(ptrs[i], sizes[i])
		result.Allocations[i].Freed = true
	}

	if err := pool.Check(); err != nil {
		return fmt.Errorf("arena corrupted: %w", err)
	}
	result.Blocks = pool.Blocks()
	result.Buckets = pool.Buckets()
	result.Stats = pool.Stats()

	for i, a := range result.Allocations {
		if ptrs[i] != nil && !a.Freed {
			pool.Free(ptrs[i], a.Size)
		}
	}

	if jsonOut {
		return printJSON(w, result)
	}
	fmt.Fprintf(w, "Allocations:\n")
	for i, a := range result.Allocations {
		state := "live"
		switch {
		case a.Offset < 0:
			state = "failed"
		case a.Freed:
			state = "freed"
		}
		fmt.Fprintf(w, "  #%-3d %8d bytes  %-6s", i, a.Size, state)
		if a.Offset >= 0 {
			fmt.Fprintf(w, "  block at %#x", a.Offset)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\nBlocks:\n")
	for _, b := range result.Blocks {
		state := "used"
		if b.Free {
			state = "free"
		}
		fmt.Fprintf(w, "  %#08x %8d bytes  %s\n", b.Offset, b.Size, state)
	}
	fmt.Fprintf(w, "\nFree lists:\n")
	for _, b := range result.Buckets {
		fmt.Fprintf(w, "  fl=%-2d sl=%-2d %d blocks\n", b.FL, b.SL, b.Count)
	}
	s := result.Stats
	fmt.Fprintf(w, "\nArena: %d bytes, %d used in %d blocks, %d free in %d blocks, %d overhead\n",
		s.ArenaSize, s.UsedBytes, s.UsedBlocks, s.FreeBytes, s.FreeBlocks, s.Overhead)
	return nil
}
