package main

import (
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.yuchanns.xyz/pxmem"
)

var (
	// Global flags
	arenaSize uint
	logLevel  string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "pxmem",
	Short: "Exercise and inspect pxmem arenas",
	Long: `pxmem drives the two-level segregated fit arena and the reference
counted handles built on it. It can simulate a frame loop that creates and
retires GPU-style resources, or run a scripted allocation sequence and print
the resulting block layout.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().UintVar(&arenaSize, "arena-size", 1<<20, "Arena size in bytes")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newArena() (*pxmem.PoolAllocator, error) {
	return pxmem.NewPoolAllocatorConfig(pxmem.Config{
		ArenaSize: arenaSize,
		Upstream:  pxmem.PageAllocator{},
		LogLevel:  logLevel,
	})
}

func printJSON(w io.Writer, v any) error {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
