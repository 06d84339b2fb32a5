package pxmem

import (
	"fmt"
	"math/bits"

	"github.com/phuslu/log"
)

const (
	defaultArenaSize      = 1 << 20
	minArenaSize          = 64
	maxArenaSize          = 1 << 31
	defaultRetireCapacity = 256
	defaultRetireLatency  = 2
)

func alignPow2(x uint) uint {
	if x <= 1 {
		return 1
	}
	return 1 << bits.Len(x-1)
}

// Config describes a PoolAllocator. The zero value is usable: a 1MiB arena
// reserved from the system heap.
type Config struct {
	// ArenaSize is the number of bytes reserved up front. The arena never grows.
	ArenaSize uint
	// Upstream provides the single arena reservation. Defaults to StdAllocator.
	Upstream Allocator
	// LogLevel, when set, is applied to the default logger ("debug", "info", ...).
	LogLevel string
}

func (config *Config) load() error {
	if config.ArenaSize == 0 {
		config.ArenaSize = defaultArenaSize
	}
	if config.ArenaSize < minArenaSize {
		return fmt.Errorf("arena size %d, minimum %d: %w", config.ArenaSize, minArenaSize, ErrArenaTooSmall)
	}
	if config.ArenaSize > maxArenaSize {
		return fmt.Errorf("arena size %d, maximum %d: %w", config.ArenaSize, maxArenaSize, ErrArenaTooLarge)
	}
	if config.Upstream == nil {
		config.Upstream = StdAllocator{}
	}
	if config.LogLevel != "" {
		log.DefaultLogger.SetLevel(log.ParseLevel(config.LogLevel))
	}
	return nil
}
