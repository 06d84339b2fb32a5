package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"
	"go.yuchanns.xyz/pxmem"
)

var benchOpts benchOptions

type benchOptions struct {
	frames   int
	perFrame int
	latency  int
	lifetime int
	seed     uint64
}

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchOpts.frames, "frames", 600, "Number of frames to simulate")
	cmd.Flags().IntVar(&benchOpts.perFrame, "per-frame", 16, "Resources created per frame")
	cmd.Flags().IntVar(&benchOpts.latency, "latency", 2, "Frames a retired resource stays in flight")
	cmd.Flags().IntVar(&benchOpts.lifetime, "lifetime", 8, "Maximum frames a resource stays alive")
	cmd.Flags().Uint64Var(&benchOpts.seed, "seed", 1, "Random seed")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Simulate a frame loop over a pool arena",
		Long: `The bench command creates meshes, textures and uniform blocks in a pool
arena every frame, schedules their expiry on a wheel carved from the same
arena, retires them through a retire queue once their lifetime ends and
reports arena occupancy.

Example:
  pxmem bench --frames 1000 --per-frame 32
  pxmem bench --arena-size 262144 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.OutOrStdout(), benchOpts)
		},
	}
}

type resource interface {
	ID() uint32
}

type mesh struct {
	id       uint32
	vertices uint32
	data     [256]byte
}

type texture struct {
	id     uint32
	width  uint16
	height uint16
	texels [1024]byte
}

type uniforms struct {
	id    uint32
	frame uint32
	data  [48]byte
}

func (m *mesh) ID() uint32     { return m.id }
func (t *texture) ID() uint32  { return t.id }
func (u *uniforms) ID() uint32 { return u.id }

func spawn[T any](a pxmem.Allocator, v T) (*pxmem.Ptr[resource], error) {
	p, err := pxmem.MakePtr(a, v)
	if err != nil {
		return nil, err
	}
	defer p.Release()
	return pxmem.Cast[resource](p)
}

type drawCmd struct {
	resource uint32
	frame    uint32
}

type BenchResult struct {
	Frames      int             `json:"frames"`
	Created     int             `json:"created"`
	Failed      int             `json:"failed"`
	Retired     int             `json:"retired"`
	Overflowed  int             `json:"overflowed"`
	Scheduled   int             `json:"scheduled"`
	PeakPending int             `json:"peak_pending"`
	DrawCmds    int             `json:"draw_cmds"`
	PeakScratch uint            `json:"peak_scratch_bytes"`
	ByKind      map[string]int  `json:"by_kind"`
	PeakUsed    uint            `json:"peak_used_bytes"`
	AverageUsed uint            `json:"average_used_bytes"`
	Elapsed     string          `json:"elapsed"`
	Final       pxmem.PoolStats `json:"final"`
}

var kindNames = [...]string{"mesh", "texture", "uniforms"}

func runBench(w io.Writer, opts benchOptions) error {
	if opts.frames <= 0 || opts.perFrame < 0 || opts.lifetime <= 0 {
		return errors.New("frames and lifetime must be positive, per-frame non-negative")
	}

	pool, err := newArena()
	if err != nil {
		return fmt.Errorf("failed to create arena: %w", err)
	}
	defer pool.Close()

	queue, err := pxmem.NewRetireQueue(pool, opts.perFrame*(opts.latency+1), opts.latency)
	if err != nil {
		return fmt.Errorf("failed to create retire queue: %w", err)
	}
	defer queue.Close()

	transient, err := pxmem.NewFrameArena(nil, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to create frame arena: %w", err)
	}
	defer transient.Close()

	// bookkeeping stays off the arena being measured
	usage, err := pxmem.NewArray[uint64](nil)
	if err != nil {
		return err
	}
	defer usage.Release()
	kinds, err := pxmem.NewHashMap[uint32, uint32](nil, nil)
	if err != nil {
		return err
	}
	defer kinds.Release()

	// expiry nodes come out of the measured arena, deadlines are at most
	// lifetime frames ahead
	wheel := newExpiryWheel(pool, opts.lifetime+1)
	defer wheel.drain()

	var (
		rnd    = rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
		live   []*pxmem.Ptr[resource]
		vacant []uint32
		result = BenchResult{Frames: opts.frames, ByKind: make(map[string]int)}
		nextID uint32
	)
	start := time.Now()
	for frame := range opts.frames {
		for range opts.perFrame {
			nextID++
			kind := uint32(rnd.IntN(len(kindNames)))
			var (
				h   *pxmem.Ptr[resource]
				err error
			)
			switch kind {
			case 0:
				h, err = spawn(pool, mesh{id: nextID, vertices: uint32(rnd.IntN(1 << 16))})
			case 1:
				h, err = spawn(pool, texture{id: nextID, width: 16, height: 16})
			default:
				h, err = spawn(pool, uniforms{id: nextID, frame: uint32(frame)})
			}
			if errors.Is(err, pxmem.ErrOutOfMemory) {
				result.Failed++
				continue
			} else if err != nil {
				return err
			}
			var slot uint32
			if k := len(vacant); k > 0 {
				slot, vacant = vacant[k-1], vacant[:k-1]
				live[slot] = h
			} else {
				slot = uint32(len(live))
				live = append(live, h)
			}
			if !wheel.schedule(frame+1+rnd.IntN(opts.lifetime), slot) {
				live[slot] = nil
				vacant = append(vacant, slot)
				h.Release()
				result.Failed++
				continue
			}
			n, _ := kinds.Get(kind)
			if err := kinds.Put(kind, n+1); err != nil {
				return err
			}
			result.Created++
		}

		cmds, err := pxmem.NewArray[drawCmd](transient)
		if err != nil {
			return err
		}
		for _, h := range live {
			if h == nil {
				continue
			}
			if err := cmds.Push(drawCmd{resource: h.Must().ID(), frame: uint32(frame)}); err != nil {
				return err
			}
		}
		result.DrawCmds += cmds.Len()
		result.PeakScratch = max(result.PeakScratch, transient.Used())
		cmds.Release()
		transient.Reset()

		wheel.expire(frame, func(slot uint32) {
			h := live[slot]
			live[slot] = nil
			vacant = append(vacant, slot)
			result.Retired++
			if err := queue.Retire(h); errors.Is(err, pxmem.ErrQueueFull) {
				result.Overflowed++
				h.Release()
			}
		})
		queue.Advance()

		used := pool.Stats().UsedBytes
		result.PeakUsed = max(result.PeakUsed, used)
		if err := usage.Push(uint64(used)); err != nil {
			return err
		}
	}
	for _, h := range live {
		if h != nil {
			h.Release()
		}
	}
	wheel.drain()
	queue.Flush()
	result.Scheduled, result.PeakPending = wheel.total, wheel.peak
	result.Elapsed = time.Since(start).String()

	if err := pool.Check(); err != nil {
		return fmt.Errorf("arena corrupted: %w", err)
	}

	var total uint64
	for _, u := range usage.Slice() {
		total += u
	}
	result.AverageUsed = uint(total / uint64(usage.Len()))
	kinds.Range(func(k, n uint32) bool {
		result.ByKind[kindNames[k]] = int(n)
		return true
	})
	result.Final = pool.Stats()

	if jsonOut {
		return printJSON(w, result)
	}
	fmt.Fprintf(w, "frames:       %d\n", result.Frames)
	fmt.Fprintf(w, "created:      %d (failed %d)\n", result.Created, result.Failed)
	for _, name := range kindNames {
		fmt.Fprintf(w, "  %-10s  %d\n", name, result.ByKind[name])
	}
	fmt.Fprintf(w, "retired:      %d (overflowed %d)\n", result.Retired, result.Overflowed)
	fmt.Fprintf(w, "expiries:     %d scheduled (peak %d pending)\n", result.Scheduled, result.PeakPending)
	fmt.Fprintf(w, "draw cmds:    %d (peak scratch %d bytes)\n", result.DrawCmds, result.PeakScratch)
	fmt.Fprintf(w, "peak used:    %d bytes\n", result.PeakUsed)
	fmt.Fprintf(w, "average used: %d bytes\n", result.AverageUsed)
	fmt.Fprintf(w, "elapsed:      %s\n", result.Elapsed)
	fmt.Fprintf(w, "final:        %d free bytes in %d blocks, %d used blocks\n",
		result.Final.FreeBytes, result.Final.FreeBlocks, result.Final.UsedBlocks)
	return nil
}
