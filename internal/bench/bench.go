// Package bench drives a synthetic allocation workload against a device.
//
// Each worker repeatedly allocates a block of random size, touches it through
// the device backend, and frees it. With streams enabled every worker owns a
// stream and frees are stream ordered, so blocks pass through the pending
// state before they are reused.
package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/rdna/internal/gpu"
	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/fxnlabs/rdna/internal/metrics"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// touchBytes bounds how much of each block is written and read back.
const touchBytes = 4096

// syncEvery is how many frees a worker issues before synchronizing its stream.
const syncEvery = 8

type Options struct {
	Device     int
	Workers    int
	Iterations int
	MinSize    uint64
	MaxSize    uint64
	// Streams gives each worker its own stream.
	Streams bool
	// Verify reads every written pattern back and compares it.
	Verify bool
	Seed   int64
}

func (o Options) validate() error {
	if o.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", o.Workers)
	}
	if o.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", o.Iterations)
	}
	if o.MinSize == 0 || o.MaxSize < o.MinSize {
		return fmt.Errorf("invalid size range [%d, %d]", o.MinSize, o.MaxSize)
	}
	return nil
}

// Result summarizes a run.
type Result struct {
	Allocations uint64
	OutOfMemory uint64
	Bytes       uint64
	Elapsed     time.Duration
}

// Runner issues workloads through a memory manager onto gpu backends.
type Runner struct {
	devices *gpu.Manager
	mem     *memory.Manager
	events  *memory.EventCounter
	logger  *zap.Logger
}

// NewRunner creates a runner. events must be the stream tracker mem's
// allocators were created with, or nil when streams are not used.
func NewRunner(devices *gpu.Manager, mem *memory.Manager, events *memory.EventCounter, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		devices: devices,
		mem:     mem,
		events:  events,
		logger:  logger.Named("bench"),
	}
}

// Run executes the workload and returns once every worker has finished or
// the first one failed.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	if opts.Streams && r.events == nil {
		return Result{}, errors.New("streams requested without an event counter")
	}
	backend, err := r.devices.Backend(opts.Device)
	if err != nil {
		return Result{}, err
	}
	a, err := r.mem.Allocator(opts.Device)
	if err != nil {
		return Result{}, err
	}

	var allocs, ooms, total atomic.Uint64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
			var stream memory.Stream
			if opts.Streams {
				stream = memory.Stream(w + 1)
			}
			pattern := bytes.Repeat([]byte{byte(w + 1)}, touchBytes)
			readback := make([]byte, touchBytes)

			for i := 0; i < opts.Iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				size := opts.MinSize
				if span := opts.MaxSize - opts.MinSize; span > 0 {
					size += uint64(rng.Int63n(int64(span) + 1))
				}

				t0 := time.Now()
				ptr, err := a.Allocate(size, memory.AllocOptions{Alignment: memory.DefaultAlignment, Stream: stream})
				metrics.BenchAllocateDuration.Observe(time.Since(t0).Seconds())
				if errors.Is(err, memory.ErrOutOfMemory) {
					metrics.BenchOperations.WithLabelValues("allocate", "oom").Inc()
					ooms.Add(1)
					if stream != 0 {
						r.events.Synchronize(stream)
						a.ProcessPending()
					}
					continue
				}
				if err != nil {
					metrics.BenchOperations.WithLabelValues("allocate", "error").Inc()
					return fmt.Errorf("worker %d: %w", w, err)
				}
				metrics.BenchOperations.WithLabelValues("allocate", "ok").Inc()
				allocs.Add(1)
				total.Add(size)

				if err := r.touch(backend, ptr, size, pattern, readback, opts.Verify); err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				if stream != 0 {
					r.events.Record(stream)
				}

				if err := a.Deallocate(ptr); err != nil {
					metrics.BenchOperations.WithLabelValues("free", "error").Inc()
					return fmt.Errorf("worker %d: %w", w, err)
				}
				metrics.BenchOperations.WithLabelValues("free", "ok").Inc()

				if stream != 0 && i%syncEvery == syncEvery-1 {
					r.events.Synchronize(stream)
				}
			}
			if stream != 0 {
				r.events.Synchronize(stream)
			}
			return nil
		})
	}
	err = g.Wait()
	a.ProcessPending()

	res := Result{
		Allocations: allocs.Load(),
		OutOfMemory: ooms.Load(),
		Bytes:       total.Load(),
		Elapsed:     time.Since(start),
	}
	r.logger.Info("bench finished",
		zap.Int("device", opts.Device),
		zap.Uint64("allocations", res.Allocations),
		zap.Uint64("oom", res.OutOfMemory),
		zap.Duration("elapsed", res.Elapsed),
		zap.Error(err))
	return res, err
}

// touch writes pattern over the head of the block and optionally reads it back.
func (r *Runner) touch(backend gpu.Backend, ptr memory.DevicePtr, size uint64, pattern, readback []byte, verify bool) error {
	n := size
	if n > touchBytes {
		n = touchBytes
	}
	if err := backend.Memset(ptr, 0, n); err != nil {
		return err
	}
	if err := backend.CopyFromHost(ptr, pattern[:n]); err != nil {
		return err
	}
	if !verify {
		return nil
	}
	if err := backend.CopyToHost(readback[:n], ptr); err != nil {
		return err
	}
	if !bytes.Equal(readback[:n], pattern[:n]) {
		return fmt.Errorf("readback mismatch at %s", ptr)
	}
	return nil
}
