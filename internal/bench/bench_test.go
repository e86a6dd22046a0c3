package bench

import (
	"context"
	"testing"

	"github.com/fxnlabs/rdna/internal/gpu"
	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRunner(t *testing.T, capacity uint64, events *memory.EventCounter) (*Runner, *memory.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	devices, err := gpu.NewManager(gpu.Options{Backend: gpu.BackendHost, HostDevices: 1, HostCapacity: capacity}, logger)
	require.NoError(t, err)

	var opts []memory.Option
	if events != nil {
		opts = append(opts, memory.WithStreamTracker(events))
	}
	mem := memory.NewManager(devices.Store, devices, memory.DefaultConfig(), logger, opts...)
	t.Cleanup(func() {
		assert.NoError(t, mem.Close())
		assert.NoError(t, devices.Cleanup())
	})
	return NewRunner(devices, mem, events, logger), mem
}

func TestRunner_Run(t *testing.T) {
	events := memory.NewEventCounter()
	runner, mem := newRunner(t, 16<<20, events)

	res, err := runner.Run(context.Background(), Options{
		Workers:    4,
		Iterations: 100,
		MinSize:    1 << 10,
		MaxSize:    64 << 10,
		Streams:    true,
		Verify:     true,
		Seed:       7,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(400), res.Allocations)
	assert.Zero(t, res.OutOfMemory)
	assert.GreaterOrEqual(t, res.Bytes, uint64(400<<10))

	stats, err := mem.Stats(0)
	require.NoError(t, err)
	assert.Zero(t, stats.AllocatedBytes)
	assert.Zero(t, stats.PendingBytes)
	assert.Equal(t, uint64(400), stats.TotalAllocations)
	assert.Equal(t, uint64(400), stats.TotalFrees)
	assert.Equal(t, stats.GrantedBytes, stats.CachedBytes+stats.ReleasedBytes)
}

func TestRunner_OutOfMemory(t *testing.T) {
	runner, _ := newRunner(t, 64<<10, nil)

	res, err := runner.Run(context.Background(), Options{
		Workers:    1,
		Iterations: 5,
		MinSize:    1 << 20,
		MaxSize:    1 << 20,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Allocations)
	assert.Equal(t, uint64(5), res.OutOfMemory)
}

func TestRunner_Cancelled(t *testing.T) {
	runner, _ := newRunner(t, 16<<20, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, Options{Workers: 2, Iterations: 10, MinSize: 1024, MaxSize: 1024})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_InvalidOptions(t *testing.T) {
	runner, _ := newRunner(t, 16<<20, nil)

	testCases := []struct {
		name string
		opts Options
	}{
		{"no workers", Options{Iterations: 1, MinSize: 1, MaxSize: 1}},
		{"no iterations", Options{Workers: 1, MinSize: 1, MaxSize: 1}},
		{"zero size", Options{Workers: 1, Iterations: 1}},
		{"inverted range", Options{Workers: 1, Iterations: 1, MinSize: 10, MaxSize: 5}},
		{"streams without events", Options{Workers: 1, Iterations: 1, MinSize: 1, MaxSize: 1, Streams: true}},
		{"unknown device", Options{Device: 3, Workers: 1, Iterations: 1, MinSize: 1, MaxSize: 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runner.Run(context.Background(), tc.opts)
			assert.Error(t, err)
		})
	}
}
