// Package report renders allocator snapshots for people: a memory summary
// and fragmentation figures for the cache.
package report

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/fxnlabs/rdna/internal/memory"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Fragmentation describes how the cache is split up.
type Fragmentation struct {
	CachedBlocks int     `json:"cachedBlocks"`
	MeanSize     float64 `json:"meanSize"`
	StdDevSize   float64 `json:"stdDevSize"`
	LargestBlock uint64  `json:"largestBlock"`
	// Ratio is 1 - largest/total over cached bytes: 0 when the cache is one
	// block, approaching 1 as it shatters.
	Ratio float64 `json:"ratio"`
}

// Summary is the memory report of one device.
type Summary struct {
	Device        int           `json:"device"`
	Stats         memory.Stats  `json:"stats"`
	TotalMemory   uint64        `json:"totalMemory"`
	FreeMemory    uint64        `json:"freeMemory"`
	UsedMemory    uint64        `json:"usedMemory"`
	Fragmentation Fragmentation `json:"fragmentation"`
}

// Build combines an allocator snapshot with the device's memory figures.
func Build(snap memory.Snapshot, total, free uint64) Summary {
	used := uint64(0)
	if total > free {
		used = total - free
	}
	return Summary{
		Device:        snap.Device,
		Stats:         snap.Stats,
		TotalMemory:   total,
		FreeMemory:    free,
		UsedMemory:    used,
		Fragmentation: ComputeFragmentation(snap.Blocks),
	}
}

// ComputeFragmentation summarizes the cached blocks among blocks.
func ComputeFragmentation(blocks []memory.BlockInfo) Fragmentation {
	var sizes []float64
	for _, b := range blocks {
		if b.State == "cached" {
			sizes = append(sizes, float64(b.Size))
		}
	}
	if len(sizes) == 0 {
		return Fragmentation{}
	}

	f := Fragmentation{
		CachedBlocks: len(sizes),
		LargestBlock: uint64(floats.Max(sizes)),
	}
	f.MeanSize, f.StdDevSize = stat.PopMeanStdDev(sizes, nil)
	if total := floats.Sum(sizes); total > 0 {
		f.Ratio = 1 - floats.Max(sizes)/total
	}
	return f
}

// String renders the summary as indented text.
func (s Summary) String() string {
	var b strings.Builder
	line := func(label string, bytes uint64) {
		fmt.Fprintf(&b, "  %-15s %s\n", label+":", units.BytesSize(float64(bytes)))
	}

	fmt.Fprintf(&b, "Memory Summary (Device %d):\n", s.Device)
	line("Allocated", s.Stats.AllocatedBytes)
	line("Cached", s.Stats.CachedBytes)
	if s.Stats.PendingBytes > 0 {
		line("Pending", s.Stats.PendingBytes)
	}
	line("Reserved", s.Stats.ReservedBytes)
	line("Total Device", s.TotalMemory)
	line("Free Device", s.FreeMemory)
	line("Used Device", s.UsedMemory)
	line("Max Allocated", s.Stats.MaxAllocatedBytes)
	fmt.Fprintf(&b, "  %-15s %d allocations, %d frees, %d cache hits, %d evictions\n",
		"Activity:", s.Stats.TotalAllocations, s.Stats.TotalFrees, s.Stats.CacheHits, s.Stats.Evictions)
	if f := s.Fragmentation; f.CachedBlocks > 0 {
		fmt.Fprintf(&b, "  %-15s %d blocks, largest %s, mean %s, ratio %.2f\n",
			"Fragmentation:", f.CachedBlocks, units.BytesSize(float64(f.LargestBlock)),
			units.BytesSize(f.MeanSize), f.Ratio)
	}
	return b.String()
}
