package metrics

import (
	"strconv"

	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StatsSource lists devices and their allocator counters. memory.Manager
// implements it.
type StatsSource interface {
	Devices() []int
	Stats(device int) (memory.Stats, error)
}

type statDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(memory.Stats) uint64
}

// AllocatorCollector exports the counters of every allocator at scrape time.
type AllocatorCollector struct {
	source StatsSource
	logger *zap.Logger
	stats  []statDesc
}

var _ prometheus.Collector = (*AllocatorCollector)(nil)

func newStatDesc(name, help string, valueType prometheus.ValueType, value func(memory.Stats) uint64) statDesc {
	return statDesc{
		desc:      prometheus.NewDesc(prometheus.BuildFQName("rdna", "allocator", name), help, []string{"device"}, nil),
		valueType: valueType,
		value:     value,
	}
}

// NewAllocatorCollector creates a collector reading from source.
func NewAllocatorCollector(source StatsSource, logger *zap.Logger) *AllocatorCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	gauge, counter := prometheus.GaugeValue, prometheus.CounterValue
	return &AllocatorCollector{
		source: source,
		logger: logger.Named("metrics"),
		stats: []statDesc{
			newStatDesc("allocated_bytes", "Bytes held by live allocations", gauge,
				func(s memory.Stats) uint64 { return s.AllocatedBytes }),
			newStatDesc("allocated_blocks", "Number of live allocations", gauge,
				func(s memory.Stats) uint64 { return s.AllocatedBlocks }),
			newStatDesc("cached_bytes", "Bytes held in the cache", gauge,
				func(s memory.Stats) uint64 { return s.CachedBytes }),
			newStatDesc("cached_blocks", "Number of cache entries", gauge,
				func(s memory.Stats) uint64 { return s.CachedBlocks }),
			newStatDesc("pending_bytes", "Freed bytes waiting for their stream", gauge,
				func(s memory.Stats) uint64 { return s.PendingBytes }),
			newStatDesc("reserved_bytes", "Bytes currently held from the device driver", gauge,
				func(s memory.Stats) uint64 { return s.ReservedBytes }),
			newStatDesc("max_allocated_bytes", "High-water mark of allocated bytes", gauge,
				func(s memory.Stats) uint64 { return s.MaxAllocatedBytes }),
			newStatDesc("allocations_total", "Successful allocations", counter,
				func(s memory.Stats) uint64 { return s.TotalAllocations }),
			newStatDesc("frees_total", "Successful frees", counter,
				func(s memory.Stats) uint64 { return s.TotalFrees }),
			newStatDesc("cache_hits_total", "Allocations served from the cache", counter,
				func(s memory.Stats) uint64 { return s.CacheHits }),
			newStatDesc("evictions_total", "Cache entries released to the driver", counter,
				func(s memory.Stats) uint64 { return s.Evictions }),
			newStatDesc("backing_allocations_total", "Driver allocation calls", counter,
				func(s memory.Stats) uint64 { return s.BackingAllocations }),
			newStatDesc("backing_frees_total", "Driver free calls", counter,
				func(s memory.Stats) uint64 { return s.BackingFrees }),
			newStatDesc("protocol_violations_total", "Double frees and frees of unknown pointers", counter,
				func(s memory.Stats) uint64 { return s.ProtocolViolations }),
		},
	}
}

func (c *AllocatorCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

func (c *AllocatorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, device := range c.source.Devices() {
		stats, err := c.source.Stats(device)
		if err != nil {
			c.logger.Warn("failed to read allocator stats", zap.Int("device", device), zap.Error(err))
			continue
		}
		label := strconv.Itoa(device)
		for _, s := range c.stats {
			ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, float64(s.value(stats)), label)
		}
	}
}
