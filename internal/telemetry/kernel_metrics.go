package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// NoopMeter is used by subsystems constructed without telemetry.
func NoopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter("")
}

// FreePageReporter exposes per-CPU free pool sizes to the free-pages gauge.
type FreePageReporter interface {
	NCPU() int
	FreeCount(cpu int) int
}

// AllocatorMetrics holds all the metric instruments for the page allocator.
type AllocatorMetrics struct {
	AllocsCounter      metric.Int64Counter
	FreesCounter       metric.Int64Counter
	StealsCounter      metric.Int64Counter
	OutOfMemoryCounter metric.Int64Counter
	FreePagesGauge     metric.Int64ObservableGauge
}

// NewAllocatorMetrics creates and registers all the metrics for the page
// allocator. reporter may be nil, in which case no gauge callback is wired.
func NewAllocatorMetrics(meter metric.Meter, reporter FreePageReporter) (*AllocatorMetrics, error) {
	allocs, err := meter.Int64Counter(
		"gojokern.kalloc.allocs_total",
		metric.WithDescription("Total number of pages handed out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	frees, err := meter.Int64Counter(
		"gojokern.kalloc.frees_total",
		metric.WithDescription("Total number of pages returned to a free pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	steals, err := meter.Int64Counter(
		"gojokern.kalloc.steals_total",
		metric.WithDescription("Allocations satisfied from another CPU's pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	oom, err := meter.Int64Counter(
		"gojokern.kalloc.out_of_memory_total",
		metric.WithDescription("Allocations that found every pool empty."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	var opts []metric.Int64ObservableGaugeOption
	opts = append(opts,
		metric.WithDescription("Free pages per CPU pool."),
		metric.WithUnit("1"),
	)
	if reporter != nil {
		opts = append(opts, metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for cpu := 0; cpu < reporter.NCPU(); cpu++ {
				o.Observe(int64(reporter.FreeCount(cpu)), metric.WithAttributes(attribute.Int("cpu", cpu)))
			}
			return nil
		}))
	}
	freePages, err := meter.Int64ObservableGauge("gojokern.kalloc.free_pages", opts...)
	if err != nil {
		return nil, err
	}

	return &AllocatorMetrics{
		AllocsCounter:      allocs,
		FreesCounter:       frees,
		StealsCounter:      steals,
		OutOfMemoryCounter: oom,
		FreePagesGauge:     freePages,
	}, nil
}

// CacheMetrics holds all the metric instruments for the buffer cache.
type CacheMetrics struct {
	HitsCounter          metric.Int64Counter
	MissesCounter        metric.Int64Counter
	EvictionsCounter     metric.Int64Counter
	SkippedShardsCounter metric.Int64Counter
	RestartsCounter      metric.Int64Counter
	DeviceReadsCounter   metric.Int64Counter
	DeviceWritesCounter  metric.Int64Counter
}

// NewCacheMetrics creates and registers all the metrics for the buffer cache.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	m := &CacheMetrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HitsCounter, "gojokern.bcache.hits_total", "Lookups answered by the home shard."},
		{&m.MissesCounter, "gojokern.bcache.misses_total", "Lookups that had to evict a buffer."},
		{&m.EvictionsCounter, "gojokern.bcache.evictions_total", "Buffers repurposed for a new block."},
		{&m.SkippedShardsCounter, "gojokern.bcache.skipped_shards_total", "Foreign shards skipped during an eviction scan because they were locked."},
		{&m.RestartsCounter, "gojokern.bcache.restarts_total", "Lookups restarted after a scan found no victim in the shards it could lock."},
		{&m.DeviceReadsCounter, "gojokern.bcache.device_reads_total", "Blocks read from the device."},
		{&m.DeviceWritesCounter, "gojokern.bcache.device_writes_total", "Blocks written to the device."},
	} {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}
	return m, nil
}
