// Package kernel boots the page allocator, tick counter, block device and
// buffer cache from a config.Config. Both commands share it.
package kernel

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojokern/config"
	"github.com/sushant-115/gojokern/core/bcache"
	"github.com/sushant-115/gojokern/core/disk"
	"github.com/sushant-115/gojokern/core/kalloc"
	"github.com/sushant-115/gojokern/core/ticks"
	"github.com/sushant-115/gojokern/internal/cpuid"
	internaltelemetry "github.com/sushant-115/gojokern/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BootCPU receives every free page at boot.
const BootCPU = 0

// Kernel holds the booted subsystems.
type Kernel struct {
	Config config.Config
	Mem    *kalloc.PhysMem
	Alloc  *kalloc.Allocator
	Ticks  *ticks.Counter
	Disk   *disk.FileDisk
	Cache  *bcache.Cache

	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// Boot brings up every subsystem and starts the tick goroutine. A nil meter
// disables metrics. Call Shutdown to stop the ticks and close the disk.
func Boot(cfg config.Config, logger *zap.Logger, meter metric.Meter) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = internaltelemetry.NoopMeter()
	}

	mem, err := kalloc.NewPhysMem(kalloc.PhysAddr(cfg.Kalloc.MemBase), cfg.Kalloc.MemSize, cfg.Kalloc.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create physical memory: %w", err)
	}
	ncpu := cfg.Kalloc.NCPU
	alloc, err := kalloc.New(mem, ncpu,
		kalloc.WithLogger(logger.Named("kalloc")),
		kalloc.WithMeter(meter),
		kalloc.WithCPUFunc(func() int { return cpuid.Clamp(cpuid.Current(), ncpu) }),
	)
	if err != nil {
		return nil, err
	}
	if err := alloc.Init(BootCPU, mem.Base(), mem.End()); err != nil {
		return nil, err
	}

	dev, err := disk.NewFileDisk(cfg.Disk.Dir, cfg.Bcache.BlockSize,
		disk.WithBandwidth(cfg.Disk.BytesPerSec),
		disk.WithDiskLogger(logger.Named("disk")),
	)
	if err != nil {
		return nil, err
	}

	clock := ticks.NewCounter(0)
	cache, err := bcache.New(dev, clock, cfg.Bcache,
		bcache.WithLogger(logger.Named("bcache")),
		bcache.WithMeter(meter),
	)
	if err != nil {
		dev.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		Config: cfg,
		Mem:    mem,
		Alloc:  alloc,
		Ticks:  clock,
		Disk:   dev,
		Cache:  cache,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(k.done)
		clock.Run(ctx, cfg.Ticks.Interval)
	}()

	logger.Info("Kernel core booted",
		zap.Int("ncpu", ncpu),
		zap.Int("free_pages", alloc.TotalFree()),
		zap.Int("nbuf", cfg.Bcache.NBuf),
		zap.Int("nshards", cfg.Bcache.NShards),
		zap.String("disk_dir", cfg.Disk.Dir),
	)
	return k, nil
}

// Shutdown stops the tick goroutine and syncs and closes the disk.
func (k *Kernel) Shutdown() error {
	k.cancel()
	<-k.done
	if err := k.Disk.Close(); err != nil {
		return fmt.Errorf("failed to close disk: %w", err)
	}
	k.logger.Info("Kernel core shut down", zap.Uint64("ticks", k.Ticks.Now()))
	return nil
}
