// Command gojokern_sim boots the page allocator and buffer cache and drives
// them with one worker goroutine per simulated CPU.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojokern/config"
	"github.com/sushant-115/gojokern/core/kalloc"
	"github.com/sushant-115/gojokern/core/kerr"
	"github.com/sushant-115/gojokern/internal/cpuid"
	"github.com/sushant-115/gojokern/internal/kernel"
	"github.com/sushant-115/gojokern/pkg/logger"
	"github.com/sushant-115/gojokern/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file (defaults are used when empty)")
	duration   = flag.Duration("duration", 5*time.Second, "How long to run the workload")
	nblocks    = flag.Uint("blocks", 64, "Number of distinct blocks the workers touch")
	maxHeld    = flag.Int("max_pages", 16, "Pages each worker holds before it starts freeing")
)

type workerStats struct {
	allocs, frees, oom, reads, writes uint64
}

func main() {
	flag.Parse()
	if *nblocks == 0 || *maxHeld < 0 {
		fmt.Fprintln(os.Stderr, "-blocks must be positive and -max_pages must not be negative")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	runID := uuid.New().String()
	zlogger, err := logger.New(cfg.Logger, zap.String("run_id", runID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()

	k, err := kernel.Boot(cfg, zlogger, tel.Meter)
	if err != nil {
		zlogger.Fatal("Failed to boot kernel core", zap.Error(err))
	}
	defer func() {
		if err := k.Shutdown(); err != nil {
			zlogger.Error("Failed to shut down kernel core", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	ctx, span := tel.Tracer.Start(ctx, "gojokern.sim.workload")
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.Int("ncpu", cfg.Kalloc.NCPU),
		attribute.Int("nbuf", cfg.Bcache.NBuf),
	)

	zlogger.Info("Starting workload",
		zap.Duration("duration", *duration),
		zap.Uint("blocks", *nblocks),
		zap.Int("workers", cfg.Kalloc.NCPU),
		zap.Int("online_cpus", cpuid.Online()),
	)

	start := time.Now()
	stats := make([]workerStats, cfg.Kalloc.NCPU)
	g, gctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < cfg.Kalloc.NCPU; cpu++ {
		g.Go(func() error {
			return kerr.Recover(func() { runWorker(gctx, k, cpu, &stats[cpu]) })
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		zlogger.Error("Workload halted", zap.Error(err))
		return
	}
	span.End()

	var total workerStats
	for _, s := range stats {
		total.allocs += s.allocs
		total.frees += s.frees
		total.oom += s.oom
		total.reads += s.reads
		total.writes += s.writes
	}
	cs := k.Cache.Stats()
	zlogger.Info("Workload finished", zap.Duration("elapsed", elapsed))

	fmt.Printf("run %s: %d CPUs for %s\n", runID, cfg.Kalloc.NCPU, elapsed.Round(time.Millisecond))
	fmt.Printf("  kalloc: %d allocs, %d frees, %d out-of-memory, %d pages free\n",
		total.allocs, total.frees, total.oom, k.Alloc.TotalFree())
	for cpu := 0; cpu < k.Alloc.NCPU(); cpu++ {
		fmt.Printf("    cpu %d: %d free\n", cpu, k.Alloc.FreeCount(cpu))
	}
	fmt.Printf("  bcache: %d reads, %d writes, %d hits, %d misses, %d evictions, %d skipped shards, %d restarts\n",
		total.reads, total.writes, cs.Hits, cs.Misses, cs.Evictions, cs.SkippedShards, cs.Restarts)
	fmt.Printf("  disk:   %d device reads, %d device writes, tick %d\n", cs.DeviceReads, cs.DeviceWrites, k.Ticks.Now())
}

// runWorker alternates page churn with a read-modify-write of a random
// block until ctx is done. Each block holds a counter in its first 8 bytes.
func runWorker(ctx context.Context, k *kernel.Kernel, cpu int, st *workerStats) {
	rng := rand.New(rand.NewPCG(uint64(cpu), uint64(time.Now().UnixNano())))
	var held []kalloc.PhysAddr
	defer func() {
		for _, pa := range held {
			k.Alloc.Free(cpu, pa)
			st.frees++
		}
	}()

	for ctx.Err() == nil {
		if len(held) < *maxHeld && rng.IntN(3) != 0 {
			pa, err := k.Alloc.Alloc(cpu)
			switch {
			case errors.Is(err, kerr.ErrOutOfMemory):
				st.oom++
			case err == nil:
				held = append(held, pa)
				st.allocs++
			}
		} else if len(held) > 0 {
			i := rng.IntN(len(held))
			k.Alloc.Free(cpu, held[i])
			held[i] = held[len(held)-1]
			held = held[:len(held)-1]
			st.frees++
		}

		blockno := uint32(rng.UintN(*nblocks))
		b := k.Cache.Read(0, blockno)
		st.reads++
		if data := b.Data(); len(data) >= 8 {
			binary.LittleEndian.PutUint64(data, binary.LittleEndian.Uint64(data)+1)
			k.Cache.Write(b)
			st.writes++
		}
		k.Cache.Release(b)
	}
}
