// Package bcache is the buffer cache: a fixed pool of disk block buffers
// split into independently locked shards. A block's home shard is chosen by
// block number; a miss evicts the least recently used unreferenced buffer
// from any shard it can lock without waiting, judged by a global tick.
//
// Interface:
//   - Read returns a locked buffer holding the block's contents.
//   - After changing the data, call Write to push it to the device.
//   - Call Release when done; do not touch the buffer afterwards.
//   - Pin/Unpin keep a buffer cached across several Read/Release cycles.
package bcache

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sushant-115/gojokern/core/kerr"
	"github.com/sushant-115/gojokern/core/klock"
	internaltelemetry "github.com/sushant-115/gojokern/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	// DefaultNBuf is the size of the buffer pool.
	DefaultNBuf = 30
	// DefaultNShards is the number of hash shards. A prime spreads
	// sequential block numbers evenly.
	DefaultNShards = 13
	// DefaultBlockSize is the size of a disk block in bytes.
	DefaultBlockSize = 1024
)

// BlockDevice is the disk driver. Both calls block until the transfer is
// done. The cache treats any error as fatal.
type BlockDevice interface {
	ReadBlock(dev, blockno uint32, data []byte) error
	WriteBlock(dev, blockno uint32, data []byte) error
}

// Clock is the global recency tick source.
type Clock interface {
	Now() uint64
}

// Config sizes the cache.
type Config struct {
	NBuf      int `yaml:"nbuf"`
	NShards   int `yaml:"nshards"`
	BlockSize int `yaml:"block_size"`
}

// DefaultConfig returns the stock pool geometry.
func DefaultConfig() Config {
	return Config{NBuf: DefaultNBuf, NShards: DefaultNShards, BlockSize: DefaultBlockSize}
}

// Validate checks the geometry.
func (c Config) Validate() error {
	if c.NBuf <= 0 {
		return fmt.Errorf("nbuf must be positive, got %d", c.NBuf)
	}
	if c.NShards <= 0 {
		return fmt.Errorf("nshards must be positive, got %d", c.NShards)
	}
	if c.NShards > c.NBuf {
		return fmt.Errorf("nshards (%d) must not exceed nbuf (%d)", c.NShards, c.NBuf)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockSize)
	}
	return nil
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	SkippedShards uint64
	Restarts      uint64
	DeviceReads   uint64
	DeviceWrites  uint64
}

// Cache is the sharded buffer cache.
type Cache struct {
	cfg    Config
	dev    BlockDevice
	clock  Clock
	bufs   []Buffer
	shards []shard

	logger  *zap.Logger
	meter   metric.Meter
	metrics *internaltelemetry.CacheMetrics

	hits, misses, evictions, skipped, restarts, reads, writes atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMeter records cache metrics on m.
func WithMeter(m metric.Meter) Option {
	return func(c *Cache) { c.meter = m }
}

// New builds the buffer pool and deals the buffers round-robin across the shards.
func New(dev BlockDevice, clock Clock, cfg Config, opts ...Option) (*Cache, error) {
	if dev == nil {
		return nil, fmt.Errorf("bcache: block device cannot be nil")
	}
	if clock == nil {
		return nil, fmt.Errorf("bcache: clock cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bcache: %w", err)
	}

	c := &Cache{
		cfg:    cfg,
		dev:    dev,
		clock:  clock,
		bufs:   make([]Buffer, cfg.NBuf),
		shards: make([]shard, cfg.NShards),
		logger: zap.NewNop(),
		meter:  internaltelemetry.NoopMeter(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := range c.shards {
		c.shards[i] = shard{
			lock: klock.NewSpinlock(fmt.Sprintf("bcache_%d", i)),
			head: nilSlot,
			tail: nilSlot,
		}
	}
	// One contiguous allocation backs every payload.
	payload := make([]byte, cfg.NBuf*cfg.BlockSize)
	for i := range c.bufs {
		b := &c.bufs[i]
		b.slot = i
		b.lock = klock.NewSleepLock("buffer")
		b.data = payload[i*cfg.BlockSize : (i+1)*cfg.BlockSize : (i+1)*cfg.BlockSize]
		id := i % cfg.NShards
		c.shards[id].pushFront(c.bufs, i, id)
	}

	metrics, err := internaltelemetry.NewCacheMetrics(c.meter)
	if err != nil {
		return nil, fmt.Errorf("bcache: failed to create metrics: %w", err)
	}
	c.metrics = metrics

	c.logger.Info("Buffer cache initialized",
		zap.Int("nbuf", cfg.NBuf),
		zap.Int("nshards", cfg.NShards),
		zap.Int("block_size", cfg.BlockSize),
	)
	return c, nil
}

// Config returns the cache geometry.
func (c *Cache) Config() Config { return c.cfg }

func (c *Cache) home(blockno uint32) int {
	return int(blockno % uint32(len(c.shards)))
}

// Get returns the buffer for (dev, blockno) with its block lock held. The
// buffer may not hold the block's contents yet; see Read.
func (c *Cache) Get(dev, blockno uint32) *Buffer {
	for {
		if b := c.lookup(dev, blockno); b != nil {
			b.lock.Acquire()
			return b
		}
		// Every shard that might hold a victim was busy. Let the holders
		// finish and look again; the block may have been cached meanwhile.
		c.restarts.Add(1)
		c.metrics.RestartsCounter.Add(context.Background(), 1)
		runtime.Gosched()
	}
}

// lookup finds or recycles a buffer for (dev, blockno) and takes a reference
// on it. It returns nil when the eviction scan found no victim but had to
// skip a shard locked by someone else.
func (c *Cache) lookup(dev, blockno uint32) *Buffer {
	homeID := c.home(blockno)
	home := &c.shards[homeID]

	home.lock.Acquire()
	if slot := home.find(c.bufs, dev, blockno); slot != nilSlot {
		b := &c.bufs[slot]
		b.refcnt++
		b.lastUsed = c.clock.Now()
		home.lock.Release()
		c.hits.Add(1)
		c.metrics.HitsCounter.Add(context.Background(), 1)
		return b
	}

	// Not cached. Recycle the least recently used unreferenced buffer.
	// The home shard stays locked so nobody else can cache this block
	// while we look.
	victim, victimShard, skipped := c.findVictim(homeID)
	if victim == nilSlot {
		home.lock.Release()
		if skipped > 0 {
			return nil
		}
		kerr.Fatal(c.logger, "bcache", kerr.ErrNoBuffers,
			zap.Uint32("dev", dev), zap.Uint32("blockno", blockno), zap.Int("nbuf", len(c.bufs)))
	}

	b := &c.bufs[victim]
	if victimShard != homeID {
		c.shards[victimShard].unlink(c.bufs, victim)
		c.shards[victimShard].lock.Release()
		home.pushFront(c.bufs, victim, homeID)
	} else {
		home.moveToFront(c.bufs, victim, homeID)
	}
	if c.logger.Core().Enabled(zap.DebugLevel) {
		c.logger.Debug("Evicting buffer",
			zap.Int("slot", victim),
			zap.Bool("was_assigned", b.assigned),
			zap.Uint32("old_dev", b.dev),
			zap.Uint32("old_blockno", b.blockno),
			zap.Uint32("dev", dev),
			zap.Uint32("blockno", blockno),
			zap.Int("from_shard", victimShard),
			zap.Int("to_shard", homeID),
		)
	}
	b.dev = dev
	b.blockno = blockno
	b.assigned = true
	b.valid.Store(false)
	b.refcnt = 1
	b.lastUsed = c.clock.Now()
	home.lock.Release()

	c.misses.Add(1)
	c.evictions.Add(1)
	c.metrics.MissesCounter.Add(context.Background(), 1)
	c.metrics.EvictionsCounter.Add(context.Background(), 1)
	return b
}

// findVictim scans the home shard (already locked by the caller) and then
// every other shard in rotation order for the unreferenced buffer with the
// oldest tick. A foreign shard whose lock is taken is skipped, never waited
// on: two goroutines evicting towards each other's home shards would
// otherwise deadlock. On return the victim's shard is still locked; every
// other foreign shard has been released.
func (c *Cache) findVictim(homeID int) (victim, victimShard, skipped int) {
	victim, victimShard = nilSlot, -1
	var bestTick uint64

	if slot := c.shards[homeID].oldestFree(c.bufs, 0, false); slot != nilSlot {
		victim, victimShard = slot, homeID
		bestTick = c.bufs[slot].lastUsed
	}

	n := len(c.shards)
	for i := 1; i < n; i++ {
		id := (homeID + i) % n
		s := &c.shards[id]
		if s.lock.Holding() {
			continue
		}
		if !s.lock.TryAcquire() {
			skipped++
			continue
		}
		slot := s.oldestFree(c.bufs, bestTick, victim != nilSlot)
		if slot == nilSlot {
			s.lock.Release()
			continue
		}
		if victimShard != -1 && victimShard != homeID {
			c.shards[victimShard].lock.Release()
		}
		victim, victimShard = slot, id
		bestTick = c.bufs[slot].lastUsed
	}

	if skipped > 0 {
		c.skipped.Add(uint64(skipped))
		c.metrics.SkippedShardsCounter.Add(context.Background(), int64(skipped))
	}
	return victim, victimShard, skipped
}

// Read returns a locked buffer holding the contents of (dev, blockno),
// reading it from the device if it is not cached.
func (c *Cache) Read(dev, blockno uint32) *Buffer {
	b := c.Get(dev, blockno)
	if !b.valid.Load() {
		if err := c.dev.ReadBlock(b.dev, b.blockno, b.data); err != nil {
			kerr.Fatal(c.logger, "bcache", fmt.Errorf("%w: %v", kerr.ErrDeviceIO, err),
				zap.String("op", "read"), zap.Uint32("dev", dev), zap.Uint32("blockno", blockno))
		}
		b.valid.Store(true)
		c.reads.Add(1)
		c.metrics.DeviceReadsCounter.Add(context.Background(), 1)
	}

	home := &c.shards[c.home(b.blockno)]
	home.lock.Acquire()
	b.lastUsed = c.clock.Now()
	home.lock.Release()
	return b
}

// Write writes b's contents to the device. The caller must hold b's block
// lock; the lock and metadata are left as they are.
func (c *Cache) Write(b *Buffer) {
	if !b.lock.Holding() {
		kerr.Fatal(c.logger, "bcache", kerr.ErrNotHolder,
			zap.String("op", "write"), zap.Uint32("dev", b.dev), zap.Uint32("blockno", b.blockno))
	}
	if err := c.dev.WriteBlock(b.dev, b.blockno, b.data); err != nil {
		kerr.Fatal(c.logger, "bcache", fmt.Errorf("%w: %v", kerr.ErrDeviceIO, err),
			zap.String("op", "write"), zap.Uint32("dev", b.dev), zap.Uint32("blockno", b.blockno))
	}
	c.writes.Add(1)
	c.metrics.DeviceWritesCounter.Add(context.Background(), 1)
}

// Release unlocks b and drops the caller's reference. A buffer nobody
// references any more moves to the most recently used end of its shard.
func (c *Cache) Release(b *Buffer) {
	if !b.lock.Holding() {
		kerr.Fatal(c.logger, "bcache", kerr.ErrNotHolder,
			zap.String("op", "release"), zap.Uint32("dev", b.dev), zap.Uint32("blockno", b.blockno))
	}
	b.lock.Release()

	homeID := c.home(b.blockno)
	home := &c.shards[homeID]
	home.lock.Acquire()
	if b.refcnt <= 0 {
		home.lock.Release()
		kerr.Fatal(c.logger, "bcache", kerr.ErrRefcountUnderflow,
			zap.String("op", "release"), zap.Uint32("dev", b.dev), zap.Uint32("blockno", b.blockno))
	}
	b.refcnt--
	b.lastUsed = c.clock.Now()
	if b.refcnt == 0 {
		home.moveToFront(c.bufs, b.slot, homeID)
	}
	home.lock.Release()
}

// Pin takes an extra reference on b so it cannot be evicted, without
// touching the block lock.
func (c *Cache) Pin(b *Buffer) {
	home := &c.shards[c.home(b.blockno)]
	home.lock.Acquire()
	b.refcnt++
	home.lock.Release()
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(b *Buffer) {
	home := &c.shards[c.home(b.blockno)]
	home.lock.Acquire()
	if b.refcnt <= 0 {
		home.lock.Release()
		kerr.Fatal(c.logger, "bcache", kerr.ErrRefcountUnderflow,
			zap.String("op", "unpin"), zap.Uint32("dev", b.dev), zap.Uint32("blockno", b.blockno))
	}
	b.refcnt--
	home.lock.Release()
}

// RefCount returns b's reference count. Meaningful while the caller holds
// a reference, since only then is b's home shard fixed.
func (c *Cache) RefCount(b *Buffer) int {
	home := &c.shards[c.home(b.blockno)]
	home.lock.Acquire()
	defer home.lock.Release()
	return b.refcnt
}

// LastUsed returns b's recency tick, with the same caveat as RefCount.
func (c *Cache) LastUsed(b *Buffer) uint64 {
	home := &c.shards[c.home(b.blockno)]
	home.lock.Acquire()
	defer home.lock.Release()
	return b.lastUsed
}

// Snapshot copies every shard's list, most recently used first. Shards are
// locked one at a time, so the result is only consistent when the cache
// is quiescent.
func (c *Cache) Snapshot() [][]BufferInfo {
	out := make([][]BufferInfo, len(c.shards))
	for id := range c.shards {
		s := &c.shards[id]
		s.lock.Acquire()
		infos := make([]BufferInfo, 0, s.size)
		for slot := s.head; slot != nilSlot; slot = c.bufs[slot].next {
			infos = append(infos, c.bufs[slot].info())
		}
		s.lock.Release()
		out[id] = infos
	}
	return out
}

// Stats returns the cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		SkippedShards: c.skipped.Load(),
		Restarts:      c.restarts.Load(),
		DeviceReads:   c.reads.Load(),
		DeviceWrites:  c.writes.Load(),
	}
}
