package kalloc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojokern/core/kerr"
	"github.com/sushant-115/gojokern/core/klock"
	"github.com/sushant-115/gojokern/internal/cpuid"
	internaltelemetry "github.com/sushant-115/gojokern/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	noFrame = -1

	frameAllocated uint32 = 0
	frameFree      uint32 = 1
)

// freePool is one CPU's free list. Links are frame indexes stored in
// Allocator.next; a frame is linked into at most one pool at a time.
type freePool struct {
	lock  *klock.Spinlock
	head  int
	count int
}

// Allocator hands out physical pages from per-CPU free pools.
type Allocator struct {
	mem   *PhysMem
	pools []freePool
	next  []int           // free-list link per frame, guarded by the lock of the pool holding the frame
	state []atomic.Uint32 // frameAllocated or frameFree

	// Managed range, fixed by Init. Free rejects anything outside it.
	lo, hi PhysAddr

	logger   *zap.Logger
	meter    metric.Meter
	metrics  *internaltelemetry.AllocatorMetrics
	cpu      cpuid.Func
	stealLog rate.Sometimes
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithMeter records allocator metrics on m.
func WithMeter(m metric.Meter) Option {
	return func(a *Allocator) { a.meter = m }
}

// WithCPUFunc overrides how AllocPage and FreePage find the current CPU.
func WithCPUFunc(f cpuid.Func) Option {
	return func(a *Allocator) { a.cpu = f }
}

// New creates an allocator over mem with one free pool per CPU. Every pool
// starts empty; call Init to populate it.
func New(mem *PhysMem, ncpu int, opts ...Option) (*Allocator, error) {
	if mem == nil {
		return nil, fmt.Errorf("kalloc: physical memory cannot be nil")
	}
	if ncpu <= 0 {
		return nil, fmt.Errorf("kalloc: ncpu must be positive, got %d", ncpu)
	}
	a := &Allocator{
		mem:      mem,
		pools:    make([]freePool, ncpu),
		next:     make([]int, mem.NumFrames()),
		state:    make([]atomic.Uint32, mem.NumFrames()),
		logger:   zap.NewNop(),
		meter:    internaltelemetry.NoopMeter(),
		cpu:      cpuid.Current,
		stealLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	for i := range a.pools {
		a.pools[i].lock = klock.NewSpinlock(fmt.Sprintf("kmem_%d", i))
		a.pools[i].head = noFrame
	}
	for i := range a.next {
		a.next[i] = noFrame
	}

	metrics, err := internaltelemetry.NewAllocatorMetrics(a.meter, a)
	if err != nil {
		return nil, fmt.Errorf("kalloc: failed to create metrics: %w", err)
	}
	a.metrics = metrics
	return a, nil
}

// Init frees every whole page in [start, end) into cpu's pool, rounding
// start up to a page boundary. It is called once, before any concurrent use.
func (a *Allocator) Init(cpu int, start, end PhysAddr) error {
	if a.hi != 0 {
		return fmt.Errorf("kalloc: already initialized with [0x%x, 0x%x)", uint64(a.lo), uint64(a.hi))
	}
	start = a.mem.RoundUp(start)
	if start < a.mem.Base() || end > a.mem.End() || start >= end {
		return fmt.Errorf("kalloc: range [0x%x, 0x%x) outside physical memory [0x%x, 0x%x)",
			uint64(start), uint64(end), uint64(a.mem.Base()), uint64(a.mem.End()))
	}
	a.lo, a.hi = start, end

	ps := PhysAddr(a.mem.PageSize())
	n := 0
	for p := start; p+ps <= end; p += ps {
		a.Free(cpu, p)
		n++
	}
	// Shrink the managed range to the last whole page.
	a.hi = start + PhysAddr(n)*ps
	a.logger.Info("Physical page allocator initialized",
		zap.Int("cpu", cpu),
		zap.Uint64("start", uint64(start)),
		zap.Uint64("end", uint64(a.hi)),
		zap.Int("pages", n),
		zap.Int("ncpu", len(a.pools)),
	)
	return nil
}

// Alloc removes one page from cpu's pool, or steals one from the first
// non-empty pool of another CPU, scanning in ascending CPU order. The page
// is filled with AllocJunk. It returns kerr.ErrOutOfMemory when every pool
// is empty.
func (a *Allocator) Alloc(cpu int) (PhysAddr, error) {
	a.checkCPU(cpu)

	frame := a.pools[cpu].pop(a.next)
	stolenFrom := -1
	if frame == noFrame {
		for i := range a.pools {
			if i == cpu {
				continue
			}
			if frame = a.pools[i].pop(a.next); frame != noFrame {
				stolenFrom = i
				break
			}
		}
	}
	if frame == noFrame {
		a.metrics.OutOfMemoryCounter.Add(context.Background(), 1)
		return 0, kerr.ErrOutOfMemory
	}

	if !a.state[frame].CompareAndSwap(frameFree, frameAllocated) {
		kerr.Fatal(a.logger, "kalloc", kerr.ErrDoubleFree,
			zap.Uint64("addr", uint64(a.mem.addr(frame))), zap.String("op", "alloc"))
	}
	a.mem.fill(frame, AllocJunk)

	a.metrics.AllocsCounter.Add(context.Background(), 1)
	if stolenFrom >= 0 {
		a.metrics.StealsCounter.Add(context.Background(), 1)
		a.stealLog.Do(func() {
			a.logger.Debug("Stole page from remote pool",
				zap.Int("cpu", cpu), zap.Int("from", stolenFrom))
		})
	}
	return a.mem.addr(frame), nil
}

// Free fills the page at pa with FreeJunk and pushes it onto cpu's pool,
// whichever CPU it was originally allocated from. A misaligned or
// out-of-range address, or a page that is already free, halts.
func (a *Allocator) Free(cpu int, pa PhysAddr) {
	a.checkCPU(cpu)
	if !a.mem.Aligned(pa) || pa < a.lo || pa >= a.hi {
		kerr.Fatal(a.logger, "kalloc", kerr.ErrBadAddress, zap.Uint64("addr", uint64(pa)))
	}
	frame := a.mem.frame(pa)
	if !a.state[frame].CompareAndSwap(frameAllocated, frameFree) {
		kerr.Fatal(a.logger, "kalloc", kerr.ErrDoubleFree, zap.Uint64("addr", uint64(pa)))
	}

	a.mem.fill(frame, FreeJunk)
	a.pools[cpu].push(a.next, frame)
	a.metrics.FreesCounter.Add(context.Background(), 1)
}

// AllocPage allocates on the CPU the caller is currently running on.
func (a *Allocator) AllocPage() (PhysAddr, error) {
	return a.Alloc(a.currentCPU())
}

// FreePage frees into the pool of the CPU the caller is currently running on.
func (a *Allocator) FreePage(pa PhysAddr) {
	a.Free(a.currentCPU(), pa)
}

// Page returns the bytes of an allocated page.
func (a *Allocator) Page(pa PhysAddr) []byte {
	return a.mem.Page(pa)
}

// NCPU returns the number of per-CPU free pools.
func (a *Allocator) NCPU() int { return len(a.pools) }

// FreeCount returns the number of pages in cpu's pool.
func (a *Allocator) FreeCount(cpu int) int {
	a.checkCPU(cpu)
	p := &a.pools[cpu]
	p.lock.Acquire()
	n := p.count
	p.lock.Release()
	return n
}

// TotalFree sums the free pools. Pools are read one at a time, so the
// result is only exact when the allocator is quiescent.
func (a *Allocator) TotalFree() int {
	total := 0
	for i := range a.pools {
		total += a.FreeCount(i)
	}
	return total
}

func (a *Allocator) currentCPU() int {
	return cpuid.Clamp(a.cpu(), len(a.pools))
}

func (a *Allocator) checkCPU(cpu int) {
	if cpu < 0 || cpu >= len(a.pools) {
		kerr.Fatal(a.logger, "kalloc", kerr.ErrBadCPU, zap.Int("cpu", cpu), zap.Int("ncpu", len(a.pools)))
	}
}

func (p *freePool) pop(next []int) int {
	p.lock.Acquire()
	frame := p.head
	if frame != noFrame {
		p.head = next[frame]
		next[frame] = noFrame
		p.count--
	}
	p.lock.Release()
	return frame
}

func (p *freePool) push(next []int, frame int) {
	p.lock.Acquire()
	next[frame] = p.head
	p.head = frame
	p.count++
	p.lock.Release()
}
