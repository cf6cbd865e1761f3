package kalloc

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojokern/core/kerr"
	"go.uber.org/zap/zaptest"
)

const (
	testBase     PhysAddr = 0x80000000
	testPageSize          = 4096
)

// --- Test Helpers ---

// setupAllocator builds an allocator over pages pages of memory, without
// populating any pool.
func setupAllocator(t *testing.T, ncpu, pages int) (*Allocator, *PhysMem) {
	t.Helper()
	mem, err := NewPhysMem(testBase, pages*testPageSize, testPageSize)
	require.NoError(t, err)

	a, err := New(mem, ncpu, WithLogger(zaptest.NewLogger(t)), WithCPUFunc(func() int { return 0 }))
	require.NoError(t, err)
	return a, mem
}

// freeList walks cpu's pool under its lock.
func (a *Allocator) freeList(cpu int) []PhysAddr {
	p := &a.pools[cpu]
	p.lock.Acquire()
	defer p.lock.Release()
	var out []PhysAddr
	for f := p.head; f != noFrame; f = a.next[f] {
		out = append(out, a.mem.addr(f))
	}
	return out
}

func filledWith(page []byte, b byte) bool {
	return bytes.Count(page, []byte{b}) == len(page)
}

// --- Test Cases ---

func TestNewPhysMem_Validation(t *testing.T) {
	_, err := NewPhysMem(testBase, 4*testPageSize, 3000)
	require.Error(t, err, "page size must be a power of two")

	_, err = NewPhysMem(testBase+1, 4*testPageSize, testPageSize)
	require.Error(t, err, "base must be aligned")

	_, err = NewPhysMem(testBase, testPageSize-1, testPageSize)
	require.Error(t, err, "must hold at least one page")

	mem, err := NewPhysMem(testBase, 3*testPageSize+100, testPageSize)
	require.NoError(t, err)
	require.Equal(t, 3, mem.NumFrames())
	require.Equal(t, testBase+3*testPageSize, mem.End())
}

func TestInit_CarvesRangeIntoInitializingCPU(t *testing.T) {
	a, _ := setupAllocator(t, 4, 16)
	require.Equal(t, 4, a.NCPU())

	// An unaligned start is rounded up, and a partial trailing page is dropped.
	require.NoError(t, a.Init(2, testBase+10, testBase+10*testPageSize+50))
	require.Equal(t, 9, a.FreeCount(2))
	require.Equal(t, 0, a.FreeCount(0))
	require.Equal(t, 9, a.TotalFree())

	for _, pa := range a.freeList(2) {
		require.True(t, filledWith(a.Page(pa), FreeJunk), "free page 0x%x must hold the free pattern", uint64(pa))
	}

	require.Error(t, a.Init(0, testBase, testBase+testPageSize), "Init runs once")
}

func TestInit_RejectsRangeOutsideMemory(t *testing.T) {
	a, _ := setupAllocator(t, 1, 4)
	require.Error(t, a.Init(0, testBase-testPageSize, testBase+testPageSize))
	require.Error(t, a.Init(0, testBase, testBase+8*testPageSize))
}

func TestAlloc_LocalPoolAndJunkFill(t *testing.T) {
	a, _ := setupAllocator(t, 2, 4)
	require.NoError(t, a.Init(0, testBase, testBase+4*testPageSize))

	pa, err := a.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, 3, a.FreeCount(0))
	require.True(t, filledWith(a.Page(pa), AllocJunk), "allocated pages are junk-filled, never zeroed")

	copy(a.Page(pa), "payload")
	a.Free(1, pa)
	require.True(t, filledWith(a.Page(pa), FreeJunk), "freed pages are overwritten")
	require.Equal(t, 1, a.FreeCount(1), "a page goes to the freeing CPU's pool")
	require.Equal(t, 3, a.FreeCount(0))
}

func TestAlloc_StealsFromRemotePool(t *testing.T) {
	a, _ := setupAllocator(t, 2, 3)
	require.NoError(t, a.Init(1, testBase, testBase+3*testPageSize))
	require.Equal(t, 0, a.FreeCount(0))
	require.Equal(t, 3, a.FreeCount(1))

	pa, err := a.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, 2, a.FreeCount(1), "a steal takes exactly one page")
	require.NotContains(t, a.freeList(1), pa)
	require.Equal(t, 0, a.FreeCount(0), "a steal does not rebalance")
}

func TestAlloc_StealScansInCPUOrder(t *testing.T) {
	a, _ := setupAllocator(t, 4, 4)
	require.NoError(t, a.Init(0, testBase, testBase+4*testPageSize))

	// Drain CPU 0, then park one page on CPU 1 and one on CPU 3, leaving
	// CPU 2 empty.
	var pages []PhysAddr
	for i := 0; i < 4; i++ {
		pa, err := a.Alloc(0)
		require.NoError(t, err)
		pages = append(pages, pa)
	}
	p1, p3 := pages[0], pages[1]
	a.Free(1, p1)
	a.Free(3, p3)

	got, err := a.Alloc(2)
	require.NoError(t, err)
	require.Equal(t, p1, got, "CPU 2 should probe CPU 0, then CPU 1, before CPU 3")
}

func TestAlloc_OutOfMemory(t *testing.T) {
	a, _ := setupAllocator(t, 2, 2)
	require.NoError(t, a.Init(0, testBase, testBase+2*testPageSize))

	for i := 0; i < 2; i++ {
		_, err := a.Alloc(1)
		require.NoError(t, err)
	}
	_, err := a.Alloc(1)
	require.ErrorIs(t, err, kerr.ErrOutOfMemory)
	_, err = a.Alloc(0)
	require.ErrorIs(t, err, kerr.ErrOutOfMemory)
}

func TestFree_InvalidAddressesHalt(t *testing.T) {
	a, _ := setupAllocator(t, 1, 8)
	require.NoError(t, a.Init(0, testBase+testPageSize, testBase+6*testPageSize))

	tests := []struct {
		name string
		addr PhysAddr
		want error
	}{
		{"misaligned", testBase + testPageSize + 8, kerr.ErrBadAddress},
		{"below managed range", testBase, kerr.ErrBadAddress},
		{"at end of managed range", testBase + 6*testPageSize, kerr.ErrBadAddress},
		{"wild pointer", 0x1000, kerr.ErrBadAddress},
		{"already free", testBase + 2*testPageSize, kerr.ErrDoubleFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := kerr.Recover(func() { a.Free(0, tt.addr) })
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	require.Equal(t, 5, a.TotalFree(), "a rejected free must not touch the pools")
}

func TestAlloc_BadCPUHalts(t *testing.T) {
	a, _ := setupAllocator(t, 2, 1)
	err := kerr.Recover(func() { _, _ = a.Alloc(2) })
	require.True(t, errors.Is(err, kerr.ErrBadCPU))
}

func TestAllocPage_UsesResolvedCPU(t *testing.T) {
	mem, err := NewPhysMem(testBase, 4*testPageSize, testPageSize)
	require.NoError(t, err)
	cpu := 5 // clamps to 1 with two CPUs
	a, err := New(mem, 2, WithCPUFunc(func() int { return cpu }))
	require.NoError(t, err)
	require.NoError(t, a.Init(1, testBase, testBase+4*testPageSize))

	pa, err := a.AllocPage()
	require.NoError(t, err)
	require.Equal(t, 3, a.FreeCount(1))

	cpu = 0
	a.FreePage(pa)
	require.Equal(t, 1, a.FreeCount(0))
}

// TestAlloc_ConcurrentNoDoubleAllocation runs one worker per CPU doing
// alloc/scribble/verify/free cycles. No two live allocations may share an
// address and nobody may see another worker's writes in its page.
func TestAlloc_ConcurrentNoDoubleAllocation(t *testing.T) {
	const (
		ncpu       = 8
		pages      = 32
		iterations = 400
	)
	a, _ := setupAllocator(t, ncpu, pages)
	require.NoError(t, a.Init(0, testBase, testBase+pages*testPageSize))

	var (
		live sync.Map
		wg   sync.WaitGroup
	)
	for cpu := 0; cpu < ncpu; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			held := make([]PhysAddr, 0, 4)
			for i := 0; i < iterations; i++ {
				pa, err := a.Alloc(cpu)
				if err == nil {
					if _, dup := live.LoadOrStore(pa, cpu); dup {
						t.Errorf("page 0x%x handed out twice", uint64(pa))
						return
					}
					page := a.Page(pa)
					for j := range page {
						page[j] = byte(cpu + 10)
					}
					held = append(held, pa)
				}
				if len(held) == cap(held) || (err != nil && len(held) > 0) {
					for _, h := range held {
						assert.True(t, filledWith(a.Page(h), byte(cpu+10)), "page 0x%x was touched by another owner", uint64(h))
						live.Delete(h)
						// Free onto a neighbouring CPU so pages migrate between pools.
						a.Free((cpu+1)%ncpu, h)
					}
					held = held[:0]
				}
			}
			for _, h := range held {
				live.Delete(h)
				a.Free(cpu, h)
			}
		}(cpu)
	}
	wg.Wait()
	require.Equal(t, pages, a.TotalFree(), "every page must be back in exactly one pool")

	seen := make(map[PhysAddr]bool)
	for cpu := 0; cpu < ncpu; cpu++ {
		for _, pa := range a.freeList(cpu) {
			require.False(t, seen[pa], "page 0x%x linked into two pools", uint64(pa))
			seen[pa] = true
		}
	}
	require.Len(t, seen, pages)
}
