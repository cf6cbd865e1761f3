// Package kalloc is the physical page allocator. Free pages live on per-CPU
// free lists so the common allocate and free paths only touch the local
// CPU's lock; a CPU whose list runs dry steals a single page from another.
package kalloc

import (
	"fmt"
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

const (
	// DefaultPageSize matches the hardware page size the kernel targets.
	DefaultPageSize = 4096

	// FreeJunk fills every freed page so dangling references read garbage.
	FreeJunk byte = 0x01
	// AllocJunk fills every page handed out; pages are never implicitly zeroed.
	AllocJunk byte = 0x05
)

// PhysMem is the physical memory the allocator manages: a contiguous,
// page-aligned range starting at base.
type PhysMem struct {
	base     PhysAddr
	pageSize int
	data     []byte
}

// NewPhysMem allocates size bytes of backing store addressed from base.
// size is rounded down to whole pages.
func NewPhysMem(base PhysAddr, size int, pageSize int) (*PhysMem, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d must be a positive power of two", pageSize)
	}
	if uint64(base)%uint64(pageSize) != 0 {
		return nil, fmt.Errorf("physical base 0x%x is not aligned to page size %d", uint64(base), pageSize)
	}
	size -= size % pageSize
	if size <= 0 {
		return nil, fmt.Errorf("physical memory size must hold at least one %d byte page", pageSize)
	}
	return &PhysMem{
		base:     base,
		pageSize: pageSize,
		data:     make([]byte, size),
	}, nil
}

func (m *PhysMem) Base() PhysAddr { return m.base }
func (m *PhysMem) End() PhysAddr  { return m.base + PhysAddr(len(m.data)) }
func (m *PhysMem) PageSize() int  { return m.pageSize }
func (m *PhysMem) NumFrames() int { return len(m.data) / m.pageSize }

// Contains reports whether pa lies inside the backing range.
func (m *PhysMem) Contains(pa PhysAddr) bool {
	return pa >= m.base && pa < m.End()
}

// Aligned reports whether pa is on a page boundary.
func (m *PhysMem) Aligned(pa PhysAddr) bool {
	return uint64(pa)%uint64(m.pageSize) == 0
}

// RoundUp rounds pa up to the next page boundary.
func (m *PhysMem) RoundUp(pa PhysAddr) PhysAddr {
	ps := PhysAddr(m.pageSize)
	return (pa + ps - 1) &^ (ps - 1)
}

// Page returns the bytes of the page at pa, or nil if pa is not a
// page-aligned address inside the range. Only the page's owner may touch them.
func (m *PhysMem) Page(pa PhysAddr) []byte {
	if !m.Contains(pa) || !m.Aligned(pa) {
		return nil
	}
	off := int(pa - m.base)
	return m.data[off : off+m.pageSize : off+m.pageSize]
}

func (m *PhysMem) frame(pa PhysAddr) int {
	return int(pa-m.base) / m.pageSize
}

func (m *PhysMem) addr(frame int) PhysAddr {
	return m.base + PhysAddr(frame*m.pageSize)
}

func (m *PhysMem) fill(frame int, b byte) {
	p := m.data[frame*m.pageSize : (frame+1)*m.pageSize]
	for i := range p {
		p[i] = b
	}
}
