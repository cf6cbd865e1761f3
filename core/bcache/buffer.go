package bcache

import (
	"sync/atomic"

	"github.com/sushant-115/gojokern/core/klock"
)

const nilSlot = -1

// Buffer is the in-memory copy of one disk block. Identity, reference
// count, recency tick and list links are guarded by the lock of the shard
// whose list holds the buffer; the data is guarded by the buffer's own
// sleep lock.
type Buffer struct {
	slot int

	dev      uint32
	blockno  uint32
	assigned bool // false until the buffer first holds a block
	refcnt   int
	lastUsed uint64

	shard      int // shard whose list holds the buffer
	prev, next int // slots, nilSlot at the ends

	valid atomic.Bool // data reflects the disk
	lock  *klock.SleepLock
	data  []byte
}

// Dev returns the device id. Stable while the caller holds a reference.
func (b *Buffer) Dev() uint32 { return b.dev }

// BlockNo returns the block number. Stable while the caller holds a reference.
func (b *Buffer) BlockNo() uint32 { return b.blockno }

// Data returns the block payload. Only the holder of the block lock may
// read or modify it.
func (b *Buffer) Data() []byte { return b.data }

// Valid reports whether the payload has been read from (or written to) the device.
func (b *Buffer) Valid() bool { return b.valid.Load() }

// Holding reports whether the calling goroutine holds the block lock.
func (b *Buffer) Holding() bool { return b.lock.Holding() }

// BufferInfo is a point-in-time copy of a buffer's metadata.
type BufferInfo struct {
	Slot     int
	Shard    int
	Dev      uint32
	BlockNo  uint32
	Assigned bool
	Valid    bool
	RefCount int
	LastUsed uint64
}

func (b *Buffer) info() BufferInfo {
	return BufferInfo{
		Slot:     b.slot,
		Shard:    b.shard,
		Dev:      b.dev,
		BlockNo:  b.blockno,
		Assigned: b.assigned,
		Valid:    b.valid.Load(),
		RefCount: b.refcnt,
		LastUsed: b.lastUsed,
	}
}
