// Package disk provides block devices for the buffer cache: an in-memory
// disk and a file-backed disk with one image file per device.
package disk

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type blockKey struct {
	dev     uint32
	blockno uint32
}

// MemDisk keeps blocks in memory. Blocks never written read back as zeros.
type MemDisk struct {
	blockSize int

	mu     sync.Mutex
	blocks map[blockKey][]byte

	reads, writes atomic.Uint64
	failNext      atomic.Pointer[error]
}

// NewMemDisk returns an empty in-memory disk with the given block size.
func NewMemDisk(blockSize int) *MemDisk {
	return &MemDisk{
		blockSize: blockSize,
		blocks:    make(map[blockKey][]byte),
	}
}

// ReadBlock copies the block into data.
func (d *MemDisk) ReadBlock(dev, blockno uint32, data []byte) error {
	if err := d.check(data); err != nil {
		return err
	}
	d.reads.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if blk, ok := d.blocks[blockKey{dev, blockno}]; ok {
		copy(data, blk)
	} else {
		clear(data)
	}
	return nil
}

// WriteBlock stores a copy of data as the block's contents.
func (d *MemDisk) WriteBlock(dev, blockno uint32, data []byte) error {
	if err := d.check(data); err != nil {
		return err
	}
	d.writes.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	key := blockKey{dev, blockno}
	blk, ok := d.blocks[key]
	if !ok {
		blk = make([]byte, d.blockSize)
		d.blocks[key] = blk
	}
	copy(blk, data)
	return nil
}

// FailNext makes the next transfer return err.
func (d *MemDisk) FailNext(err error) {
	d.failNext.Store(&err)
}

// Reads and Writes count completed transfers.
func (d *MemDisk) Reads() uint64  { return d.reads.Load() }
func (d *MemDisk) Writes() uint64 { return d.writes.Load() }

func (d *MemDisk) check(data []byte) error {
	if errp := d.failNext.Swap(nil); errp != nil {
		return *errp
	}
	if len(data) != d.blockSize {
		return fmt.Errorf("%w: got %d bytes, block size is %d", ErrBlockSize, len(data), d.blockSize)
	}
	return nil
}
