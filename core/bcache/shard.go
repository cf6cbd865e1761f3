package bcache

import "github.com/sushant-115/gojokern/core/klock"

// shard is one independently locked partition of the pool: a recency list
// of buffer slots, most recently used at head.
type shard struct {
	lock       *klock.Spinlock
	head, tail int
	size       int
}

// The list helpers below take the pool slice because links are slot
// indexes. Callers hold s.lock.

func (s *shard) pushFront(bufs []Buffer, slot, id int) {
	b := &bufs[slot]
	b.shard = id
	b.prev = nilSlot
	b.next = s.head
	if s.head != nilSlot {
		bufs[s.head].prev = slot
	} else {
		s.tail = slot
	}
	s.head = slot
	s.size++
}

func (s *shard) unlink(bufs []Buffer, slot int) {
	b := &bufs[slot]
	if b.prev != nilSlot {
		bufs[b.prev].next = b.next
	} else {
		s.head = b.next
	}
	if b.next != nilSlot {
		bufs[b.next].prev = b.prev
	} else {
		s.tail = b.prev
	}
	b.prev, b.next = nilSlot, nilSlot
	s.size--
}

func (s *shard) moveToFront(bufs []Buffer, slot, id int) {
	if s.head == slot {
		return
	}
	s.unlink(bufs, slot)
	s.pushFront(bufs, slot, id)
}

// find returns the slot holding (dev, blockno), or nilSlot.
func (s *shard) find(bufs []Buffer, dev, blockno uint32) int {
	for slot := s.head; slot != nilSlot; slot = bufs[slot].next {
		b := &bufs[slot]
		if b.assigned && b.dev == dev && b.blockno == blockno {
			return slot
		}
	}
	return nilSlot
}

// oldestFree returns the unreferenced buffer with the smallest tick that is
// strictly older than bestTick, walking from the LRU end so that ties go to
// the buffer nearest the tail. It returns nilSlot if none beats bestTick.
func (s *shard) oldestFree(bufs []Buffer, bestTick uint64, haveBest bool) int {
	found := nilSlot
	for slot := s.tail; slot != nilSlot; slot = bufs[slot].prev {
		b := &bufs[slot]
		if b.refcnt != 0 {
			continue
		}
		if !haveBest || b.lastUsed < bestTick {
			found = slot
			bestTick = b.lastUsed
			haveBest = true
		}
	}
	return found
}
