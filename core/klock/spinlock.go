// Package klock provides the two lock classes used by the kernel core: a
// busy-waiting spin lock for short critical sections and a sleeping lock
// that may be held across device I/O.
package klock

import (
	"runtime"
	"sync/atomic"

	"github.com/sushant-115/gojokern/core/kerr"
	commonutils "github.com/sushant-115/gojokern/internal/common_utils"
	"go.uber.org/zap"
)

// Spinlock implements a lock where each goroutine trying to acquire it
// busy-waits till the lock becomes available. The zero value is unlocked.
type Spinlock struct {
	name   string
	state  uint32
	holder int64 // goroutine id of the holder, 0 when free
}

// NewSpinlock returns an unlocked spin lock carrying name for diagnostics.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{name: name}
}

// Name returns the diagnostic name of the lock.
func (l *Spinlock) Name() string { return l.name }

// Acquire blocks until the lock can be acquired by the calling goroutine.
// Re-acquiring a lock already held by the caller is fatal instead of a
// silent self-deadlock.
func (l *Spinlock) Acquire() {
	me := commonutils.GoID()
	if l.heldBy(me) {
		kerr.Fatal(nil, "klock", kerr.ErrRecursiveAcquire, zap.String("lock", l.name))
	}
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		runtime.Gosched()
	}
	atomic.StoreInt64(&l.holder, me)
}

// TryAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise. It never waits.
func (l *Spinlock) TryAcquire() bool {
	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return false
	}
	atomic.StoreInt64(&l.holder, commonutils.GoID())
	return true
}

// Release relinquishes the lock. Releasing a lock the caller does not hold
// is fatal.
func (l *Spinlock) Release() {
	if !l.Holding() {
		kerr.Fatal(nil, "klock", kerr.ErrNotHeld, zap.String("lock", l.name))
	}
	atomic.StoreInt64(&l.holder, 0)
	atomic.StoreUint32(&l.state, 0)
}

// Holding reports whether the calling goroutine holds the lock.
func (l *Spinlock) Holding() bool {
	return l.heldBy(commonutils.GoID())
}

func (l *Spinlock) heldBy(id int64) bool {
	return atomic.LoadUint32(&l.state) == 1 && atomic.LoadInt64(&l.holder) == id
}
