package klock

import (
	"github.com/eapache/queue"
	"github.com/sushant-115/gojokern/core/kerr"
	commonutils "github.com/sushant-115/gojokern/internal/common_utils"
	"go.uber.org/zap"
)

// SleepLock is an exclusive lock whose waiters park instead of spinning.
// Waiters are served in arrival order: Release hands the lock straight to
// the oldest waiter. The zero value is unlocked.
type SleepLock struct {
	name    string
	lk      Spinlock // protects the fields below
	locked  bool
	holder  int64
	waiters *queue.Queue // of chan struct{}
}

// NewSleepLock returns an unlocked sleep lock carrying name for diagnostics.
func NewSleepLock(name string) *SleepLock {
	return &SleepLock{name: name, lk: Spinlock{name: name + ".lk"}}
}

// Acquire blocks, without spinning, until the calling goroutine owns the lock.
func (l *SleepLock) Acquire() {
	me := commonutils.GoID()

	l.lk.Acquire()
	if !l.locked {
		l.locked = true
		l.holder = me
		l.lk.Release()
		return
	}
	if l.holder == me {
		l.lk.Release()
		kerr.Fatal(nil, "klock", kerr.ErrRecursiveAcquire, zap.String("lock", l.name))
	}
	if l.waiters == nil {
		l.waiters = queue.New()
	}
	wake := make(chan struct{})
	l.waiters.Add(wake)
	l.lk.Release()

	// Ownership is transferred by the releaser; locked stays true throughout.
	<-wake

	l.lk.Acquire()
	l.holder = me
	l.lk.Release()
}

// Release gives up the lock, handing it to the oldest waiter if there is one.
// Releasing a lock the caller does not hold is fatal.
func (l *SleepLock) Release() {
	me := commonutils.GoID()

	l.lk.Acquire()
	if !l.locked || l.holder != me {
		l.lk.Release()
		kerr.Fatal(nil, "klock", kerr.ErrNotHeld, zap.String("lock", l.name))
	}
	l.holder = 0
	if l.waiters != nil && l.waiters.Length() > 0 {
		wake := l.waiters.Remove().(chan struct{})
		close(wake)
	} else {
		l.locked = false
	}
	l.lk.Release()
}

// Holding reports whether the calling goroutine owns the lock.
func (l *SleepLock) Holding() bool {
	me := commonutils.GoID()
	l.lk.Acquire()
	held := l.locked && l.holder == me
	l.lk.Release()
	return held
}

// Waiters returns the number of goroutines parked on the lock.
func (l *SleepLock) Waiters() int {
	l.lk.Acquire()
	defer l.lk.Release()
	if l.waiters == nil {
		return 0
	}
	return l.waiters.Length()
}
