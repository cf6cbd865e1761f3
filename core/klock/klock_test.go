package klock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojokern/core/kerr"
)

func TestSpinlock_MutualExclusion(t *testing.T) {
	var (
		sl         = NewSpinlock("test")
		wg         sync.WaitGroup
		counter    int
		numWorkers = 16
		iterations = 500
	)

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, numWorkers*iterations, counter)
}

func TestSpinlock_TryAcquire(t *testing.T) {
	sl := NewSpinlock("try")
	sl.Acquire()
	require.True(t, sl.Holding())

	done := make(chan bool)
	go func() { done <- sl.TryAcquire() }()
	require.False(t, <-done, "TryAcquire must fail while another goroutine holds the lock")

	sl.Release()
	require.False(t, sl.Holding())
	require.True(t, sl.TryAcquire())
	sl.Release()
}

func TestSpinlock_HoldingIsPerGoroutine(t *testing.T) {
	sl := NewSpinlock("holding")
	sl.Acquire()
	defer sl.Release()

	other := make(chan bool)
	go func() { other <- sl.Holding() }()
	require.False(t, <-other)
	require.True(t, sl.Holding())
}

func TestSpinlock_ReleaseByNonHolderHalts(t *testing.T) {
	sl := NewSpinlock("orphan")
	err := kerr.Recover(sl.Release)
	require.True(t, errors.Is(err, kerr.ErrNotHeld))
}

func TestSpinlock_ReacquireHalts(t *testing.T) {
	sl := NewSpinlock("reentrant")
	sl.Acquire()
	err := kerr.Recover(sl.Acquire)
	require.True(t, errors.Is(err, kerr.ErrRecursiveAcquire))
	require.False(t, errors.Is(err, kerr.ErrNotHeld))
	sl.Release()
}

func TestSleepLock_Exclusive(t *testing.T) {
	var (
		l       = NewSleepLock("buf")
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Acquire()
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(10 * time.Microsecond)

				mu.Lock()
				inside--
				mu.Unlock()
				l.Release()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestSleepLock_FIFOHandoff(t *testing.T) {
	l := NewSleepLock("fifo")
	l.Acquire()

	const n = 5
	var (
		order []int
		mu    sync.Mutex
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			l.Acquire()
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			l.Release()
		}(i)
		// Queue the waiters one at a time so arrival order is known.
		require.Eventually(t, func() bool { return l.Waiters() == i+1 }, time.Second, time.Millisecond)
	}

	l.Release()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSleepLock_HoldingAndMisuse(t *testing.T) {
	l := NewSleepLock("misuse")
	require.False(t, l.Holding())

	err := kerr.Recover(l.Release)
	require.True(t, errors.Is(err, kerr.ErrNotHeld))

	l.Acquire()
	require.True(t, l.Holding())
	require.True(t, errors.Is(kerr.Recover(l.Acquire), kerr.ErrRecursiveAcquire))
	require.True(t, l.Holding(), "a refused re-acquire leaves the lock held")

	other := make(chan error)
	go func() { other <- kerr.Recover(l.Release) }()
	require.True(t, errors.Is(<-other, kerr.ErrNotHeld), "only the holder may release")

	l.Release()
	require.False(t, l.Holding())
}
