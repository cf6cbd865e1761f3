package ticks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_Advance(t *testing.T) {
	c := NewCounter(10)
	require.Equal(t, uint64(10), c.Now())
	require.Equal(t, uint64(11), c.Advance())
	require.Equal(t, uint64(11), c.Now())
}

func TestCounter_ConcurrentAdvanceIsMonotonic(t *testing.T) {
	var (
		c  Counter
		wg sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint64(0)
			for j := 0; j < 200; j++ {
				now := c.Advance()
				assert.Greater(t, now, last)
				last = now
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(8*200), c.Now())
}

func TestCounter_RunStopsOnCancel(t *testing.T) {
	c := NewCounter(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Now() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	stopped := c.Now()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, stopped, c.Now())
}
