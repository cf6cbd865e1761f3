package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojokern/config"
	"github.com/sushant-115/gojokern/core/kalloc"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Kalloc.NCPU = 2
	cfg.Kalloc.MemSize = 16 * cfg.Kalloc.PageSize
	cfg.Bcache.NBuf = 4
	cfg.Bcache.NShards = 2
	cfg.Bcache.BlockSize = 128
	cfg.Disk.Dir = t.TempDir()
	cfg.Ticks.Interval = time.Millisecond
	return cfg
}

func TestBoot_BringsUpEverySubsystem(t *testing.T) {
	k, err := Boot(testConfig(t), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	require.Equal(t, 16, k.Alloc.FreeCount(BootCPU), "every page starts on the boot CPU")
	require.Equal(t, 0, k.Alloc.FreeCount(1))

	pa, err := k.Alloc.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, byte(kalloc.AllocJunk), k.Alloc.Page(pa)[0])
	k.Alloc.Free(1, pa)
	require.Equal(t, 1, k.Alloc.FreeCount(1))

	b := k.Cache.Read(0, 9)
	copy(b.Data(), "persist")
	k.Cache.Write(b)
	k.Cache.Release(b)

	require.Eventually(t, func() bool { return k.Ticks.Now() > 2 }, time.Second, time.Millisecond)
	require.NoError(t, k.Shutdown())

	// The block reached the image on disk.
	k2, err := Boot(k.Config, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer k2.Shutdown()
	b = k2.Cache.Read(0, 9)
	require.Equal(t, "persist", string(b.Data()[:7]))
	k2.Cache.Release(b)
}

func TestBoot_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bcache.NShards = 10
	_, err := Boot(cfg, nil, nil)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
