package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojokern/config"
	"github.com/sushant-115/gojokern/core/kerr"
	"github.com/sushant-115/gojokern/internal/kernel"
	"go.uber.org/zap/zaptest"
)

func setupShell(t *testing.T) (*shell, *bytes.Buffer) {
	cfg := config.Default()
	cfg.Kalloc.NCPU = 2
	cfg.Kalloc.MemSize = 8 * cfg.Kalloc.PageSize
	cfg.Bcache.NBuf = 4
	cfg.Bcache.NShards = 2
	cfg.Bcache.BlockSize = 64
	cfg.Disk.Dir = t.TempDir()
	cfg.Ticks.Interval = time.Hour

	k, err := kernel.Boot(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Shutdown()) })

	var out bytes.Buffer
	return newShell(k, &out), &out
}

func run(t *testing.T, sh *shell, line string) error {
	t.Helper()
	quit, err := sh.exec(strings.Fields(line))
	require.False(t, quit)
	return err
}

func TestShell_AllocAndFree(t *testing.T) {
	sh, out := setupShell(t)

	require.NoError(t, run(t, sh, "alloc 1"))
	require.Contains(t, out.String(), "on cpu 1")
	require.Equal(t, 7, sh.k.Alloc.FreeCount(0), "cpu 1 stole from cpu 0")

	var pa uint64
	_, err := fmt.Sscanf(out.String(), "allocated %v on cpu 1", &pa)
	require.NoError(t, err)

	require.NoError(t, run(t, sh, fmt.Sprintf("free 1 %#x", pa)))
	require.Equal(t, 1, sh.k.Alloc.FreeCount(1))
}

func TestShell_WriteReadPinUnpin(t *testing.T) {
	sh, out := setupShell(t)

	require.NoError(t, run(t, sh, "write 0 5 hello block"))
	out.Reset()
	require.NoError(t, run(t, sh, "read 0 5"))
	require.Equal(t, "0/5: \"hello block\"\n", out.String())

	require.NoError(t, run(t, sh, "pin 0 5"))
	b := sh.pinned[blockID{0, 5}]
	require.NotNil(t, b)
	require.Equal(t, 1, sh.k.Cache.RefCount(b))
	require.Error(t, run(t, sh, "pin 0 5"))

	require.NoError(t, run(t, sh, "unpin 0 5"))
	require.Equal(t, 0, sh.k.Cache.RefCount(b))
	require.Error(t, run(t, sh, "unpin 0 5"))
}

func TestShell_StatsAndTick(t *testing.T) {
	sh, out := setupShell(t)

	require.NoError(t, run(t, sh, "tick"))
	require.Equal(t, "tick 1\n", out.String())

	out.Reset()
	require.NoError(t, run(t, sh, "read 0 3"))
	require.NoError(t, run(t, sh, "stats"))
	require.Contains(t, out.String(), "kalloc: 8 pages free")
	require.Contains(t, out.String(), "1 misses")
	require.Contains(t, out.String(), "[0/3 ref=0 t=1]")
}

func TestShell_Errors(t *testing.T) {
	sh, _ := setupShell(t)

	require.True(t, errors.Is(run(t, sh, "alloc"), errUsage))
	require.True(t, errors.Is(run(t, sh, "read 0"), errUsage))
	require.True(t, errors.Is(run(t, sh, "write 0 1"), errUsage))
	require.True(t, errors.Is(run(t, sh, "bogus"), errUnknown))
	require.Error(t, run(t, sh, "read x 1"))

	for i := 0; i < 8; i++ {
		require.NoError(t, run(t, sh, "alloc 0"))
	}
	require.ErrorIs(t, run(t, sh, "alloc 0"), kerr.ErrOutOfMemory)

	halt := kerr.Recover(func() { _, _ = sh.exec([]string{"free", "0", "0x3"}) })
	require.ErrorIs(t, halt, kerr.ErrBadAddress)

	quit, err := sh.exec([]string{"quit"})
	require.NoError(t, err)
	require.True(t, quit)
}
