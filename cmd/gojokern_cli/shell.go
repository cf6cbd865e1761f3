package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/gojokern/core/bcache"
	"github.com/sushant-115/gojokern/core/kalloc"
	"github.com/sushant-115/gojokern/internal/kernel"
)

var (
	errUsage   = errors.New("usage")
	errUnknown = errors.New("unknown command, type 'help' for a list of commands")
)

type blockID struct{ dev, blockno uint32 }

// shell executes one command line at a time against a booted kernel.
type shell struct {
	k      *kernel.Kernel
	out    io.Writer
	pinned map[blockID]*bcache.Buffer
}

func newShell(k *kernel.Kernel, out io.Writer) *shell {
	return &shell{k: k, out: out, pinned: make(map[blockID]*bcache.Buffer)}
}

const helpText = `Commands:
  alloc <cpu>                  allocate a page on cpu
  free <cpu> <addr>            free the page at addr onto cpu's pool
  read <dev> <blk>             read a block and show its first bytes
  write <dev> <blk> <text>     write text at the start of a block
  pin <dev> <blk>              keep a block cached
  unpin <dev> <blk>            drop a pin taken with pin
  stats                        allocator and cache counters
  tick                         advance the recency clock
  help
  quit / exit
`

// exec runs args. It reports quit=true for quit and exit.
func (s *shell) exec(args []string) (quit bool, err error) {
	if len(args) == 0 {
		return false, nil
	}
	switch cmd := strings.ToLower(args[0]); cmd {
	case "alloc":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: alloc <cpu>", errUsage)
		}
		cpu, err := strconv.Atoi(args[1])
		if err != nil {
			return false, fmt.Errorf("bad cpu %q: %w", args[1], err)
		}
		pa, err := s.k.Alloc.Alloc(cpu)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "allocated %#x on cpu %d\n", uint64(pa), cpu)

	case "free":
		if len(args) != 3 {
			return false, fmt.Errorf("%w: free <cpu> <addr>", errUsage)
		}
		cpu, err := strconv.Atoi(args[1])
		if err != nil {
			return false, fmt.Errorf("bad cpu %q: %w", args[1], err)
		}
		pa, err := strconv.ParseUint(args[2], 0, 64)
		if err != nil {
			return false, fmt.Errorf("bad address %q: %w", args[2], err)
		}
		s.k.Alloc.Free(cpu, kalloc.PhysAddr(pa))
		fmt.Fprintf(s.out, "freed %#x onto cpu %d\n", pa, cpu)

	case "read", "write", "pin", "unpin":
		usage, nargs := cmd+" <dev> <blk>", 3
		if cmd == "write" {
			usage, nargs = "write <dev> <blk> <text>", 4
		}
		if len(args) < nargs || (cmd != "write" && len(args) > nargs) {
			return false, fmt.Errorf("%w: %s", errUsage, usage)
		}
		id, err := parseBlock(args[1], args[2])
		if err != nil {
			return false, err
		}
		return false, s.block(cmd, id, strings.Join(args[3:], " "))

	case "stats":
		s.stats()

	case "tick":
		fmt.Fprintf(s.out, "tick %d\n", s.k.Ticks.Advance())

	case "help":
		fmt.Fprint(s.out, helpText)

	case "quit", "exit":
		return true, nil

	default:
		return false, errUnknown
	}
	return false, nil
}

func (s *shell) block(cmd string, id blockID, text string) error {
	c := s.k.Cache
	switch cmd {
	case "unpin":
		b, ok := s.pinned[id]
		if !ok {
			return fmt.Errorf("block %d/%d is not pinned", id.dev, id.blockno)
		}
		c.Unpin(b)
		delete(s.pinned, id)
		fmt.Fprintf(s.out, "unpinned %d/%d, refcount %d\n", id.dev, id.blockno, c.RefCount(b))
		return nil
	case "pin":
		if _, ok := s.pinned[id]; ok {
			return fmt.Errorf("block %d/%d is already pinned", id.dev, id.blockno)
		}
	}

	b := c.Read(id.dev, id.blockno)
	defer c.Release(b)

	switch cmd {
	case "read":
		data := b.Data()
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}
		if len(data) > 64 {
			data = data[:64]
		}
		fmt.Fprintf(s.out, "%d/%d: %q\n", id.dev, id.blockno, data)
	case "write":
		n := copy(b.Data(), text)
		clear(b.Data()[n:])
		c.Write(b)
		fmt.Fprintf(s.out, "wrote %d bytes to %d/%d\n", n, id.dev, id.blockno)
	case "pin":
		c.Pin(b)
		s.pinned[id] = b
		fmt.Fprintf(s.out, "pinned %d/%d\n", id.dev, id.blockno)
	}
	return nil
}

func (s *shell) stats() {
	a, c := s.k.Alloc, s.k.Cache
	fmt.Fprintf(s.out, "tick %d\n", s.k.Ticks.Now())
	fmt.Fprintf(s.out, "kalloc: %d pages free\n", a.TotalFree())
	for cpu := 0; cpu < a.NCPU(); cpu++ {
		fmt.Fprintf(s.out, "  cpu %d: %d\n", cpu, a.FreeCount(cpu))
	}
	st := c.Stats()
	fmt.Fprintf(s.out, "bcache: %d hits, %d misses, %d evictions, %d skipped shards, %d restarts\n",
		st.Hits, st.Misses, st.Evictions, st.SkippedShards, st.Restarts)
	for i, shard := range c.Snapshot() {
		fmt.Fprintf(s.out, "  shard %2d:", i)
		for _, bi := range shard {
			if bi.Assigned {
				fmt.Fprintf(s.out, " [%d/%d ref=%d t=%d]", bi.Dev, bi.BlockNo, bi.RefCount, bi.LastUsed)
			} else {
				fmt.Fprint(s.out, " [-]")
			}
		}
		fmt.Fprintln(s.out)
	}
}

func parseBlock(dev, blk string) (blockID, error) {
	d, err := strconv.ParseUint(dev, 10, 32)
	if err != nil {
		return blockID{}, fmt.Errorf("bad device %q: %w", dev, err)
	}
	b, err := strconv.ParseUint(blk, 10, 32)
	if err != nil {
		return blockID{}, fmt.Errorf("bad block number %q: %w", blk, err)
	}
	return blockID{uint32(d), uint32(b)}, nil
}
