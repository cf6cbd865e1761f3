// Command gojokern_cli is an interactive shell over a booted page allocator
// and buffer cache.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojokern/config"
	"github.com/sushant-115/gojokern/core/kerr"
	"github.com/sushant-115/gojokern/internal/kernel"
	"github.com/sushant-115/gojokern/pkg/logger"
	"go.uber.org/zap"
)

var configPath = flag.String("config", "", "Path to the YAML configuration file (defaults are used when empty)")

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("alloc"),
		readline.PcItem("free"),
		readline.PcItem("read"),
		readline.PcItem("write"),
		readline.PcItem("pin"),
		readline.PcItem("unpin"),
		readline.PcItem("stats"),
		readline.PcItem("tick"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Keep the shell output readable; log to stderr unless told otherwise.
	if cfg.Logger.OutputFile == "" || strings.EqualFold(cfg.Logger.OutputFile, "stdout") {
		cfg.Logger.OutputFile = "stderr"
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	k, err := kernel.Boot(cfg, zlogger, nil)
	if err != nil {
		zlogger.Fatal("Failed to boot kernel core", zap.Error(err))
	}
	defer func() {
		if err := k.Shutdown(); err != nil {
			zlogger.Error("Failed to shut down kernel core", zap.Error(err))
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojokern> ",
		HistoryFile:     filepath.Join(os.TempDir(), "gojokern_cli.history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		zlogger.Fatal("Failed to start readline", zap.Error(err))
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "gojokern CLI. Type 'help' for commands, 'quit' to leave.")
	sh := newShell(k, rl.Stdout())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			zlogger.Error("Failed to read input", zap.Error(err))
			return
		}

		var quit bool
		var cmdErr error
		if halt := kerr.Recover(func() { quit, cmdErr = sh.exec(strings.Fields(line)) }); halt != nil {
			fmt.Fprintf(rl.Stdout(), "kernel halted: %v\n", halt)
			return
		}
		if cmdErr != nil {
			fmt.Fprintf(rl.Stdout(), "error: %v\n", cmdErr)
		}
		if quit {
			return
		}
	}
}
