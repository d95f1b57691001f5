// Command flashconsole is an interactive shell for poking at a SPI NOR flash
// and AM1815 RTC on a shared bus.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	flag "github.com/spf13/pflag"

	"github.com/soypat/spiflash/bringup"
	"github.com/soypat/spiflash/config"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "flashconsole:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.StringP("config", "c", "", "Board description YAML file. Empty uses the reference board.")
	sim := flag.Bool("sim", false, "Use simulated flash and RTC.")
	verbose := flag.BoolP("verbose", "v", false, "Log bus activity at debug level.")
	flag.Parse()

	cfg := config.Default()
	var err error
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			return err
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "flash> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: level}))

	var pl bringup.Platform = bringup.HostPlatform{}
	if *sim {
		pl = bringup.NewSimPlatform(cfg, time.Now())
	}
	board, err := bringup.Open(pl, cfg, logger)
	if err != nil {
		return err
	}
	defer board.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	c := newConsole(board, cfg, rl.Stdout())
	c.printHelp()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		args, err := shlex.Split(strings.TrimSpace(line))
		if err != nil {
			fmt.Fprintln(c.out, "parse error:", err)
			continue
		}
		if c.exec(ctx, args) {
			return nil
		}
	}
}
