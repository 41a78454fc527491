package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/labsched/internal/cli"
	"github.com/vk/labsched/internal/controlapi"
	"github.com/vk/labsched/internal/core"
	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/executor"
	"github.com/vk/labsched/internal/faults"
	"github.com/vk/labsched/internal/labconfig"
	"github.com/vk/labsched/internal/statusstore/inmemory"
)

// main is the entrypoint for labctl.
func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	os.Exit(run(os.Stdout, os.Args[1:]))
}

// run encapsulates the main application logic so exit codes stay testable
// without main itself calling os.Exit from more than one place.
func run(outW io.Writer, args []string) int {
	cfg, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			return exitErr.Code
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if shouldExit {
		return 0
	}

	logger := cli.NewLogger(cfg, outW)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	doc, err := labconfig.Load(ctx, cfg.LabConfigPath)
	if err != nil {
		return exitCodeFor(err, logger)
	}

	store := inmemory.New()
	loop, err := core.New(ctx, store, doc, executor.Config{NumWorkers: cfg.NumWorkers})
	if err != nil {
		return exitCodeFor(err, logger)
	}

	server := controlapi.NewServer(loop, loop.Hub())

	errCh := make(chan error, 2)
	go func() { errCh <- loop.Run(ctx) }()
	go func() { errCh <- server.Start(ctx, cfg.ListenAddr) }()

	loopErr, serverErr := <-errCh, <-errCh

	if ctx.Err() != nil {
		logger.Info("labctl interrupted")
		return 130
	}
	for _, err := range []error{loopErr, serverErr} {
		if err != nil && !errors.Is(err, context.Canceled) {
			return exitCodeFor(err, logger)
		}
	}
	return 0
}

// exitCodeFor maps a fatal startup or runtime error to labctl's exit code:
// 1 for a lab configuration problem, 2 for anything else.
func exitCodeFor(err error, logger *slog.Logger) int {
	logger.Error("labctl exiting", "error", err)
	if kind, ok := faults.KindOf(err); ok && kind == faults.ConfigError {
		return 1
	}
	return 2
}
