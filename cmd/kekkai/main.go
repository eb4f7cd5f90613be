package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/kekkai-sec/kekkai/cmd"
	"github.com/kekkai-sec/kekkai/internal/observability"
	"github.com/kekkai-sec/kekkai/internal/pipeline"
)

// Exit codes consumed by CI wrappers.
const (
	exitOK          = 0
	exitOperational = 1
	exitPolicy      = 2
)

var osExit = os.Exit

func main() {
	osExit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pipeline.ErrPolicyViolation):
		return exitPolicy
	default:
		return exitOperational
	}
}
