package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-distlock/v1/lock"
)

const exitNotFound = 127

// supervise runs argv while keeping l alive and returns the exit status to
// report. A lost lease kills the child and yields exitFailure.
func supervise(ctx context.Context, l *lock.DistLock, argv []string, logger *slog.Logger) int {
	g, gctx := errgroup.WithContext(ctx)
	keepCtx, stopKeep := context.WithCancel(gctx)
	defer stopKeep()

	cmd := exec.CommandContext(gctx, argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	code := exitOK
	g.Go(func() error {
		defer stopKeep()
		code = exitStatus(cmd.Run())
		return nil
	})
	g.Go(func() error {
		return l.KeepAlive(keepCtx, l.Lease()/3)
	})

	if err := g.Wait(); err != nil {
		logger.Error("distlock: lease lost, command terminated", "error", err)
		return exitFailure
	}
	if code != exitOK {
		logger.Info("distlock: command failed", "status", code)
	}
	return code
}

func exitStatus(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if c := ee.ExitCode(); c > 0 {
			return c
		}
		return exitFailure
	}
	if errors.Is(err, exec.ErrNotFound) {
		return exitNotFound
	}
	return exitFailure
}
