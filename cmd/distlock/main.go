// Command distlock runs a command while holding a distributed lock.
//
//	distlock -backend redis -table jobs -key nightly -lease 30s -- ./backup.sh
//
// The lease is refreshed every third of its duration while the command
// runs, and the lock is released when it exits. If the lock is held
// elsewhere distlock exits with status 75 without running the command. If
// the lease is lost the command is killed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/lock"
	"github.com/mirkobrombin/go-distlock/v1/metrics"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitContended = 75
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func newLogger(format, level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseOptions(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "distlock: %v\n", err)
		return exitUsage
	}

	logger := newLogger(o.logFormat, o.logLevel, stderr).With("holder", uuid.NewString())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stderr))
		if err != nil {
			logger.Error("distlock: trace exporter", "error", err)
			return exitFailure
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	if o.metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("distlock: metrics server stopped", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	l, cleanup, err := openLock(ctx, o, logger)
	if err != nil {
		logger.Error("distlock: open backend", "backend", o.backend, "error", err)
		return exitFailure
	}
	defer cleanup()

	if o.status {
		return printStatus(ctx, l, stdout)
	}

	if err := acquire(ctx, l, o); err != nil {
		if lockerrors.IsContention(err) {
			logger.Warn("distlock: lock held elsewhere", "table", o.table, "key", o.key)
			return exitContended
		}
		logger.Error("distlock: acquire", "error", err)
		return exitFailure
	}
	logger.Info("distlock: lock acquired", "table", o.table, "key", o.key, "lease", o.lease)

	code := supervise(ctx, l, o.command, logger)

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.ReleaseLock(rctx); err != nil {
		logger.Error("distlock: release", "error", err)
		if code == exitOK {
			code = exitFailure
		}
	}
	return code
}

func acquire(ctx context.Context, l *lock.DistLock, o options) error {
	if o.wait <= 0 {
		_, err := l.AcquireLock(ctx)
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, o.wait)
	defer cancel()
	_, err := lock.Wait(wctx, l, lock.WaitOptions{RetryInterval: o.retry})
	if err != nil && wctx.Err() != nil && ctx.Err() == nil {
		// The wait ran out while the lock was still busy.
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, "wait", err)
	}
	return err
}

func printStatus(ctx context.Context, l *lock.DistLock, w io.Writer) int {
	rec, found, err := l.Driver().Inspect(ctx)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return exitFailure
	}
	if !found {
		fmt.Fprintln(w, "free: no record")
		return exitOK
	}
	now := time.Now()
	state := "held"
	if rec.Stale(now, l.Lease(), l.Driver().Config().ClockSkewTolerance) {
		state = "stale"
	}
	fmt.Fprintf(w, "%s: token=%q", state, rec.Token)
	if rec.HasDuration {
		fmt.Fprintf(w, " lease=%s", rec.Duration)
	}
	if !rec.RenewedAt.IsZero() {
		fmt.Fprintf(w, " renewed_at=%s expires_at=%s",
			rec.RenewedAt.UTC().Format(time.RFC3339Nano),
			rec.ExpiresAt(l.Lease()).UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintln(w)
	return exitOK
}
