package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/lock"
	"github.com/mirkobrombin/go-distlock/v1/presets"
)

var (
	concurrency = flag.Int("c", 8, "Number of contending workers")
	duration    = flag.Duration("d", 5*time.Second, "Benchmark duration")
	hold        = flag.Duration("hold", time.Millisecond, "How long a winner keeps the lock")
	lease       = flag.Duration("lease", 10*time.Second, "Lease duration")
	backend     = flag.String("backend", "memory", "memory or redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
)

type counters struct {
	wins, contended, errors atomic.Int64
}

func newLocks(n int) ([]*lock.DistLock, func()) {
	opts := presets.LockOptions{
		Table:    "bench",
		KeyField: "lock_id",
		Key:      uuid.NewString(),
		Lease:    *lease,
	}
	if *backend == "redis" {
		out := make([]*lock.DistLock, n)
		closers := make([]func() error, n)
		for i := range out {
			out[i], closers[i] = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, opts)
		}
		return out, func() {
			for _, c := range closers {
				_ = c()
			}
		}
	}
	return presets.NewInMemoryGroup(n, opts), func() {}
}

func worker(ctx context.Context, l *lock.DistLock, c *counters) error {
	for ctx.Err() == nil {
		_, err := l.AcquireLock(ctx)
		switch {
		case err == nil:
			c.wins.Add(1)
			time.Sleep(*hold)
			if err := l.ReleaseLock(context.Background()); err != nil {
				c.errors.Add(1)
			}
		case lockerrors.IsContention(err):
			c.contended.Add(1)
		case ctx.Err() != nil:
		default:
			c.errors.Add(1)
		}
	}
	return nil
}

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d workers, %v, backend %s", *concurrency, *duration, *backend)
	locks, closeAll := newLocks(*concurrency)
	defer closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var c counters
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range locks {
		l := l
		g.Go(func() error { return worker(gctx, l, &c) })
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	attempts := c.wins.Load() + c.contended.Load() + c.errors.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Attempts: %d (%.2f/s)", attempts, float64(attempts)/elapsed.Seconds())
	log.Printf("Wins: %d, Contended: %d", c.wins.Load(), c.contended.Load())
	if n := c.errors.Load(); n > 0 {
		log.Printf("Errors: %d", n)
	}
}
