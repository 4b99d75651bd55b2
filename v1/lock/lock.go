package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-distlock/v1/driver"
	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/metrics"
	"github.com/mirkobrombin/go-distlock/v1/syncbus"
)

// DistLock is a single named lock with a fixed lease.
type DistLock struct {
	mu     sync.Mutex
	d      *driver.Driver
	lease  time.Duration
	bus    syncbus.Bus
	topic  string
	logger *slog.Logger
	now    func() time.Time

	held       bool
	acquiredAt time.Time
	renewedAt  time.Time
}

// Option configures a DistLock.
type Option func(*DistLock)

// WithBus announces successful releases on bus and lets Wait wake up on
// releases made by other processes.
func WithBus(bus syncbus.Bus) Option {
	return func(l *DistLock) { l.bus = bus }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *DistLock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces the clock used for AcquiredAt and Remaining.
func WithClock(now func() time.Time) Option {
	return func(l *DistLock) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a DistLock that acquires and refreshes with the given lease.
func New(d *driver.Driver, lease time.Duration, opts ...Option) *DistLock {
	cfg := d.Config()
	l := &DistLock{
		d:      d,
		lease:  lease,
		topic:  syncbus.ReleasedTopic(cfg.TableName, cfg.PartitionKeyValue),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AcquireLock takes the lock and returns the instant the attempt started,
// which is the conservative start of the lease.
func (l *DistLock) AcquireLock(ctx context.Context) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.now()
	if err := l.d.Acquire(ctx, driver.LockInput{Duration: l.lease}); err != nil {
		return time.Time{}, err
	}
	l.acquiredAt = start
	l.markHeld(start)
	return start, nil
}

// RefreshLock renews the lease. On KindLockAlreadyAcquired the lock is no
// longer considered held.
func (l *DistLock) RefreshLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.now()
	if err := l.d.Refresh(ctx, driver.LockInput{Duration: l.lease}); err != nil {
		if lockerrors.IsContention(err) && l.held {
			l.logger.Warn("distlock: lease lost", "topic", l.topic, "error", err)
			l.markLost()
		}
		return err
	}
	if !l.held {
		l.acquiredAt = start
	}
	l.markHeld(start)
	return nil
}

// ReleaseLock gives the lock up. Releasing a lock that is not held, or that
// was taken over, is not an error.
func (l *DistLock) ReleaseLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	hadToken := l.d.CurrentToken() != ""
	if err := l.d.Release(ctx); err != nil {
		return err
	}
	if l.held {
		l.markLost()
	}
	if hadToken && l.bus != nil {
		if err := l.bus.Publish(ctx, l.topic); err != nil {
			l.logger.Warn("distlock: release notification failed", "topic", l.topic, "error", err)
		}
	}
	return nil
}

func (l *DistLock) markHeld(at time.Time) {
	l.renewedAt = at
	if !l.held {
		l.held = true
		metrics.HeldGauge.Inc()
	}
}

func (l *DistLock) markLost() {
	l.held = false
	metrics.HeldGauge.Dec()
}

// Held reports whether this process believes it holds an unexpired lease.
func (l *DistLock) Held() bool {
	return l.Remaining() > 0
}

// Remaining returns how long the current lease has left, measured from the
// start of the last successful acquire or refresh.
func (l *DistLock) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return 0
	}
	left := l.lease - l.now().Sub(l.renewedAt)
	if left < 0 {
		return 0
	}
	return left
}

// AcquiredAt returns the instant of the last successful acquire, or the
// zero time when the lock is not held.
func (l *DistLock) AcquiredAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return time.Time{}
	}
	return l.acquiredAt
}

// Lease returns the lease duration.
func (l *DistLock) Lease() time.Duration { return l.lease }

// Driver returns the underlying driver. Calling it directly bypasses the
// DistLock mutex.
func (l *DistLock) Driver() *driver.Driver { return l.d }

// Topic returns the release notification topic of this lock.
func (l *DistLock) Topic() string { return l.topic }
