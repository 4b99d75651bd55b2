package lock

import (
	"context"
	"math/rand"
	"time"

	"github.com/mirkobrombin/go-distlock/v1/driver"
	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

const defaultRetryInterval = 500 * time.Millisecond

// WaitOptions tunes Wait.
type WaitOptions struct {
	// RetryInterval is the pause between attempts. Up to a fifth of it is
	// added as jitter. Default 500ms.
	RetryInterval time.Duration
	// MaxAttempts bounds the number of acquire attempts. Zero means no
	// limit other than ctx.
	MaxAttempts int
}

// Wait acquires l, retrying while it is held elsewhere. It returns on
// success, on any error other than contention, when MaxAttempts is reached
// or when ctx is done. A release notification on the lock's bus cuts the
// current pause short.
func Wait(ctx context.Context, l *DistLock, opts WaitOptions) (time.Time, error) {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	var wake chan struct{}
	if l.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := l.bus.Subscribe(subCtx, l.topic)
		if err != nil {
			l.logger.Warn("distlock: release subscription failed, polling", "topic", l.topic, "error", err)
		} else {
			wake = ch
			defer func() { _ = l.bus.Unsubscribe(context.Background(), l.topic, ch) }()
		}
	}

	for attempt := 1; ; attempt++ {
		at, err := l.AcquireLock(ctx)
		if err == nil {
			return at, nil
		}
		if !lockerrors.IsContention(err) {
			return time.Time{}, err
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return time.Time{}, err
		}

		pause := interval
		if j := int64(interval / 5); j > 0 {
			pause += time.Duration(rand.Int63n(j))
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-timer.C:
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
		}
	}
}

// KeepAlive refreshes the lease every interval until ctx is done, which
// returns nil, or a refresh fails, which returns that error. A non-positive
// interval defaults to a third of the lease; if that is zero too the call
// fails with KindConfig.
func (l *DistLock) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = l.lease / 3
	}
	if interval <= 0 {
		return lockerrors.New(lockerrors.KindConfig, "keepalive", driver.ErrInvalidDuration)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.RefreshLock(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
