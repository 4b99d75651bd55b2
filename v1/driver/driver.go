// Package driver implements the lease protocol verbs against one lock
// record: acquire, refresh and release, guarded by conditional writes on the
// record's token.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-distlock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/metrics"
	"github.com/mirkobrombin/go-distlock/v1/record"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-distlock/v1/driver")

// ErrInvalidDuration is wrapped in KindConfig errors for non-positive leases.
var ErrInvalidDuration = errors.New("lease duration must be positive")

// LockInput carries the per-call parameters of acquire and refresh.
type LockInput struct {
	// Duration is the lease length persisted with the record.
	Duration time.Duration
}

// Driver runs the lock protocol for a single record.
//
// A Driver is not safe for concurrent use: current token updates are not
// synchronized.
type Driver struct {
	store    adapter.Store
	cfg      Config
	key      adapter.Key
	schema   record.Schema
	now      func() time.Time
	newToken func() (string, error)
	logger   *slog.Logger

	currentToken string
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock replaces the wall clock used for renewed_at and staleness.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTokenGenerator replaces the random UUID token generator.
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(d *Driver) {
		if gen != nil {
			d.newToken = gen
		}
	}
}

// New returns a Driver for the record described by cfg. Empty field names
// fall back to DefaultConfig; table and key field names are not validated.
func New(store adapter.Store, cfg Config, opts ...Option) *Driver {
	cfg = cfg.withDefaults()
	d := &Driver{
		store: store,
		cfg:   cfg,
		key: adapter.Key{
			Table: cfg.TableName,
			Field: cfg.PartitionKeyFieldName,
			Value: cfg.PartitionKeyValue,
		},
		schema:   cfg.schema(),
		now:      time.Now,
		newToken: uuid.GenerateUUID,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.cfg }

// CurrentToken returns the last token this driver wrote or adopted, or ""
// when it holds nothing.
func (d *Driver) CurrentToken() string { return d.currentToken }

func (d *Driver) condition(token string) adapter.Condition {
	return adapter.Condition{Field: d.cfg.TokenFieldName, Value: token}
}

// Acquire takes the lock. The first writer creates the record; otherwise a
// stale record is replaced with a write guarded by the token just read. A
// live record, or a lost race, yields KindLockAlreadyAcquired.
func (d *Driver) Acquire(ctx context.Context, in LockInput) (err error) {
	const op = "acquire"
	ctx, span := d.startSpan(ctx, op)
	start := time.Now()
	result := metrics.ResultAcquired
	defer func() { d.finish(span, op, start, &result, err) }()

	if in.Duration <= 0 {
		return lockerrors.New(lockerrors.KindConfig, op, ErrInvalidDuration)
	}
	token, err := d.newToken()
	if err != nil {
		return lockerrors.New(lockerrors.KindBackend, op, fmt.Errorf("generate token: %w", err))
	}
	now := d.now()
	fresh := d.schema.Encode(record.Record{
		Token:       token,
		Duration:    in.Duration,
		HasDuration: true,
		RenewedAt:   now,
	})

	err = d.store.CreateIfAbsent(ctx, d.key, fresh)
	if err == nil {
		d.currentToken = token
		d.logger.Debug("distlock: lock created", "table", d.key.Table, "key", d.key.Value, "lease", in.Duration)
		return nil
	}
	if !errors.Is(err, adapter.ErrConflict) {
		return lockerrors.New(lockerrors.KindBackend, op, err)
	}

	item, err := d.store.Read(ctx, d.key)
	if errors.Is(err, adapter.ErrNotFound) {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, errors.New("record released during acquire"))
	}
	if errors.Is(err, adapter.ErrConditionFailed) {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, err)
	}
	if err != nil {
		return lockerrors.New(lockerrors.KindBackend, op, err)
	}
	existing, err := d.schema.Decode(item)
	if err != nil {
		return lockerrors.New(lockerrors.KindDecode, op, err)
	}
	if existing.Token != "" && existing.RenewedAt.IsZero() {
		d.logger.Warn("distlock: record has no renewal timestamp, treating as live",
			"table", d.key.Table, "key", d.key.Value, "field", d.cfg.RenewedAtFieldName)
	}
	if !existing.Stale(now, in.Duration, d.cfg.ClockSkewTolerance) {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, nil)
	}

	updated, err := d.store.UpdateIfMatch(ctx, d.key, d.condition(existing.Token), fresh)
	if errors.Is(err, adapter.ErrConditionFailed) {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, errors.New("lost takeover race"))
	}
	if err != nil {
		return lockerrors.New(lockerrors.KindBackend, op, err)
	}
	d.currentToken = d.tokenOf(updated, token)
	metrics.TakeoverCounter.Inc()
	d.logger.Info("distlock: took over stale lock", "table", d.key.Table, "key", d.key.Value,
		"renewed_at", existing.RenewedAt, "stored_lease", existing.Duration)
	return nil
}

// Refresh renews the lease: it writes a new token and resets renewed_at,
// guarded by the token this driver holds. A driver with no token adopts the
// stored one, which resumes a lease after a restart. A mismatch or a
// missing record yields KindLockAlreadyAcquired.
func (d *Driver) Refresh(ctx context.Context, in LockInput) (err error) {
	const op = "refresh"
	ctx, span := d.startSpan(ctx, op)
	start := time.Now()
	result := metrics.ResultRefreshed
	defer func() { d.finish(span, op, start, &result, err) }()

	if in.Duration <= 0 {
		return lockerrors.New(lockerrors.KindConfig, op, ErrInvalidDuration)
	}
	item, err := d.store.Read(ctx, d.key)
	if errors.Is(err, adapter.ErrNotFound) {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, errors.New("lock record not found"))
	}
	if err != nil {
		return lockerrors.New(lockerrors.KindBackend, op, err)
	}
	existing, err := d.schema.Decode(item)
	if err != nil {
		return lockerrors.New(lockerrors.KindDecode, op, err)
	}
	if existing.Token == "" {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, errors.New("lock record has no holder"))
	}
	if d.currentToken == "" {
		d.logger.Debug("distlock: adopting stored token", "table", d.key.Table, "key", d.key.Value)
	} else if d.currentToken != existing.Token {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, errors.New("token mismatch"))
	}

	token, err := d.newToken()
	if err != nil {
		return lockerrors.New(lockerrors.KindBackend, op, fmt.Errorf("generate token: %w", err))
	}
	fresh := d.schema.Encode(record.Record{
		Token:       token,
		Duration:    in.Duration,
		HasDuration: true,
		RenewedAt:   d.now(),
	})
	updated, err := d.store.UpdateIfMatch(ctx, d.key, d.condition(existing.Token), fresh)
	if errors.Is(err, adapter.ErrConditionFailed) {
		return lockerrors.New(lockerrors.KindLockAlreadyAcquired, op, errors.New("token changed during refresh"))
	}
	if err != nil {
		return lockerrors.New(lockerrors.KindBackend, op, err)
	}
	d.currentToken = d.tokenOf(updated, token)
	return nil
}

// Release deletes the record when it still carries this driver's token.
// A record reclaimed by someone else, or already gone, is a successful no-op.
func (d *Driver) Release(ctx context.Context) (err error) {
	const op = "release"
	ctx, span := d.startSpan(ctx, op)
	start := time.Now()
	result := metrics.ResultReleased
	defer func() { d.finish(span, op, start, &result, err) }()

	if d.currentToken == "" {
		result = metrics.ResultNoop
		return nil
	}
	err = d.store.DeleteIfMatch(ctx, d.key, d.condition(d.currentToken))
	switch {
	case err == nil:
	case errors.Is(err, adapter.ErrConditionFailed), errors.Is(err, adapter.ErrNotFound):
		result = metrics.ResultNoop
		d.logger.Debug("distlock: release found no record of ours", "table", d.key.Table, "key", d.key.Value)
		err = nil
	default:
		return lockerrors.New(lockerrors.KindBackend, op, err)
	}
	d.currentToken = ""
	return nil
}

// Inspect reads and decodes the record without changing any state. found is
// false when no record exists.
func (d *Driver) Inspect(ctx context.Context) (rec record.Record, found bool, err error) {
	const op = "inspect"
	item, err := d.store.Read(ctx, d.key)
	if errors.Is(err, adapter.ErrNotFound) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, lockerrors.New(lockerrors.KindBackend, op, err)
	}
	rec, err = d.schema.Decode(item)
	if err != nil {
		return record.Record{}, true, lockerrors.New(lockerrors.KindDecode, op, err)
	}
	return rec, true, nil
}

// tokenOf returns the token of a post-write item as the backend reported it,
// or fallback when the backend returned nothing usable.
func (d *Driver) tokenOf(item adapter.Item, fallback string) string {
	rec, err := d.schema.Decode(item)
	if err != nil || rec.Token == "" {
		return fallback
	}
	return rec.Token
}

func (d *Driver) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "distlock."+op, trace.WithAttributes(
		attribute.String("distlock.table", d.key.Table),
		attribute.String("distlock.key", d.key.Value),
	))
}

func (d *Driver) finish(span trace.Span, op string, start time.Time, result *string, err error) {
	switch {
	case err == nil:
	case lockerrors.IsContention(err):
		*result = metrics.ResultContended
	default:
		*result = metrics.ResultError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("distlock.result", *result))
	span.End()

	metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch op {
	case "acquire":
		metrics.AcquireCounter.WithLabelValues(*result).Inc()
	case "refresh":
		metrics.RefreshCounter.WithLabelValues(*result).Inc()
	case "release":
		metrics.ReleaseCounter.WithLabelValues(*result).Inc()
	}
}
