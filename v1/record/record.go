// Package record maps a lock record's logical fields to and from the
// attribute map stored by an adapter, using configurable field names.
package record

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mirkobrombin/go-distlock/v1/adapter"
)

// Default field names.
const (
	DefaultTokenField     = "rvn"
	DefaultDurationField  = "duration"
	DefaultRenewedAtField = "renewed_at"
)

// ErrDecode is returned when a field is present but cannot be interpreted.
var ErrDecode = errors.New("record: decode")

// Schema names the attributes of a lock record.
type Schema struct {
	TokenField     string
	DurationField  string
	RenewedAtField string
}

// DefaultSchema returns the schema with default field names.
func DefaultSchema() Schema {
	return Schema{
		TokenField:     DefaultTokenField,
		DurationField:  DefaultDurationField,
		RenewedAtField: DefaultRenewedAtField,
	}
}

// Record is the logical content of a lock item.
type Record struct {
	// Token is the current lease generation. Empty means no active holder.
	Token string
	// Duration is the lease length. Zero when HasDuration is false.
	Duration    time.Duration
	HasDuration bool
	// RenewedAt is the writer's clock at the last acquire or refresh. Zero
	// when the item carries no timestamp.
	RenewedAt time.Time
}

// Encode returns the attribute map for r. Durations are stored as integer
// milliseconds and timestamps as Unix milliseconds.
func (s Schema) Encode(r Record) adapter.Item {
	item := adapter.Item{s.TokenField: r.Token}
	if r.HasDuration {
		item[s.DurationField] = r.Duration.Milliseconds()
	}
	if !r.RenewedAt.IsZero() {
		item[s.RenewedAtField] = r.RenewedAt.UnixMilli()
	}
	return item
}

// Decode reads a Record from item. Missing fields leave the zero value;
// fields with unusable contents yield an error wrapping ErrDecode.
func (s Schema) Decode(item adapter.Item) (Record, error) {
	var r Record
	if v, ok := item[s.TokenField]; ok && v != nil {
		tok, ok := v.(string)
		if !ok {
			return Record{}, fmt.Errorf("%w: field %q: want string, got %T", ErrDecode, s.TokenField, v)
		}
		r.Token = tok
	}
	if v, ok := item[s.DurationField]; ok && v != nil {
		d, err := parseDuration(v)
		if err != nil {
			return Record{}, fmt.Errorf("%w: field %q: %v", ErrDecode, s.DurationField, err)
		}
		r.Duration, r.HasDuration = d, true
	}
	if v, ok := item[s.RenewedAtField]; ok && v != nil {
		ms, err := parseMillis(v)
		if err != nil {
			return Record{}, fmt.Errorf("%w: field %q: %v", ErrDecode, s.RenewedAtField, err)
		}
		r.RenewedAt = time.UnixMilli(ms)
	}
	return r, nil
}

// Stale reports whether the lease recorded in r has run out at now.
//
// A record without a token is always stale. A record without a duration is
// judged with fallback. A record without a timestamp is never stale since
// its age cannot be known. skew is added to the lease before comparing.
func (r Record) Stale(now time.Time, fallback, skew time.Duration) bool {
	if r.Token == "" {
		return true
	}
	if r.RenewedAt.IsZero() {
		return false
	}
	d := r.Duration
	if !r.HasDuration {
		d = fallback
	}
	return now.Sub(r.RenewedAt) >= d+skew
}

// ExpiresAt returns the instant the lease runs out, or the zero time when
// the record carries no timestamp.
func (r Record) ExpiresAt(fallback time.Duration) time.Time {
	if r.RenewedAt.IsZero() {
		return time.Time{}
	}
	d := r.Duration
	if !r.HasDuration {
		d = fallback
	}
	return r.RenewedAt.Add(d)
}

func parseDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return checkDuration(time.Duration(ms) * time.Millisecond)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("unparsable duration %q", t)
		}
		return checkDuration(d)
	default:
		ms, err := parseMillis(v)
		if err != nil {
			return 0, err
		}
		return checkDuration(time.Duration(ms) * time.Millisecond)
	}
}

func checkDuration(d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

func parseMillis(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t != math.Trunc(t) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
