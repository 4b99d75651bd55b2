package record

import (
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-distlock/v1/adapter"
)

func TestEncode(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	item := DefaultSchema().Encode(Record{Token: "t", Duration: 30 * time.Second, HasDuration: true, RenewedAt: at})
	if item["rvn"] != "t" || item["duration"] != int64(30000) || item["renewed_at"] != int64(1_700_000_000_123) {
		t.Fatalf("unexpected item %v", item)
	}
	item = DefaultSchema().Encode(Record{Token: "t"})
	if len(item) != 1 {
		t.Fatalf("optional fields must be omitted, got %v", item)
	}
}

func TestDecodeShapes(t *testing.T) {
	s := Schema{TokenField: "owner", DurationField: "ttl", RenewedAtField: "ts"}
	cases := []struct {
		name string
		item adapter.Item
		want time.Duration
	}{
		{"int64", adapter.Item{"ttl": int64(1500)}, 1500 * time.Millisecond},
		{"int", adapter.Item{"ttl": 1500}, 1500 * time.Millisecond},
		{"float", adapter.Item{"ttl": float64(1500)}, 1500 * time.Millisecond},
		{"numeric string", adapter.Item{"ttl": "1500"}, 1500 * time.Millisecond},
		{"duration string", adapter.Item{"ttl": "1.5s"}, 1500 * time.Millisecond},
	}
	for _, c := range cases {
		r, err := s.Decode(c.item)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !r.HasDuration || r.Duration != c.want {
			t.Fatalf("%s: expected %v, got %+v", c.name, c.want, r)
		}
	}

	r, err := s.Decode(adapter.Item{"owner": "x", "ts": "1700000000000"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Token != "x" || r.HasDuration || !r.RenewedAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestDecodeErrors(t *testing.T) {
	s := DefaultSchema()
	bad := []adapter.Item{
		{"rvn": int64(1)},
		{"duration": "soon"},
		{"duration": int64(-5)},
		{"duration": 1.5},
		{"renewed_at": true},
		{"renewed_at": "yesterday"},
	}
	for i, item := range bad {
		if _, err := s.Decode(item); !errors.Is(err, ErrDecode) {
			t.Fatalf("case %d: expected ErrDecode, got %v", i, err)
		}
	}
}

func TestStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name string
		r    Record
		skew time.Duration
		want bool
	}{
		{"no token", Record{}, 0, true},
		{"no timestamp", Record{Token: "a", Duration: time.Second, HasDuration: true}, 0, false},
		{"live", Record{Token: "a", Duration: time.Minute, HasDuration: true, RenewedAt: now.Add(-time.Second)}, 0, false},
		{"expired", Record{Token: "a", Duration: time.Second, HasDuration: true, RenewedAt: now.Add(-2 * time.Second)}, 0, true},
		{"exactly expired", Record{Token: "a", Duration: time.Second, HasDuration: true, RenewedAt: now.Add(-time.Second)}, 0, true},
		{"inside skew", Record{Token: "a", Duration: time.Second, HasDuration: true, RenewedAt: now.Add(-2 * time.Second)}, 5 * time.Second, false},
		{"fallback duration", Record{Token: "a", RenewedAt: now.Add(-2 * time.Second)}, 0, false},
	}
	for _, c := range cases {
		if got := c.r.Stale(now, 10*time.Second, c.skew); got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestExpiresAt(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	r := Record{Token: "a", RenewedAt: at}
	if got := r.ExpiresAt(time.Minute); !got.Equal(at.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", got)
	}
	if !(Record{Token: "a"}).ExpiresAt(time.Minute).IsZero() {
		t.Fatal("expected zero expiry without timestamp")
	}
}
