package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

const defaultOpTimeout = 5 * time.Second

var (
	// ErrConflict is returned by CreateIfAbsent when the item already exists.
	ErrConflict = stdErrors.New("adapter: item already exists")
	// ErrConditionFailed is returned when a guarded write finds a different
	// value in the condition field, or no item at all.
	ErrConditionFailed = stdErrors.New("adapter: condition failed")
	// ErrNotFound is returned when the item does not exist.
	ErrNotFound = stdErrors.New("adapter: item not found")
)

// Key addresses a single item: the table (or bucket, or key prefix) it lives
// in, the partition key attribute name and its value.
type Key struct {
	Table string
	Field string
	Value string
}

func (k Key) String() string {
	return k.Table + "/" + k.Value
}

// Item is the backend-neutral attribute map of a stored item. Values are
// string, int64 or float64.
type Item map[string]any

// Clone returns a shallow copy of the item.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// StringField returns the field as a string when it holds one.
func (it Item) StringField(name string) (string, bool) {
	v, ok := it[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Condition guards a write: Field must currently equal Value. An empty Value
// matches an item where the field is absent or empty.
type Condition struct {
	Field string
	Value string
}

func (c Condition) matches(it Item) bool {
	v, ok := it[c.Field]
	if !ok || v == nil {
		return c.Value == ""
	}
	s := fmt.Sprint(v)
	return s == c.Value
}

// Store abstracts a single-item store with atomic conditional writes.
//
// Implementations never retry: transient failures are returned to the caller
// wrapped, and retry policy belongs to the caller.
type Store interface {
	// CreateIfAbsent writes item under key only when no item exists yet.
	// It returns ErrConflict when the item already exists.
	CreateIfAbsent(ctx context.Context, key Key, item Item) error
	// UpdateIfMatch sets the fields of item on the existing item when cond
	// holds and returns the item as stored after the write. It returns
	// ErrConditionFailed when cond does not hold or the item is missing.
	UpdateIfMatch(ctx context.Context, key Key, cond Condition, item Item) (Item, error)
	// Read returns the current item or ErrNotFound.
	Read(ctx context.Context, key Key) (Item, error)
	// DeleteIfMatch removes the item when cond holds. It returns
	// ErrConditionFailed on mismatch and ErrNotFound when there is no item.
	DeleteIfMatch(ctx context.Context, key Key, cond Condition) error
}

// Option configures the per-call timeout shared by all backends.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for backend calls.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkCtx maps an already expired context to ErrTimeout.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return lockerrors.ErrTimeout
		}
		return err
	}
	return nil
}

// wrap annotates a backend error, mapping deadlines to ErrTimeout.
func wrap(op string, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, lockerrors.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// InMemoryStore is a Store backed by a map. It is linearizable within one
// process and is meant for tests and single-process setups.
type InMemoryStore struct {
	mu     sync.Mutex
	tables map[string]map[string]Item
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tables: make(map[string]map[string]Item)}
}

func (s *InMemoryStore) table(name string) map[string]Item {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]Item)
		s.tables[name] = t
	}
	return t
}

// CreateIfAbsent implements Store.CreateIfAbsent.
func (s *InMemoryStore) CreateIfAbsent(ctx context.Context, key Key, item Item) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(key.Table)
	if _, ok := t[key.Value]; ok {
		return ErrConflict
	}
	stored := item.Clone()
	stored[key.Field] = key.Value
	t[key.Value] = stored
	return nil
}

// UpdateIfMatch implements Store.UpdateIfMatch.
func (s *InMemoryStore) UpdateIfMatch(ctx context.Context, key Key, cond Condition, item Item) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.table(key.Table)[key.Value]
	if !ok || !cond.matches(current) {
		return nil, ErrConditionFailed
	}
	for k, v := range item {
		if k == key.Field {
			continue
		}
		current[k] = v
	}
	return current.Clone(), nil
}

// Read implements Store.Read.
func (s *InMemoryStore) Read(ctx context.Context, key Key) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.table(key.Table)[key.Value]
	if !ok {
		return nil, ErrNotFound
	}
	return current.Clone(), nil
}

// DeleteIfMatch implements Store.DeleteIfMatch.
func (s *InMemoryStore) DeleteIfMatch(ctx context.Context, key Key, cond Condition) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(key.Table)
	current, ok := t[key.Value]
	if !ok {
		return ErrNotFound
	}
	if !cond.matches(current) {
		return ErrConditionFailed
	}
	delete(t, key.Value)
	return nil
}

// Put stores item unconditionally. Tests use it to seed foreign records.
func (s *InMemoryStore) Put(key Key, item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := item.Clone()
	stored[key.Field] = key.Value
	s.table(key.Table)[key.Value] = stored
}
