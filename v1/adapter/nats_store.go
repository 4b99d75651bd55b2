package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	nats "github.com/nats-io/nats.go"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

// NATSStore implements Store on JetStream key-value buckets. Key.Table is
// the bucket (created on first use) and Key.Value the entry key. Guarded
// writes use the entry revision, so the check and the write are atomic.
//
// The KeyValue API takes no context. Each call is bounded by ctx and the
// WithTimeout option; a call abandoned on timeout still finishes in the
// background under the connection's JetStream wait.
type NATSStore struct {
	js nats.JetStreamContext
	o  options

	mu      sync.Mutex
	buckets map[string]nats.KeyValue
}

// NewNATSStore returns a new NATSStore using the provided JetStream context.
func NewNATSStore(js nats.JetStreamContext, opts ...Option) *NATSStore {
	return &NATSStore{js: js, o: buildOptions(opts), buckets: make(map[string]nats.KeyValue)}
}

// call runs fn and stops waiting once ctx or the store timeout expires.
func (s *NATSStore) call(ctx context.Context, fn func() error) error {
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}

func (s *NATSStore) bucket(name string) (nats.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.buckets[name]; ok {
		return kv, nil
	}
	kv, err := s.js.KeyValue(name)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name, History: 1})
	}
	if err != nil {
		return nil, wrap("nats bucket "+name, err)
	}
	s.buckets[name] = kv
	return kv, nil
}

// isRevisionMismatch reports whether a guarded publish lost the race.
func isRevisionMismatch(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *NATSStore) mapErr(op string, err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("%s: %w", op, lockerrors.ErrConnectionClosed)
	}
	return wrap(op, err)
}

func (s *NATSStore) get(ctx context.Context, kv nats.KeyValue, key Key) (nats.KeyValueEntry, Item, error) {
	var entry nats.KeyValueEntry
	err := s.call(ctx, func() (err error) {
		entry, err = kv.Get(key.Value)
		return err
	})
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, s.mapErr("nats get", err)
	}
	var item Item
	if err := json.Unmarshal(entry.Value(), &item); err != nil {
		return nil, nil, fmt.Errorf("nats get %s: decode: %w", key, err)
	}
	return entry, item, nil
}

// CreateIfAbsent implements Store.CreateIfAbsent.
func (s *NATSStore) CreateIfAbsent(ctx context.Context, key Key, item Item) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	kv, err := s.bucket(key.Table)
	if err != nil {
		return err
	}
	stored := item.Clone()
	stored[key.Field] = key.Value
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	err = s.call(ctx, func() error {
		_, err := kv.Create(key.Value, data)
		return err
	})
	if err != nil {
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		return s.mapErr("nats create", err)
	}
	return nil
}

// UpdateIfMatch implements Store.UpdateIfMatch.
func (s *NATSStore) UpdateIfMatch(ctx context.Context, key Key, cond Condition, item Item) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	kv, err := s.bucket(key.Table)
	if err != nil {
		return nil, err
	}
	entry, current, err := s.get(ctx, kv, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, err
	}
	if !cond.matches(current) {
		return nil, ErrConditionFailed
	}
	for k, v := range item {
		if k == key.Field {
			continue
		}
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	err = s.call(ctx, func() error {
		_, err := kv.Update(key.Value, data, entry.Revision())
		return err
	})
	if err != nil {
		if isRevisionMismatch(err) {
			return nil, ErrConditionFailed
		}
		return nil, s.mapErr("nats update", err)
	}
	var stored Item
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Read implements Store.Read.
func (s *NATSStore) Read(ctx context.Context, key Key) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	kv, err := s.bucket(key.Table)
	if err != nil {
		return nil, err
	}
	_, item, err := s.get(ctx, kv, key)
	return item, err
}

// DeleteIfMatch implements Store.DeleteIfMatch.
func (s *NATSStore) DeleteIfMatch(ctx context.Context, key Key, cond Condition) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	kv, err := s.bucket(key.Table)
	if err != nil {
		return err
	}
	entry, current, err := s.get(ctx, kv, key)
	if err != nil {
		return err
	}
	if !cond.matches(current) {
		return ErrConditionFailed
	}
	err = s.call(ctx, func() error {
		return kv.Delete(key.Value, nats.LastRevision(entry.Revision()))
	})
	if err != nil {
		if isRevisionMismatch(err) {
			return ErrConditionFailed
		}
		return s.mapErr("nats delete", err)
	}
	return nil
}
