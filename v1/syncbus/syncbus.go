// Package syncbus carries lock release notifications between processes so
// that waiters can retry as soon as a holder lets go instead of polling.
//
// Notifications are hints: delivery is best effort and carries no payload.
// A waiter must still go through the lock protocol after waking up.
package syncbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// Bus publishes and delivers empty notifications on named topics.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a buffered channel receiving one value per
	// notification. It is closed on Unsubscribe or when ctx is done.
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// ReleasedTopic names the topic announcing releases of the lock stored in
// table under key. Characters outside [A-Za-z0-9_-] are replaced with '_'
// so the name is valid as a Kafka topic and a NATS subject token.
func ReleasedTopic(table, key string) string {
	return "distlock.released." + sanitize(table) + "." + sanitize(key)
}

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// fanout keeps the local subscriber channels of every topic.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers a new channel and reports whether it is the first one for
// topic.
func (f *fanout) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left. It
// reports false when ch was not registered.
func (f *fanout) remove(topic string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	found := false
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return true
	}
	f.subs[topic] = subs
	return false
}

// notify delivers one value to every subscriber of topic without blocking.
func (f *fanout) notify(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, topic)
	}
}

// unsubscribeOnDone removes ch once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus delivers notifications inside one process. Tests and
// single-process deployments use it.
type InMemoryBus struct {
	f         *fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.f.notify(topic)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.f.delivered.Load()}
}
