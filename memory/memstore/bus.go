package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/memhive/memoryd/memory"
)

// Bus is an in-process EventBus with glob channel patterns. Delivery is
// per-subscriber FIFO; a full subscriber buffer drops the message rather
// than blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*busSub]bool
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*busSub]bool)}
}

const busSubBuffer = 128

type busSub struct {
	bus     *Bus
	pattern string
	ch      chan memory.BusMessage
	once    sync.Once
}

func (s *busSub) Events() <-chan memory.BusMessage { return s.ch }

func (s *busSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg := memory.BusMessage{Channel: channel, Payload: payload}
	for s := range b.subs {
		if !PatternMatches(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			// Slow subscriber; the realtime coordinator layers its own
			// criticality-aware queueing above this.
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, pattern string) (memory.Subscription, error) {
	s := &busSub{bus: b, pattern: pattern, ch: make(chan memory.BusMessage, busSubBuffer)}
	b.mu.Lock()
	b.subs[s] = true
	b.mu.Unlock()
	return s, nil
}

func (b *Bus) Ping(ctx context.Context) error { return nil }

// PatternMatches implements dot-separated glob matching: * matches exactly
// one segment. memory.u1.*.memory_added matches any agent of u1.
func PatternMatches(pattern, channel string) bool {
	ps := strings.Split(pattern, ".")
	cs := strings.Split(channel, ".")
	if len(ps) != len(cs) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != cs[i] {
			return false
		}
	}
	return true
}

var _ memory.EventBus = (*Bus)(nil)
