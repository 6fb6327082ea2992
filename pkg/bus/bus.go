// Package bus fans committed exchange events out to subscribers. Delivery
// is at-most-once over bounded queues: a subscriber that cannot keep up is
// closed rather than allowed to stall the publisher.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/clob"
)

// DefaultBuffer is the per-subscription queue depth.
const DefaultBuffer = 256

// Bus is an in-process topic broadcaster. Publishers never block: the
// engine's worker loop must not wait on a slow websocket.
type Bus struct {
	log    *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	taps   map[*Subscription]struct{}
	closed bool

	// onDrop is invoked when a subscriber is closed for falling behind.
	onDrop func()
}

func New(log *zap.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		log:    log,
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
		taps:   make(map[*Subscription]struct{}),
	}
}

// OnDrop registers a callback fired whenever a slow subscriber is dropped.
func (b *Bus) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscription receives envelopes for its topic set on C. When the bus
// drops or closes the subscription, C is closed.
type Subscription struct {
	bus    *Bus
	ch     chan *clob.Envelope
	mu     sync.Mutex
	topics map[string]struct{}
	tap    bool
	done   bool
}

// C is the delivery channel.
func (s *Subscription) C() <-chan *clob.Envelope { return s.ch }

// Topics returns the current topic set.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Subscribe creates a subscription over the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	s := &Subscription{
		bus:    b,
		ch:     make(chan *clob.Envelope, b.buffer),
		topics: make(map[string]struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.done = true
		close(s.ch)
		return s
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
		b.attach(t, s)
	}
	return s
}

// Tap creates a subscription that receives every envelope regardless of
// topic. Used by the relay to mirror local events to remote processes.
func (b *Bus) Tap() *Subscription {
	s := &Subscription{
		bus:    b,
		ch:     make(chan *clob.Envelope, b.buffer),
		topics: make(map[string]struct{}),
		tap:    true,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.done = true
		close(s.ch)
		return s
	}
	b.taps[s] = struct{}{}
	return s
}

func (b *Bus) attach(topic string, s *Subscription) {
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[s] = struct{}{}
}

func (b *Bus) detach(topic string, s *Subscription) {
	if set, ok := b.subs[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Add joins the subscription to another topic.
func (s *Subscription) Add(topic string) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.bus.closed {
		return
	}
	if _, ok := s.topics[topic]; ok {
		return
	}
	s.topics[topic] = struct{}{}
	s.bus.attach(topic, s)
}

// Remove leaves a topic.
func (s *Subscription) Remove(topic string) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if _, ok := s.topics[topic]; !ok {
		return
	}
	delete(s.topics, topic)
	s.bus.detach(topic, s)
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

// closeLocked requires the bus lock.
func (s *Subscription) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for t := range s.topics {
		s.bus.detach(t, s)
	}
	delete(s.bus.taps, s)
	close(s.ch)
}

// Publish delivers an envelope to topic subscribers and every tap.
func (b *Bus) Publish(topic string, env *clob.Envelope) {
	b.deliver(topic, env, true)
}

// Inject delivers an envelope that arrived from a remote process. Taps
// are skipped so relayed events do not echo back out.
func (b *Bus) Inject(topic string, env *clob.Envelope) {
	b.deliver(topic, env, false)
}

func (b *Bus) deliver(topic string, env *clob.Envelope, toTaps bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	var dropped []*Subscription
	send := func(s *Subscription) {
		select {
		case s.ch <- env:
		default:
			dropped = append(dropped, s)
		}
	}
	for s := range b.subs[topic] {
		send(s)
	}
	if toTaps {
		for s := range b.taps {
			send(s)
		}
	}
	for _, s := range dropped {
		s.closeLocked()
		if b.onDrop != nil {
			b.onDrop()
		}
		b.log.Warn("subscriber dropped, queue full", zap.String("topic", topic))
	}
}

// Close shuts the bus down, closing every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*Subscription]struct{})
	for _, set := range b.subs {
		for s := range set {
			seen[s] = struct{}{}
		}
	}
	for s := range b.taps {
		seen[s] = struct{}{}
	}
	for s := range seen {
		s.closeLocked()
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.taps = make(map[*Subscription]struct{})
}
