// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Handler is the capability interface plugins implement to receive events.
// Returning an error does not stop delivery to other handlers; the error is
// logged and it is the handler's responsibility to compensate (for
// allocation events, by unallocating).
type Handler interface {
	OnEvent(event *structs.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(event *structs.Event) error

func (f HandlerFunc) OnEvent(event *structs.Event) error { return f(event) }

type registration struct {
	name    string
	handler Handler
}

// EventBroker fans events out to registered handlers and channel
// subscriptions. Handlers are registered once at construction time with a
// topic tag; there is no reflective discovery. Subscriptions may come and go
// over the broker's lifetime.
//
// Publishing never blocks: handler dispatch is synchronous but handlers are
// required to be non-blocking, and subscription channels drop when full.
type EventBroker struct {
	mu sync.RWMutex

	handlers map[structs.Topic][]registration
	subs     map[*Subscription]struct{}

	logger hclog.Logger
}

func NewEventBroker(logger hclog.Logger) *EventBroker {
	return &EventBroker{
		handlers: make(map[structs.Topic][]registration),
		subs:     make(map[*Subscription]struct{}),
		logger:   logger.Named("event_broker"),
	}
}

// RegisterHandler attaches a named handler to a topic. TopicAll receives
// every event. Registration is expected to happen during construction,
// before the first Publish.
func (b *EventBroker) RegisterHandler(name string, topic structs.Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], registration{name: name, handler: handler})
}

// Publish delivers the event to every handler registered for its topic (and
// TopicAll), then to every live subscription whose topic matches.
func (b *EventBroker) Publish(event *structs.Event) {
	b.mu.RLock()
	regs := make([]registration, 0, len(b.handlers[event.Topic])+len(b.handlers[structs.TopicAll]))
	regs = append(regs, b.handlers[event.Topic]...)
	regs = append(regs, b.handlers[structs.TopicAll]...)
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, reg := range regs {
		if err := reg.handler.OnEvent(event); err != nil {
			b.logger.Error("event handler failed", "handler", reg.name,
				"topic", event.Topic, "type", event.Type, "error", err)
		}
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Subscribe creates a channel subscription for the topic (TopicAll for
// everything). The returned subscription must be closed by the caller.
func (b *EventBroker) Subscribe(topic structs.Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &Subscription{
		topic:  topic,
		eventc: make(chan *structs.Event, buffer),
		broker: b,
		logger: b.logger,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *EventBroker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

const defaultSubscriptionBuffer = 256

// Subscription is a buffered channel view of the event stream. Events are
// dropped (with a counter) rather than blocking the publisher.
type Subscription struct {
	topic  structs.Topic
	eventc chan *structs.Event
	broker *EventBroker
	logger hclog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Events returns the channel events are delivered on. The channel is closed
// by Close.
func (s *Subscription) Events() <-chan *structs.Event {
	return s.eventc
}

func (s *Subscription) deliver(event *structs.Event) {
	if s.topic != structs.TopicAll && s.topic != event.Topic {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.eventc <- event:
	default:
		s.dropped++
		s.logger.Warn("subscription buffer full, dropping event",
			"topic", event.Topic, "type", event.Type, "dropped", s.dropped)
	}
}

// Dropped returns the number of events dropped on this subscription.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the broker and closes its channel.
// Close is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.broker.unsubscribe(s)
	close(s.eventc)
}
