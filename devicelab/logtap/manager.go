// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package logtap fans the process-wide log stream out to dynamic consumers
// such as get-log RPC streams. Consumers must be non-blocking: the manager
// invokes them on the publishing goroutine.
package logtap

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Consumer receives batches of log records. Accept must not block; slow
// consumers buffer or drop on their own.
type Consumer interface {
	Accept(records []*structs.LogRecord)
}

// Manager maintains the consumer set. Attach and Detach are cheap and safe
// for concurrent use with Publish.
type Manager struct {
	mu        sync.RWMutex
	consumers map[Consumer]struct{}
}

func NewManager() *Manager {
	return &Manager{
		consumers: make(map[Consumer]struct{}),
	}
}

// Attach registers the consumer for all subsequent publishes.
func (m *Manager) Attach(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[c] = struct{}{}
}

// Detach removes the consumer. Detaching an absent consumer is a no-op.
func (m *Manager) Detach(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, c)
}

// ConsumerCount returns the number of attached consumers.
func (m *Manager) ConsumerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.consumers)
}

// Publish fans the records out to every consumer on the calling goroutine.
func (m *Manager) Publish(records ...*structs.LogRecord) {
	if len(records) == 0 {
		return
	}

	m.mu.RLock()
	consumers := make([]Consumer, 0, len(m.consumers))
	for c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.RUnlock()

	for _, c := range consumers {
		c.Accept(records)
	}
}

// Sink adapts the manager to hclog's InterceptLogger sink interface so the
// process log stream feeds the tap. Register it with RegisterSink.
type Sink struct {
	manager *Manager
}

func NewSink(manager *Manager) *Sink {
	return &Sink{manager: manager}
}

// Accept implements hclog.SinkAdapter.
func (s *Sink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	record := &structs.LogRecord{
		Level:      level.String(),
		Timestamp:  time.Now(),
		Message:    formatMessage(name, msg, args),
		Importance: structs.LogImportanceServer,
	}

	// Well-known arg keys attribute the record to a client or session.
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		switch key {
		case "client_id":
			record.ClientID = fmt.Sprintf("%v", args[i+1])
		case "session_id":
			record.SessionID = fmt.Sprintf("%v", args[i+1])
		}
	}

	s.manager.Publish(record)
}

func formatMessage(name, msg string, args []interface{}) string {
	out := msg
	if name != "" {
		out = name + ": " + msg
	}
	for i := 0; i+1 < len(args); i += 2 {
		out += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	return out
}

// FilterByClient returns the records visible to a stream filtered on
// clientID: records carrying a different client id are dropped, records
// without a client id pass unconditionally. The batch is walked twice so
// the common all-accepted (or none-accepted) case allocates nothing.
func FilterByClient(records []*structs.LogRecord, clientID string) []*structs.LogRecord {
	accepted := 0
	for _, r := range records {
		if r.ClientID == "" || r.ClientID == clientID {
			accepted++
		}
	}
	switch accepted {
	case len(records):
		return records
	case 0:
		return nil
	}

	out := make([]*structs.LogRecord, 0, accepted)
	for _, r := range records {
		if r.ClientID == "" || r.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out
}

// ChannelConsumer buffers accepted records on a channel, dropping with a
// counter when the receiver falls behind. It is the building block for
// streaming consumers.
type ChannelConsumer struct {
	ch chan []*structs.LogRecord

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewChannelConsumer(buffer int) *ChannelConsumer {
	return &ChannelConsumer{
		ch: make(chan []*structs.LogRecord, buffer),
	}
}

// C returns the channel batches are delivered on. It is closed by Close.
func (c *ChannelConsumer) C() <-chan []*structs.LogRecord {
	return c.ch
}

func (c *ChannelConsumer) Accept(records []*structs.LogRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.ch <- records:
	default:
		c.dropped += len(records)
	}
}

// Dropped returns the number of records dropped so far.
func (c *ChannelConsumer) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close makes further Accepts no-ops and closes the channel.
func (c *ChannelConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
