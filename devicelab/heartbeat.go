// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxAliveClients bounds the alive-clients cache. Consoles are few; the
// bound only guards against id churn.
const maxAliveClients = 1024

// clientTracker is the short-TTL alive-clients set consulted by kill-server
// gating. Entries expire AliveClientTTL after their last heartbeat.
type clientTracker struct {
	logger hclog.Logger
	cache  *expirable.LRU[string, time.Time]
}

func newClientTracker(logger hclog.Logger, ttl time.Duration) *clientTracker {
	t := &clientTracker{
		logger: logger.Named("heartbeat"),
	}
	t.cache = expirable.NewLRU[string, time.Time](maxAliveClients, t.onEvict, ttl)
	return t
}

func (t *clientTracker) onEvict(clientID string, last time.Time) {
	t.logger.Debug("client expired from alive set", "client_id", clientID, "last_heartbeat", last)
}

// Heartbeat refreshes the client's entry.
func (t *clientTracker) Heartbeat(clientID string) {
	if clientID == "" {
		return
	}
	t.cache.Add(clientID, time.Now())
}

// Remove drops the client, typically the caller of kill-server.
func (t *clientTracker) Remove(clientID string) {
	if clientID == "" {
		return
	}
	t.cache.Remove(clientID)
}

// Alive returns the ids of clients with a live heartbeat.
func (t *clientTracker) Alive() []string {
	return t.cache.Keys()
}
