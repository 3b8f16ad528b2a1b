// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package resolver

import (
	"context"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// Failures expire fast so transient errors retry soon; successes stay
	// around for the length of a long test run.
	failureTTL = 3 * time.Minute
	successTTL = 3 * time.Hour

	cacheSize = 4096
)

// CachingResolver memoizes the results of another resolver. Concurrent
// resolves of the same key share a single in-flight call.
type CachingResolver struct {
	logger hclog.Logger
	next   Resolver

	group     singleflight.Group
	successes *expirable.LRU[string, *Result]
	failures  *expirable.LRU[string, error]
}

func NewCachingResolver(logger hclog.Logger, next Resolver) *CachingResolver {
	return &CachingResolver{
		logger:    logger.Named("resolver_cache"),
		next:      next,
		successes: expirable.NewLRU[string, *Result](cacheSize, nil, successTTL),
		failures:  expirable.NewLRU[string, error](cacheSize, nil, failureTTL),
	}
}

func (c *CachingResolver) Name() string { return "cache(" + c.next.Name() + ")" }

func (c *CachingResolver) ShouldResolve(source Source) bool {
	return c.next.ShouldResolve(source)
}

func (c *CachingResolver) Resolve(ctx context.Context, source Source) (*Result, error) {
	key := source.Key()

	if result, ok := c.successes.Get(key); ok {
		if c.fresh(result) {
			metrics.IncrCounter([]string{"devicelab", "resolver", "cache_hit"}, 1)
			return result, nil
		}
		c.logger.Debug("cached result is stale, re-resolving", "path", source.Path)
		c.successes.Remove(key)
	}
	if err, ok := c.failures.Get(key); ok {
		metrics.IncrCounter([]string{"devicelab", "resolver", "cache_hit"}, 1)
		return nil, err
	}

	metrics.IncrCounter([]string{"devicelab", "resolver", "cache_miss"}, 1)
	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, err := c.next.Resolve(ctx, source)
		if err != nil {
			c.failures.Add(key, err)
			return nil, err
		}
		c.successes.Add(key, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Result), nil
}

// fresh reports whether a cached result is still usable: the resolved file
// must exist and the result must not have outlived the success TTL. The LRU
// expires entries on its own; the timestamp check covers results that were
// refreshed in place by a re-add.
func (c *CachingResolver) fresh(result *Result) bool {
	if time.Since(result.ResolvedAt) > successTTL {
		return false
	}
	if result.LocalPath == "" {
		return true
	}
	_, err := os.Stat(result.LocalPath)
	return err == nil
}
