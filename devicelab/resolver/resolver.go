// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package resolver implements the pluggable file-resolution chain: the
// first resolver that accepts a source handles it, and a caching head
// memoizes results so concurrent resolves of one source share the work.
package resolver

import (
	"context"
	"sort"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Source identifies a file to resolve.
type Source struct {
	Path       string
	Parameters map[string]string
}

// Key is the memoization key: path plus sorted parameters.
func (s Source) Key() string {
	if len(s.Parameters) == 0 {
		return s.Path
	}

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Path)
	for _, k := range keys {
		b.WriteByte('?')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Parameters[k])
	}
	return b.String()
}

// Result is a successful resolution.
type Result struct {
	// LocalPath is where the resolved file lives.
	LocalPath string

	// ResolvedAt is when the resolution happened; the cache uses it for
	// staleness checks.
	ResolvedAt time.Time

	Properties map[string]string
}

// Resolver handles one family of sources.
type Resolver interface {
	Name() string

	// ShouldResolve reports whether this resolver handles the source.
	ShouldResolve(source Source) bool

	// Resolve fetches the source. Implementations observe ctx.
	Resolve(ctx context.Context, source Source) (*Result, error)
}

// BatchResolver is implemented by resolvers that can warm up a batch of
// sources ahead of individual resolves.
type BatchResolver interface {
	PreProcess(ctx context.Context, sources []Source) error
}

// Future is the handle of an asynchronous resolve.
type Future struct {
	ch     chan struct{}
	result *Result
	err    error
}

func newFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

func (f *Future) complete(result *Result, err error) {
	f.result = result
	f.err = err
	close(f.ch)
}

// Done is closed when the resolve finished.
func (f *Future) Done() <-chan struct{} {
	return f.ch
}

// Wait blocks for the result or the context.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.ch:
		return f.result, f.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, structs.NewErr(structs.ErrKindResolveTimeout, "resolve timed out")
		}
		return nil, ctx.Err()
	}
}

// Chain dispatches sources to the first accepting resolver. Asynchronous
// resolves share one bounded executor.
type Chain struct {
	logger    hclog.Logger
	resolvers []Resolver
	slots     chan struct{}
}

// NewChain builds a chain over the resolvers in priority order. workers
// bounds concurrent asynchronous resolves; zero selects a default of 4.
func NewChain(logger hclog.Logger, workers int, resolvers ...Resolver) *Chain {
	if workers <= 0 {
		workers = 4
	}
	return &Chain{
		logger:    logger.Named("resolver"),
		resolvers: resolvers,
		slots:     make(chan struct{}, workers),
	}
}

// Name implements Resolver so a chain can sit behind the caching head.
func (c *Chain) Name() string { return "chain" }

// ShouldResolve reports whether any resolver accepts the source.
func (c *Chain) ShouldResolve(source Source) bool {
	return c.pick(source) != nil
}

func (c *Chain) pick(source Source) Resolver {
	for _, r := range c.resolvers {
		if r.ShouldResolve(source) {
			return r
		}
	}
	return nil
}

// Resolve runs the first accepting resolver synchronously.
func (c *Chain) Resolve(ctx context.Context, source Source) (*Result, error) {
	defer metrics.MeasureSince([]string{"devicelab", "resolver", "resolve"}, time.Now())

	r := c.pick(source)
	if r == nil {
		return nil, structs.NewErr(structs.ErrKindResolveFile,
			"no resolver accepts %q", source.Path)
	}

	result, err := r.Resolve(ctx, source)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, structs.NewErr(structs.ErrKindResolveTimeout,
				"resolving %q: %v", source.Path, err)
		}
		return nil, err
	}
	if result.ResolvedAt.IsZero() {
		result.ResolvedAt = time.Now()
	}
	return result, nil
}

// ResolveAsync resolves on the shared executor and returns a future.
func (c *Chain) ResolveAsync(ctx context.Context, source Source) *Future {
	future := newFuture()
	go func() {
		select {
		case c.slots <- struct{}{}:
			defer func() { <-c.slots }()
		case <-ctx.Done():
			future.complete(nil, ctx.Err())
			return
		}
		future.complete(c.Resolve(ctx, source))
	}()
	return future
}

// PreProcess hands each accepting resolver its slice of the batch. Sources
// nobody accepts are skipped; a resolver without batch support warms up
// nothing.
func (c *Chain) PreProcess(ctx context.Context, sources []Source) error {
	grouped := make(map[Resolver][]Source)
	for _, source := range sources {
		if r := c.pick(source); r != nil {
			grouped[r] = append(grouped[r], source)
		}
	}

	for r, batch := range grouped {
		br, ok := r.(BatchResolver)
		if !ok {
			continue
		}
		if err := br.PreProcess(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
