// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package resolver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// LocalFileResolver accepts plain paths and file:// URLs; the file must
// already exist on disk.
type LocalFileResolver struct{}

func NewLocalFileResolver() *LocalFileResolver { return &LocalFileResolver{} }

func (r *LocalFileResolver) Name() string { return "local_file" }

func (r *LocalFileResolver) ShouldResolve(source Source) bool {
	if strings.HasPrefix(source.Path, "file://") {
		return true
	}
	return !strings.Contains(source.Path, "://")
}

func (r *LocalFileResolver) Resolve(_ context.Context, source Source) (*Result, error) {
	path := strings.TrimPrefix(source.Path, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return nil, structs.NewErr(structs.ErrKindResolveFile,
			"resolving local file %q: %v", path, err)
	}
	if info.IsDir() {
		return nil, structs.NewErr(structs.ErrKindResolveFile,
			"resolving local file %q: is a directory", path)
	}
	return &Result{
		LocalPath:  path,
		ResolvedAt: time.Now(),
	}, nil
}

// FetchFunc downloads a remote source into dest.
type FetchFunc func(ctx context.Context, source Source, dest string) error

// RemoteResolver downloads sources with a matching URL scheme into a cache
// directory via a pluggable fetcher.
type RemoteResolver struct {
	scheme   string
	cacheDir string
	timeout  time.Duration
	fetch    FetchFunc
}

// NewRemoteResolver builds a resolver for one scheme, e.g. "http". A zero
// timeout means the caller's context governs.
func NewRemoteResolver(scheme, cacheDir string, timeout time.Duration, fetch FetchFunc) *RemoteResolver {
	return &RemoteResolver{
		scheme:   scheme,
		cacheDir: cacheDir,
		timeout:  timeout,
		fetch:    fetch,
	}
}

func (r *RemoteResolver) Name() string { return r.scheme + "_remote" }

func (r *RemoteResolver) ShouldResolve(source Source) bool {
	return strings.HasPrefix(source.Path, r.scheme+"://")
}

func (r *RemoteResolver) Resolve(ctx context.Context, source Source) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return nil, structs.NewErr(structs.ErrKindResolveFile,
			"creating resolver cache dir: %v", err)
	}

	dest := filepath.Join(r.cacheDir, filepath.Base(strings.TrimSuffix(source.Path, "/")))
	if err := r.fetch(ctx, source, dest); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, structs.NewErr(structs.ErrKindResolveTimeout,
				"resolving %q: %v", source.Path, err)
		}
		return nil, structs.NewErr(structs.ErrKindResolveFile,
			"resolving %q: %v", source.Path, err)
	}

	return &Result{
		LocalPath:  dest,
		ResolvedAt: time.Now(),
	}, nil
}
