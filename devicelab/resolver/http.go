// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// NewHTTPResolver fetches sources of one http scheme into cacheDir.
func NewHTTPResolver(scheme, cacheDir string, timeout time.Duration, client *http.Client) *RemoteResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return NewRemoteResolver(scheme, cacheDir, timeout, func(ctx context.Context, source Source, dest string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.Path, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}

		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer out.Close()

		_, err = io.Copy(out, resp.Body)
		return err
	})
}
