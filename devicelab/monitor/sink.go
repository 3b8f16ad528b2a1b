// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package monitor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/devicelab/helper/uuid"
)

// HTTPSink posts batches to a collection endpoint as newline-delimited
// JSON. The endpoint does not echo ids, so the sink assigns its own.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Publish(ctx context.Context, payloads [][]byte) ([]string, error) {
	body := bytes.Join(payloads, []byte("\n"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	ids := make([]string, len(payloads))
	for i := range ids {
		ids[i] = uuid.Generate()
	}
	return ids, nil
}
