// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWait_WaitForResult(t *testing.T) {
	var polls atomic.Int64
	WaitForResult(func() (bool, error) {
		if polls.Add(1) < 3 {
			return false, errors.New("not yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	require.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestWait_WaitForResultRetries(t *testing.T) {
	var gotErr error
	WaitForResultRetries(3, func() (bool, error) {
		return false, errors.New("always failing")
	}, func(err error) {
		gotErr = err
	})

	require.Error(t, gotErr)
	require.Contains(t, gotErr.Error(), "always failing")
}
