// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import "os"

func env(key string) (string, bool) {
	return os.LookupEnv(key)
}
