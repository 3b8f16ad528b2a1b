// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"io"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// Config is the controller configuration. Everything the server touches is
// injected here; the core reads no environment variables.
type Config struct {
	// RPCAddr is the address the RPC listener binds to.
	RPCAddr string

	// DataDir holds the allocation database. Ignored in DevMode.
	DataDir string

	// DevMode replaces the persistent allocation store with an in-memory
	// one; restarts resume nothing.
	DevMode bool

	// LogLevel is the initial severity of the process logger.
	LogLevel string

	// LogOutput is the sink of the process logger.
	LogOutput io.Writer

	// Logger, when set, is used instead of constructing one from LogLevel
	// and LogOutput. SetLogLevel and the log tap require an intercept
	// logger.
	Logger hclog.InterceptLogger

	// SessionWorkers bounds concurrent session execution.
	SessionWorkers int

	// ShuffleDevices selects the global-shuffle placement strategy.
	ShuffleDevices bool

	// AliveClientTTL is how long a heartbeat keeps a client alive.
	AliveClientTTL time.Duration

	// KillGracePeriod is the window between the soft and the forced
	// shutdown after a successful kill-server.
	KillGracePeriod time.Duration
}

// DefaultConfig returns the starting point configurations are merged onto.
func DefaultConfig() *Config {
	return &Config{
		RPCAddr:         "127.0.0.1:7030",
		LogLevel:        "INFO",
		LogOutput:       os.Stderr,
		SessionWorkers:  defaultSessionWorkers,
		AliveClientTTL:  time.Minute,
		KillGracePeriod: 3 * time.Second,
	}
}
