// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package devicelab implements the orchestration controller: session
// lifecycle, device scheduling and the RPC facade consoles talk to.
package devicelab

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/devicelab/devicelab/logtap"
	"github.com/hashicorp/devicelab/devicelab/scheduler"
	"github.com/hashicorp/devicelab/devicelab/state"
	"github.com/hashicorp/devicelab/devicelab/stream"
	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Server is the controller process: it owns the allocation store, the
// scheduler loop, the session manager and the RPC listener.
type Server struct {
	config *Config
	logger hclog.InterceptLogger

	rpcListener   net.Listener
	rpcServer     *rpc.Server
	streamingRpcs *structs.StreamingRpcRegistry

	backend    state.Backend
	allocStore *state.AllocationStore
	broker     *stream.EventBroker
	scheduler  *scheduler.Scheduler
	sessions   *SessionManager
	logManager *logtap.Manager
	clients    *clientTracker

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	shutdownLock sync.Mutex
	shutdownCh   chan struct{}
	shutdown     bool

	killOnce sync.Once
}

// NewServer wires the subsystems together, restores persisted allocations
// and starts the scheduler loop and the RPC listener.
func NewServer(config *Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
			Name:   "devicelab",
			Level:  hclog.LevelFromString(config.LogLevel),
			Output: config.LogOutput,
		})
	}

	s := &Server{
		config:        config,
		logger:        logger,
		streamingRpcs: structs.NewStreamingRpcRegistry(),
		shutdownCh:    make(chan struct{}),
	}
	s.shutdownCtx, s.shutdownCancel = context.WithCancel(context.Background())

	// The log tap feeds every process log record to get-log streams.
	s.logManager = logtap.NewManager()
	logger.RegisterSink(logtap.NewSink(s.logManager))

	var err error
	if config.DevMode {
		s.backend = state.NewMemBackend()
	} else {
		s.backend, err = state.NewBoltBackend(config.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open allocation database: %w", err)
		}
	}

	s.allocStore = state.NewAllocationStore(s.backend, logger)
	if err := s.allocStore.Restore(); err != nil {
		s.backend.Close()
		return nil, fmt.Errorf("failed to restore allocations: %w", err)
	}

	s.broker = stream.NewEventBroker(logger)
	s.scheduler = scheduler.New(&scheduler.Config{
		AllocStore:     s.allocStore,
		Broker:         s.broker,
		Logger:         logger,
		ShuffleDevices: config.ShuffleDevices,
	})

	s.sessions, err = NewSessionManager(&SessionManagerConfig{
		Logger:     logger,
		Broker:     s.broker,
		Submitter:  s.scheduler,
		MaxWorkers: config.SessionWorkers,
	})
	if err != nil {
		s.backend.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	s.clients = newClientTracker(logger, config.AliveClientTTL)

	if err := s.setupRPC(); err != nil {
		s.backend.Close()
		return nil, fmt.Errorf("failed to start RPC layer: %w", err)
	}

	go s.scheduler.Run(s.shutdownCtx)
	go s.listen(s.shutdownCtx)

	s.logger.Info("server started", "rpc_addr", s.rpcListener.Addr().String(), "version", s.Version())
	return s, nil
}

// RegisterSessionPlugin exposes plugin registration to the embedding agent.
// Plugins must be registered before the first session is created.
func (s *Server) RegisterSessionPlugin(p Plugin) {
	s.sessions.RegisterPlugin(p)
}

// Scheduler returns the device matching engine for fleet management.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// RPCAddr returns the bound RPC address.
func (s *Server) RPCAddr() net.Addr {
	return s.rpcListener.Addr()
}

// ShutdownCh is closed when the server has shut down.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Shutdown stops the server: the listener closes, running sessions are
// cancelled and waited for, and the allocation database is closed.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return nil
	}
	s.shutdown = true
	s.logger.Info("shutting down server")

	s.shutdownCancel()
	if s.rpcListener != nil {
		s.rpcListener.Close()
	}
	s.sessions.Shutdown()
	err := s.backend.Close()
	close(s.shutdownCh)
	return err
}

// initiateKill performs the post-gating half of kill-server: a soft
// shutdown immediately, escalated to a forced process-level stop by the
// agent watching ShutdownCh once the grace period elapses.
func (s *Server) initiateKill() {
	s.killOnce.Do(func() {
		grace := s.config.KillGracePeriod
		s.logger.Info("kill-server accepted, shutting down", "grace", grace)
		go func() {
			s.Shutdown()
		}()
		go func() {
			time.Sleep(grace)
			if s.rpcListener != nil {
				s.rpcListener.Close()
			}
		}()
	})
}
