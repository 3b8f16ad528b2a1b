// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/devicelab/devicelab/logtap"
	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Control is the control-service RPC endpoint: kill-server, heartbeat,
// log level and the get-log stream.
type Control struct {
	srv    *Server
	logger hclog.Logger
}

// KillServer shuts the server down on behalf of a client, unless other
// work is still in flight. The reply always carries the server PID so the
// console can fall back to signalling.
func (e *Control) KillServer(args *structs.KillServerRequest, reply *structs.KillServerResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "control", "kill_server"}, time.Now())

	reply.Pid = os.Getpid()

	// Abort the caller's unfinished sessions first; they become
	// aborted-while-running and finish on their own.
	var ids []string
	for _, session := range e.srv.sessions.UnfinishedSessions(args.ClientID, false) {
		ids = append(ids, session.ID)
	}
	e.srv.sessions.AbortSessions(ids)

	// Gate on work that is still live: any session that has not reached
	// FINISHED (the aborts above are cooperative and may still be in
	// flight), and other clients with a recent heartbeat.
	for _, session := range e.srv.sessions.UnfinishedSessions("", false) {
		reply.UnfinishedSessions = append(reply.UnfinishedSessions, session.ID)
	}

	e.srv.clients.Remove(args.ClientID)
	reply.AliveClients = e.srv.clients.Alive()

	if len(reply.UnfinishedSessions) > 0 || len(reply.AliveClients) > 0 {
		e.logger.Info("kill-server refused",
			"client_id", args.ClientID,
			"unfinished_sessions", len(reply.UnfinishedSessions),
			"alive_clients", len(reply.AliveClients))
		reply.Success = false
		return nil
	}

	reply.Success = true
	e.srv.initiateKill()
	return nil
}

// Heartbeat refreshes the client's entry in the alive-clients set.
func (e *Control) Heartbeat(args *structs.HeartbeatRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "control", "heartbeat"}, time.Now())

	if args.ClientID == "" {
		return structs.NewErr(structs.ErrKindInvalidArgument, "client id is required")
	}
	e.srv.clients.Heartbeat(args.ClientID)
	return nil
}

// SetLogLevel applies a severity to the process-wide logger.
func (e *Control) SetLogLevel(args *structs.SetLogLevelRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "control", "set_log_level"}, time.Now())

	level := hclog.LevelFromString(strings.ToLower(args.Level))
	if level == hclog.NoLevel {
		return structs.NewErr(structs.ErrKindInvalidArgument, "unknown log level %q", args.Level)
	}

	e.srv.logger.SetLevel(level)
	e.logger.Info("log level changed", "level", level)
	return nil
}

// getLog is the Control.GetLog streaming handler. Request frames toggle
// the subscription and set the stream's client-id filter; response frames
// carry batches of accepted records in publish order.
func (e *Control) getLog(conn io.ReadWriteCloser) {
	defer conn.Close()
	defer metrics.MeasureSince([]string{"devicelab", "control", "get_log"}, time.Now())

	decoder := codec.NewDecoder(conn, structs.MsgpackHandle)
	encoder := codec.NewEncoder(conn, structs.MsgpackHandle)

	consumer := logtap.NewChannelConsumer(64)
	defer func() {
		e.srv.logManager.Detach(consumer)
		consumer.Close()
	}()

	var mu sync.Mutex
	var clientID string
	attached := false

	errCh := make(chan error, 1)
	go func() {
		for {
			var frame structs.GetLogRequest
			if err := decoder.Decode(&frame); err != nil {
				errCh <- err
				return
			}

			mu.Lock()
			clientID = frame.ClientID
			mu.Unlock()

			if frame.Enable && !attached {
				e.srv.logManager.Attach(consumer)
				attached = true
			} else if !frame.Enable && attached {
				e.srv.logManager.Detach(consumer)
				attached = false
			}
		}
	}()

	for {
		select {
		case <-e.srv.shutdownCtx.Done():
			return

		case err := <-errCh:
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				encoder.Encode(&structs.GetLogBatch{
					Error: structs.NewRpcError(err, codeForStream(err)),
				})
			}
			return

		case batch, ok := <-consumer.C():
			if !ok {
				return
			}

			mu.Lock()
			filter := clientID
			mu.Unlock()

			records := logtap.FilterByClient(batch, filter)
			if len(records) == 0 {
				continue
			}
			if err := encoder.Encode(&structs.GetLogBatch{Records: records}); err != nil {
				return
			}
		}
	}
}
