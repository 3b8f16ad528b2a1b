// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"io"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Session is the session-service RPC endpoint.
type Session struct {
	srv    *Server
	logger hclog.Logger
}

// Create submits a session and replies as soon as it is recorded.
func (e *Session) Create(args *structs.SessionCreateRequest, reply *structs.SessionCreateResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "session", "create"}, time.Now())

	detail, _, err := e.srv.sessions.AddSession(args.Config)
	if err != nil {
		return err
	}
	reply.Session = detail
	return nil
}

// Run submits a session and defers the reply until it reaches FINISHED.
func (e *Session) Run(args *structs.SessionRunRequest, reply *structs.SessionRunResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "session", "run"}, time.Now())

	_, result, err := e.srv.sessions.AddSession(args.Config)
	if err != nil {
		return err
	}

	detail, runErr := result.Wait(e.srv.shutdownCtx)
	if detail == nil {
		return runErr
	}

	// Execution errors are part of the terminal detail, not an RPC failure.
	reply.Session = detail
	return nil
}

// Get returns the masked view of one session.
func (e *Session) Get(args *structs.SessionSpecificRequest, reply *structs.SessionGetResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "session", "get"}, time.Now())

	detail, err := e.srv.sessions.GetSession(args.ID, args.FieldMask)
	if err != nil {
		return err
	}
	reply.Session = detail
	return nil
}

// List returns the masked views of every session admitted by the filter.
func (e *Session) List(args *structs.SessionListRequest, reply *structs.SessionListResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "session", "list"}, time.Now())

	sessions, err := e.srv.sessions.ListSessions(args.Filter, args.FieldMask)
	if err != nil {
		return err
	}
	reply.Sessions = sessions
	return nil
}

// Notify delivers a notification to the named sessions.
func (e *Session) Notify(args *structs.SessionNotifyRequest, reply *structs.SessionNotifyResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "session", "notify"}, time.Now())

	if args.Notification == nil {
		return structs.NewErr(structs.ErrKindInvalidArgument, "notification is required")
	}
	reply.NotifiedIDs = e.srv.sessions.NotifySessions(args.IDs, args.Notification)
	return nil
}

// NotifyAll delivers a notification to every session admitted by the
// filter.
func (e *Session) NotifyAll(args *structs.SessionNotifyAllRequest, reply *structs.SessionNotifyResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "session", "notify_all"}, time.Now())

	if args.Notification == nil {
		return structs.NewErr(structs.ErrKindInvalidArgument, "notification is required")
	}
	ids, err := e.srv.sessions.NotifyAllSessions(args.Filter, args.Notification)
	if err != nil {
		return err
	}
	reply.NotifiedIDs = ids
	return nil
}

// Abort requests the named sessions stop at their next cooperative
// checkpoint. Unknown ids are ignored.
func (e *Session) Abort(args *structs.SessionAbortRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"devicelab", "session", "abort"}, time.Now())

	e.srv.sessions.AbortSessions(args.IDs)
	return nil
}

// subscribeSelection is the mutable selection state of one subscribe
// stream, updated by client frames.
type subscribeSelection struct {
	mu   sync.Mutex
	all  bool
	ids  *set.Set[string]
	mask *structs.FieldMask
}

func (s *subscribeSelection) update(frame *structs.SessionSubscribeSelect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = frame.All
	s.ids = set.From(frame.SessionIDs)
	s.mask = frame.FieldMask
}

func (s *subscribeSelection) admit(id string) (*structs.FieldMask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all || (s.ids != nil && s.ids.Contains(id)) {
		return s.mask, true
	}
	return nil, false
}

// subscribe is the Session.Subscribe streaming handler. The client first
// sends a SessionSubscribeRequest, then SessionSubscribeSelect frames to
// steer the selection; the server streams status transitions for the
// selected sessions in event order.
func (e *Session) subscribe(conn io.ReadWriteCloser) {
	defer conn.Close()
	defer metrics.MeasureSince([]string{"devicelab", "session", "subscribe"}, time.Now())

	decoder := codec.NewDecoder(conn, structs.MsgpackHandle)
	encoder := codec.NewEncoder(conn, structs.MsgpackHandle)

	var header structs.SessionSubscribeRequest
	if err := decoder.Decode(&header); err != nil {
		e.sendSubscribeError(encoder, err)
		return
	}
	e.logger.Debug("session subscription opened", "client_id", header.ClientID)

	selection := &subscribeSelection{}
	errCh := make(chan error, 1)

	// Client frames arrive concurrently with event delivery; a decode
	// failure or EOF ends the stream.
	go func() {
		for {
			var frame structs.SessionSubscribeSelect
			if err := decoder.Decode(&frame); err != nil {
				errCh <- err
				return
			}
			selection.update(&frame)
		}
	}()

	sub := e.srv.broker.Subscribe(structs.TopicSession, 256)
	defer sub.Close()

	for {
		select {
		case <-e.srv.shutdownCtx.Done():
			return

		case err := <-errCh:
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				e.sendSubscribeError(encoder, err)
			}
			return

		case event := <-sub.Events():
			payload, ok := event.Payload.(*structs.SessionEvent)
			if !ok || payload.Session == nil {
				continue
			}
			mask, ok := selection.admit(payload.Session.ID)
			if !ok {
				continue
			}

			frame := &structs.SessionSubscribeEvent{
				Session: mask.Apply(payload.Session),
			}
			if err := encoder.Encode(frame); err != nil {
				return
			}
		}
	}
}

func (e *Session) sendSubscribeError(encoder *codec.Encoder, err error) {
	encoder.Encode(&structs.SessionSubscribeEvent{
		Error: structs.NewRpcError(err, codeForStream(err)),
	})
}
