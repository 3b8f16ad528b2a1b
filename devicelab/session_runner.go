// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"context"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Plugin is a session plugin. Capabilities beyond the name are discovered
// by interface assertion when the runner dispatches, so a plugin implements
// only the hooks it needs.
type Plugin interface {
	Name() string
}

// StartingHandler plugins do the session's work. Handlers run in plugin
// order on the session's worker and must observe ctx at their cooperative
// checkpoints.
type StartingHandler interface {
	OnSessionStarting(ctx context.Context, run *Run) error
}

// EndedHandler plugins observe the session's terminal transition. They run
// after the work phase, whether or not it failed.
type EndedHandler interface {
	OnSessionEnded(ctx context.Context, run *Run, runErr error)
}

// NotifiedHandler plugins receive client notifications delivered to the
// running session. They run on the session's notify loop, one at a time
// but concurrent with the work phase.
type NotifiedHandler interface {
	OnSessionNotified(ctx context.Context, run *Run, n *structs.SessionNotification)
}

// Run is the per-session view handed to plugins. Notification handlers run
// concurrent with the work phase, so all Run methods are safe for
// concurrent use.
type Run struct {
	manager   *SessionManager
	sessionID string

	mu          sync.Mutex
	outputProps map[string]string
}

// SessionID returns the id of the running session.
func (r *Run) SessionID() string {
	return r.sessionID
}

// Session returns the current session record.
func (r *Run) Session() (*structs.Session, error) {
	return r.manager.lookup(r.sessionID)
}

// Submitter exposes the job-submission interface plugins plan into.
func (r *Run) Submitter() JobSubmitter {
	return r.manager.submitter
}

// SetOutputProperty records an output property merged into the session
// output when the session finishes.
func (r *Run) SetOutputProperty(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outputProps == nil {
		r.outputProps = make(map[string]string)
	}
	r.outputProps[key] = value
}

func (r *Run) properties() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.outputProps))
	for k, v := range r.outputProps {
		out[k] = v
	}
	return out
}

// sessionRunner executes one session: acquire a worker slot, move the
// session to RUNNING, drive the plugin chain, then finish the session and
// complete its result.
type sessionRunner struct {
	m       *SessionManager
	id      string
	plugins []Plugin
	result  *SessionResult

	ctx      context.Context
	cancelFn context.CancelFunc

	notifyCh chan *structs.SessionNotification
	doneCh   chan struct{}

	// sessionRun is set once execution starts; nil when the session was
	// aborted before its worker slot arrived.
	sessionRun *Run
}

func newSessionRunner(m *SessionManager, id string, plugins []Plugin, result *SessionResult) *sessionRunner {
	ctx, cancel := context.WithCancel(m.shutdownCtx)
	return &sessionRunner{
		m:        m,
		id:       id,
		plugins:  plugins,
		result:   result,
		ctx:      ctx,
		cancelFn: cancel,
		notifyCh: make(chan *structs.SessionNotification, sessionNotifyBuffer),
		doneCh:   make(chan struct{}),
	}
}

// cancel signals the runner to stop at its next cooperative checkpoint.
func (r *sessionRunner) cancel() {
	r.cancelFn()
}

// notify enqueues a notification without blocking. It reports false when
// the runner has finished or its buffer is full.
func (r *sessionRunner) notify(n *structs.SessionNotification) bool {
	select {
	case <-r.doneCh:
		return false
	default:
	}

	select {
	case r.notifyCh <- n:
		return true
	default:
		return false
	}
}

func (r *sessionRunner) run() {
	defer r.m.finishRunner(r.id)
	defer metrics.MeasureSince([]string{"devicelab", "session_runner", "run"}, time.Now())

	// Queued sessions stay in SUBMITTED until a worker slot frees up.
	select {
	case r.m.workerSlots <- struct{}{}:
		defer func() { <-r.m.workerSlots }()
	case <-r.ctx.Done():
		r.finish(r.abortErr())
		return
	}

	session, err := r.m.update(r.id, func(s *structs.Session) {
		s.Status = structs.SessionStatusRunning
		s.StartTime = time.Now()
	})
	if err != nil {
		r.m.logger.Error("failed to start session", "session_id", r.id, "error", err)
		r.finish(err)
		return
	}
	r.m.publishSession(session)
	r.m.logger.Info("session running", "session_id", r.id)

	r.sessionRun = &Run{manager: r.m, sessionID: r.id}

	stopNotify := r.startNotifyLoop(r.sessionRun)
	runErr := r.execute(r.sessionRun)
	stopNotify()

	r.dispatchEnded(r.sessionRun, runErr)
	r.finish(runErr)
}

// execute drives the StartingHandler chain, stopping at the first error or
// cancellation.
func (r *sessionRunner) execute(run *Run) error {
	for _, p := range r.plugins {
		if err := r.ctx.Err(); err != nil {
			return r.abortErr()
		}
		handler, ok := p.(StartingHandler)
		if !ok {
			continue
		}

		if err := handler.OnSessionStarting(r.ctx, run); err != nil {
			if r.ctx.Err() != nil {
				return r.abortErr()
			}
			kind := structs.KindOf(err)
			if kind == structs.ErrKindUnknown {
				kind = structs.ErrKindInternal
			}
			return structs.NewErr(kind, "plugin %s: %v", p.Name(), err)
		}
	}
	if r.ctx.Err() != nil {
		return r.abortErr()
	}
	return nil
}

// startNotifyLoop forwards queued notifications to NotifiedHandler plugins
// until the returned stop function is called.
func (r *sessionRunner) startNotifyLoop(run *Run) func() {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		for {
			select {
			case n := <-r.notifyCh:
				r.dispatchNotified(run, n)
			case <-stopCh:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

func (r *sessionRunner) dispatchNotified(run *Run, n *structs.SessionNotification) {
	for _, p := range r.plugins {
		if handler, ok := p.(NotifiedHandler); ok {
			handler.OnSessionNotified(r.ctx, run, n)
		}
	}
}

// dispatchEnded runs the EndedHandler hooks. Cancellation no longer stops
// teardown; hooks get a background context with a short grace period.
func (r *sessionRunner) dispatchEnded(run *Run, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, p := range r.plugins {
		if handler, ok := p.(EndedHandler); ok {
			handler.OnSessionEnded(ctx, run, runErr)
		}
	}
}

// finish moves the session to FINISHED, merges output properties, emits
// the terminal event and completes the result future.
func (r *sessionRunner) finish(runErr error) {
	close(r.doneCh)

	var props map[string]string
	if r.sessionRun != nil {
		props = r.sessionRun.properties()
	}

	session, err := r.m.update(r.id, func(s *structs.Session) {
		s.Status = structs.SessionStatusFinished
		s.EndTime = time.Now()
		if s.Output == nil {
			s.Output = &structs.SessionOutput{}
		}
		if runErr != nil {
			s.Output.Error = runErr.Error()
		}
		for k, v := range props {
			if s.Output.Properties == nil {
				s.Output.Properties = make(map[string]string)
			}
			s.Output.Properties[k] = v
		}
	})
	if err != nil {
		r.m.logger.Error("failed to finish session", "session_id", r.id, "error", err)
		r.result.complete(nil, multierror.Append(runErr, err).ErrorOrNil())
		return
	}

	r.m.publishSession(session)
	metrics.IncrCounter([]string{"devicelab", "session_runner", "finished"}, 1)
	if runErr != nil {
		r.m.logger.Warn("session finished with error", "session_id", r.id, "error", runErr)
	} else {
		r.m.logger.Info("session finished", "session_id", r.id)
	}

	r.result.complete(structs.NewSessionDetail(session), runErr)
	r.cancelFn()
}

// abortErr distinguishes a client abort from a server shutdown.
func (r *sessionRunner) abortErr() error {
	if session, err := r.m.lookup(r.id); err == nil && session.Aborted {
		return structs.NewErr(structs.ErrKindInternal, "session aborted")
	}
	return structs.NewErr(structs.ErrKindInternal, "server shutting down")
}
