// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"context"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/devicelab/devicelab/stream"
	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/helper/uuid"
)

const (
	// defaultSessionWorkers bounds the number of sessions executing in
	// parallel. Queued sessions stay in SUBMITTED.
	defaultSessionWorkers = 8

	// sessionNotifyBuffer is the per-runner notification buffer. When it is
	// full the session is reported as not notified.
	sessionNotifyBuffer = 16

	sessionTable = "sessions"
)

// JobSubmitter is the slice of the scheduler that session plugins use to
// hand over planned jobs.
type JobSubmitter interface {
	AddJob(job *structs.Job) error
	AddTest(test *structs.Test) error
	RemoveJob(jobID string, removeDevices bool) error
}

// SessionManagerConfig bundles the collaborators of a SessionManager. All
// dependencies are injected; tests supply in-memory doubles.
type SessionManagerConfig struct {
	Logger    hclog.Logger
	Broker    *stream.EventBroker
	Submitter JobSubmitter

	// MaxWorkers bounds concurrent session execution. Zero selects the
	// default.
	MaxWorkers int
}

// SessionManager owns the session table and drives session execution
// through the registered plugin chain. Sessions progress SUBMITTED to
// RUNNING to FINISHED and never move backwards.
type SessionManager struct {
	logger    hclog.Logger
	broker    *stream.EventBroker
	submitter JobSubmitter

	db *memdb.MemDB

	mu      sync.Mutex
	plugins map[string]Plugin
	runners map[string]*sessionRunner

	workerSlots chan struct{}
	wg          sync.WaitGroup

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func sessionSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			sessionTable: {
				Name: sessionTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"client_id": {
						Name:         "client_id",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "ClientID"},
					},
				},
			},
		},
	}
}

func NewSessionManager(config *SessionManagerConfig) (*SessionManager, error) {
	db, err := memdb.NewMemDB(sessionSchema())
	if err != nil {
		return nil, err
	}

	workers := config.MaxWorkers
	if workers <= 0 {
		workers = defaultSessionWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &SessionManager{
		logger:         config.Logger.Named("session_manager"),
		broker:         config.Broker,
		submitter:      config.Submitter,
		db:             db,
		plugins:        make(map[string]Plugin),
		runners:        make(map[string]*sessionRunner),
		workerSlots:    make(chan struct{}, workers),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	return m, nil
}

// RegisterPlugin makes the plugin available to sessions by name. Plugins
// are registered at construction time, before the first AddSession.
func (m *SessionManager) RegisterPlugin(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[p.Name()] = p
}

// AddSession validates the config, persists the session in SUBMITTED and
// starts its execution. The returned result completes when the session
// reaches FINISHED. On error no session is recorded.
func (m *SessionManager) AddSession(config *structs.SessionConfig) (*structs.SessionDetail, *SessionResult, error) {
	defer metrics.MeasureSince([]string{"devicelab", "session_manager", "add_session"}, time.Now())

	if config == nil {
		return nil, nil, structs.NewErr(structs.ErrKindInvalidArgument, "session config is required")
	}

	m.mu.Lock()
	plugins := make([]Plugin, 0, len(config.Plugins))
	for _, name := range config.Plugins {
		p, ok := m.plugins[name]
		if !ok {
			m.mu.Unlock()
			return nil, nil, structs.NewErr(structs.ErrKindInvalidArgument, "unknown session plugin %q", name)
		}
		plugins = append(plugins, p)
	}
	m.mu.Unlock()

	session := &structs.Session{
		ID:         uuid.Generate(),
		Config:     config.Copy(),
		Status:     structs.SessionStatusSubmitted,
		ClientID:   config.ClientID,
		Output:     &structs.SessionOutput{},
		CreateTime: time.Now(),
	}

	txn := m.db.Txn(true)
	if err := txn.Insert(sessionTable, session); err != nil {
		txn.Abort()
		return nil, nil, structs.NewErr(structs.ErrKindInternal, "inserting session: %v", err)
	}
	txn.Commit()

	result := newSessionResult()
	runner := newSessionRunner(m, session.ID, plugins, result)

	m.mu.Lock()
	m.runners[session.ID] = runner
	m.mu.Unlock()

	m.publishSession(session)
	metrics.IncrCounter([]string{"devicelab", "session_manager", "sessions_added"}, 1)

	m.wg.Add(1)
	go runner.run()

	return structs.NewSessionDetail(session), result, nil
}

// GetSession returns the masked detail view of one session.
func (m *SessionManager) GetSession(id string, mask *structs.FieldMask) (*structs.SessionDetail, error) {
	session, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return mask.Apply(structs.NewSessionDetail(session)), nil
}

// ListSessions returns the masked details of every session admitted by the
// filter, ordered by creation time.
func (m *SessionManager) ListSessions(filter *structs.SessionFilter, mask *structs.FieldMask) ([]*structs.SessionDetail, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	sessions, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	var out []*structs.SessionDetail
	for _, session := range sessions {
		if !filter.Match(session) {
			continue
		}
		out = append(out, mask.Apply(structs.NewSessionDetail(session)))
	}
	return out, nil
}

// NotifySessions delivers the notification to the named sessions and
// returns the ids it actually reached. Only running sessions with room in
// their notification buffer count as notified.
func (m *SessionManager) NotifySessions(ids []string, n *structs.SessionNotification) []string {
	if n == nil {
		return nil
	}

	var notified []string
	for _, id := range ids {
		m.mu.Lock()
		runner := m.runners[id]
		m.mu.Unlock()
		if runner == nil || !runner.notify(n) {
			continue
		}
		notified = append(notified, id)
		m.broker.Publish(&structs.Event{
			Topic: structs.TopicSession,
			Type:  structs.TypeSessionNotified,
			Key:   id,
			Payload: &structs.SessionEvent{
				Notification: n,
				Time:         time.Now(),
			},
		})
	}
	return notified
}

// NotifyAllSessions notifies every session admitted by the filter.
func (m *SessionManager) NotifyAllSessions(filter *structs.SessionFilter, n *structs.SessionNotification) ([]string, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	sessions, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, session := range sessions {
		if filter.Match(session) {
			ids = append(ids, session.ID)
		}
	}
	return m.NotifySessions(ids, n), nil
}

// AbortSessions marks the named sessions aborted and cancels their
// execution. Unknown ids and finished sessions are skipped; repeating an
// abort has no additional effect.
func (m *SessionManager) AbortSessions(ids []string) {
	for _, id := range ids {
		session, err := m.lookup(id)
		if err != nil || !session.Unfinished() {
			continue
		}

		if !session.Aborted {
			m.update(id, func(s *structs.Session) {
				s.Aborted = true
			})
			m.logger.Info("session abort requested", "session_id", id)
		}

		m.mu.Lock()
		runner := m.runners[id]
		m.mu.Unlock()
		if runner != nil {
			runner.cancel()
		}
	}
}

// HasUnarchivedSessions reports whether any session has not finished.
func (m *SessionManager) HasUnarchivedSessions() bool {
	sessions, err := m.snapshot()
	if err != nil {
		return false
	}
	for _, session := range sessions {
		if session.Unfinished() {
			return true
		}
	}
	return false
}

// UnfinishedSessions returns the unfinished sessions belonging to the
// client, or all unfinished sessions when clientID is empty. When
// excludeAborted is set, sessions already marked aborted are skipped.
func (m *SessionManager) UnfinishedSessions(clientID string, excludeAborted bool) []*structs.Session {
	sessions, err := m.snapshot()
	if err != nil {
		return nil
	}

	var out []*structs.Session
	for _, session := range sessions {
		if !session.Unfinished() {
			continue
		}
		if clientID != "" && session.ClientID != clientID {
			continue
		}
		if excludeAborted && session.Aborted {
			continue
		}
		out = append(out, session)
	}
	return out
}

// Shutdown aborts all running sessions and waits for their runners.
func (m *SessionManager) Shutdown() {
	m.shutdownCancel()
	m.wg.Wait()
}

// lookup returns the stored session record. Callers must treat it as
// immutable; mutations go through update.
func (m *SessionManager) lookup(id string) (*structs.Session, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(sessionTable, "id", id)
	if err != nil {
		return nil, structs.NewErr(structs.ErrKindInternal, "session lookup: %v", err)
	}
	if raw == nil {
		return nil, structs.NewErr(structs.ErrKindNotFound, "session %q not found", id)
	}
	return raw.(*structs.Session), nil
}

// update applies fn to a copy of the session and swaps it in. The status
// is kept monotonic regardless of what fn does.
func (m *SessionManager) update(id string, fn func(*structs.Session)) (*structs.Session, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(sessionTable, "id", id)
	if err != nil {
		return nil, structs.NewErr(structs.ErrKindInternal, "session lookup: %v", err)
	}
	if raw == nil {
		return nil, structs.NewErr(structs.ErrKindNotFound, "session %q not found", id)
	}

	old := raw.(*structs.Session)
	session := old.Copy()
	fn(session)
	if session.Status < old.Status {
		session.Status = old.Status
	}

	if err := txn.Insert(sessionTable, session); err != nil {
		return nil, structs.NewErr(structs.ErrKindInternal, "updating session: %v", err)
	}
	txn.Commit()
	return session, nil
}

// snapshot returns all sessions ordered by creation time, then id.
func (m *SessionManager) snapshot() ([]*structs.Session, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(sessionTable, "id")
	if err != nil {
		return nil, structs.NewErr(structs.ErrKindInternal, "session scan: %v", err)
	}

	var out []*structs.Session
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Session))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.Before(out[j].CreateTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// publishSession emits a status-change event for the session's current
// state.
func (m *SessionManager) publishSession(session *structs.Session) {
	m.broker.Publish(&structs.Event{
		Topic: structs.TopicSession,
		Type:  structs.TypeSessionStatusChanged,
		Key:   session.ID,
		Payload: &structs.SessionEvent{
			Session: structs.NewSessionDetail(session),
			Time:    time.Now(),
		},
	})
}

// finishRunner drops the runner from the active set.
func (m *SessionManager) finishRunner(id string) {
	m.mu.Lock()
	delete(m.runners, id)
	m.mu.Unlock()
	m.wg.Done()
}

// SessionResult is the completion future returned by AddSession.
type SessionResult struct {
	ch chan struct{}

	once   sync.Once
	detail *structs.SessionDetail
	err    error
}

func newSessionResult() *SessionResult {
	return &SessionResult{ch: make(chan struct{})}
}

func (r *SessionResult) complete(detail *structs.SessionDetail, err error) {
	r.once.Do(func() {
		r.detail = detail
		r.err = err
		close(r.ch)
	})
}

// Done is closed when the session reaches FINISHED.
func (r *SessionResult) Done() <-chan struct{} {
	return r.ch
}

// Wait blocks until the session finishes or the context expires. The
// returned detail is the terminal view of the session; err carries the
// execution error, if any.
func (r *SessionResult) Wait(ctx context.Context) (*structs.SessionDetail, error) {
	select {
	case <-r.ch:
		return r.detail, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
