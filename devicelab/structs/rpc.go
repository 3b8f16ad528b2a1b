// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// Request and response shapes for the RPC facade. These are wire types;
// keep fields additive.

// GenericResponse is used for endpoints with no meaningful reply body.
type GenericResponse struct{}

// SessionCreateRequest submits a new session in SUBMITTED without running it.
type SessionCreateRequest struct {
	Config *SessionConfig
}

type SessionCreateResponse struct {
	Session *SessionDetail
}

// SessionRunRequest submits a session and defers the reply until the
// session reaches FINISHED.
type SessionRunRequest struct {
	Config *SessionConfig
}

type SessionRunResponse struct {
	Session *SessionDetail
}

// SessionSpecificRequest addresses one session by id.
type SessionSpecificRequest struct {
	ID        string
	FieldMask *FieldMask
}

type SessionGetResponse struct {
	Session *SessionDetail
}

type SessionListRequest struct {
	Filter    *SessionFilter
	FieldMask *FieldMask
}

type SessionListResponse struct {
	Sessions []*SessionDetail
}

type SessionNotifyRequest struct {
	IDs          []string
	Notification *SessionNotification
}

// SessionNotifyAllRequest notifies every session admitted by the filter.
type SessionNotifyAllRequest struct {
	Filter       *SessionFilter
	Notification *SessionNotification
}

type SessionNotifyResponse struct {
	NotifiedIDs []string
}

type SessionAbortRequest struct {
	IDs []string
}

// SessionSubscribeRequest is the header frame of the Session.Subscribe
// streaming RPC.
type SessionSubscribeRequest struct {
	ClientID string
}

// SessionSubscribeSelect frames are sent by the client to change the set of
// sessions it observes. All takes precedence over SessionIDs.
type SessionSubscribeSelect struct {
	SessionIDs []string
	All        bool
	FieldMask  *FieldMask
}

// SessionSubscribeEvent frames are streamed back to the client, one per
// observed status transition.
type SessionSubscribeEvent struct {
	Session *SessionDetail
	Error   *RpcError
}

// KillServerRequest asks the server to shut down on behalf of a client.
type KillServerRequest struct {
	// ClientID scopes the pre-shutdown abort to this client's sessions and
	// removes it from the alive-clients set.
	ClientID string
}

type KillServerResponse struct {
	// Pid is always set so the console can fall back to signalling.
	Pid int

	Success bool

	// UnfinishedSessions and AliveClients explain a refusal.
	UnfinishedSessions []string
	AliveClients       []string
}

type HeartbeatRequest struct {
	ClientID string
}

// GetLogRequest frames are sent on the Control.GetLog request stream.
type GetLogRequest struct {
	Enable   bool
	ClientID string
}

// GetLogBatch frames carry accepted log records back to the client.
type GetLogBatch struct {
	Records []*LogRecord
	Error   *RpcError
}

type SetLogLevelRequest struct {
	// Level is a severity name, case-insensitive.
	Level string
}

type VersionRequest struct{}

type VersionResponse struct {
	// Version has the form "LAB_VERSION = <semver>".
	Version string
}
