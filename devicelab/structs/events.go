// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Topic partitions the event stream; subscribers register per topic.
type Topic string

const (
	TopicAll        Topic = "*"
	TopicAllocation Topic = "Allocation"
	TopicSession    Topic = "Session"
)

const (
	TypeAllocationCreated  = "AllocationCreated"
	TypeAllocationReleased = "AllocationReleased"

	TypeSessionStatusChanged = "SessionStatusChanged"
	TypeSessionNotified      = "SessionNotified"
)

// Event is one message on the event broker. Key addresses the subject
// entity within the topic.
type Event struct {
	Topic   Topic
	Type    string
	Key     string
	Payload interface{}
}

// AllocationEvent is the payload of allocation topic events.
type AllocationEvent struct {
	Allocation *Allocation
	Time       time.Time
}

// SessionEvent is the payload of session topic events.
type SessionEvent struct {
	Session      *SessionDetail
	Notification *SessionNotification
	Time         time.Time
}
