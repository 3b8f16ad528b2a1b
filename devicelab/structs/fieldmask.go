// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// SessionDetail is the query view of a session. Field numbers are part of
// the wire contract and used by field masks; never renumber.
//
//	1 ID          2 Status      3 ClientID   4 Aborted
//	5 Config      6 Output      7 CreateTime 8 StartTime  9 EndTime
//
// Output sub-fields: 1 Properties, 2 Error.
type SessionDetail struct {
	ID       string
	Status   SessionStatus
	ClientID string
	Aborted  bool
	Config   *SessionConfig
	Output   *SessionOutput

	CreateTime time.Time
	StartTime  time.Time
	EndTime    time.Time
}

// Field numbers of SessionDetail.
const (
	SessionDetailFieldID         int32 = 1
	SessionDetailFieldStatus     int32 = 2
	SessionDetailFieldClientID   int32 = 3
	SessionDetailFieldAborted    int32 = 4
	SessionDetailFieldConfig     int32 = 5
	SessionDetailFieldOutput     int32 = 6
	SessionDetailFieldCreateTime int32 = 7
	SessionDetailFieldStartTime  int32 = 8
	SessionDetailFieldEndTime    int32 = 9

	SessionOutputFieldProperties int32 = 1
	SessionOutputFieldError      int32 = 2
)

// NewSessionDetail builds the full detail view of a session.
func NewSessionDetail(s *Session) *SessionDetail {
	return &SessionDetail{
		ID:         s.ID,
		Status:     s.Status,
		ClientID:   s.ClientID,
		Aborted:    s.Aborted,
		Config:     s.Config.Copy(),
		Output:     s.Output.Copy(),
		CreateTime: s.CreateTime,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
	}
}

// FieldMask selects sub-fields of SessionDetail by number path. A nil mask
// means everything; an empty non-nil mask selects nothing but the id.
type FieldMask struct {
	Paths [][]int32
}

// NewFieldMask is a convenience constructor for literal paths.
func NewFieldMask(paths ...[]int32) *FieldMask {
	return &FieldMask{Paths: paths}
}

// selects reports whether the top-level field is named by any path, and
// returns the sub-paths rooted at it.
func (m *FieldMask) selects(field int32) (bool, [][]int32) {
	var subs [][]int32
	found := false
	for _, p := range m.Paths {
		if len(p) == 0 || p[0] != field {
			continue
		}
		found = true
		if len(p) > 1 {
			subs = append(subs, p[1:])
		}
	}
	return found, subs
}

// Apply trims the detail down to the masked fields. The id is always
// retained so the record stays addressable. Unknown field numbers are
// tolerated and ignored. A nil mask returns the detail untouched.
func (m *FieldMask) Apply(d *SessionDetail) *SessionDetail {
	if m == nil || d == nil {
		return d
	}

	out := &SessionDetail{ID: d.ID}
	if ok, _ := m.selects(SessionDetailFieldStatus); ok {
		out.Status = d.Status
	}
	if ok, _ := m.selects(SessionDetailFieldClientID); ok {
		out.ClientID = d.ClientID
	}
	if ok, _ := m.selects(SessionDetailFieldAborted); ok {
		out.Aborted = d.Aborted
	}
	if ok, _ := m.selects(SessionDetailFieldConfig); ok {
		out.Config = d.Config.Copy()
	}
	if ok, subs := m.selects(SessionDetailFieldOutput); ok {
		out.Output = maskOutput(d.Output, subs)
	}
	if ok, _ := m.selects(SessionDetailFieldCreateTime); ok {
		out.CreateTime = d.CreateTime
	}
	if ok, _ := m.selects(SessionDetailFieldStartTime); ok {
		out.StartTime = d.StartTime
	}
	if ok, _ := m.selects(SessionDetailFieldEndTime); ok {
		out.EndTime = d.EndTime
	}
	return out
}

func maskOutput(o *SessionOutput, subs [][]int32) *SessionOutput {
	if o == nil {
		return nil
	}
	if len(subs) == 0 {
		return o.Copy()
	}

	out := &SessionOutput{}
	for _, p := range subs {
		switch p[0] {
		case SessionOutputFieldProperties:
			out.Properties = maps(o.Properties)
		case SessionOutputFieldError:
			out.Error = o.Error
		}
	}
	return out
}
