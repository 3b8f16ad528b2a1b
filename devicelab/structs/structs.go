// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var (
	// MsgpackHandle is a shared handle for encoding/decoding of structs
	MsgpackHandle = func() *codec.MsgpackHandle {
		h := &codec.MsgpackHandle{}
		h.BasicHandle.TimeNotBuiltin = true
		return h
	}()

	// JsonHandle is used for streaming responses rendered as JSON
	JsonHandle = &codec.JsonHandle{
		HTMLCharsAsIs: true,
	}
)

// Encode is used to encode a Msgpack object with type prefix
func Encode(t MessageType, msg interface{}) ([]byte, error) {
	var buf []byte
	buf = append(buf, uint8(t))
	err := codec.NewEncoderBytes(&buf, MsgpackHandle).Encode(msg)
	return buf, err
}

// Decode is used to decode a Msgpack encoded object
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoderBytes(buf, MsgpackHandle).Decode(out)
}

// MessageType tags persisted msgpack payloads.
type MessageType uint8

const (
	AllocationSnapshotType MessageType = 0
)

// Bridge connects two connections together and copies traffic in both
// directions, blocking until one side closes.
func Bridge(a, b io.ReadWriteCloser) {
	wait := make(chan struct{}, 2)
	go func() {
		defer func() { wait <- struct{}{} }()
		io.Copy(a, b)
	}()
	go func() {
		defer func() { wait <- struct{}{} }()
		io.Copy(b, a)
	}()
	<-wait
	a.Close()
	b.Close()
}

// SessionStatus captures the lifecycle of a session. The ordering is
// meaningful: a session's status never decreases.
type SessionStatus int32

const (
	SessionStatusSubmitted SessionStatus = iota
	SessionStatusRunning
	SessionStatusFinished
)

func (s SessionStatus) String() string {
	switch s {
	case SessionStatusSubmitted:
		return "SUBMITTED"
	case SessionStatusRunning:
		return "RUNNING"
	case SessionStatusFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("SessionStatus(%d)", int32(s))
	}
}

// SessionConfig is the client-supplied portion of a session.
type SessionConfig struct {
	// Name labels the session for humans; it need not be unique.
	Name string

	// ClientID identifies the submitting console, used by kill-server
	// gating and log filtering. May be empty.
	ClientID string

	// Properties are free-form session properties readable through filters.
	Properties map[string]string

	// Request is the run command the planner turns into job configs. It is
	// optional; sessions without a request only run their plugins.
	Request *SessionRequestInfo

	// Plugins names the session plugins to execute, in order.
	Plugins []string
}

func (c *SessionConfig) Copy() *SessionConfig {
	if c == nil {
		return nil
	}
	nc := *c
	nc.Properties = maps(c.Properties)
	nc.Request = c.Request.Copy()
	nc.Plugins = append([]string(nil), c.Plugins...)
	return &nc
}

// SessionOutput is the mutable output half of a session record.
type SessionOutput struct {
	// Properties accumulates output properties written by plugins.
	Properties map[string]string

	// Error is non-empty when the session failed execution.
	Error string
}

func (o *SessionOutput) Copy() *SessionOutput {
	if o == nil {
		return nil
	}
	no := *o
	no.Properties = maps(o.Properties)
	return &no
}

// Session is the server-side record of a submitted session.
type Session struct {
	// ID is unique and server generated.
	ID string

	Config *SessionConfig
	Status SessionStatus

	// ClientID is denormalized from the config for filter matching.
	ClientID string

	// Aborted is set when an abort was requested while the session was
	// running. The status still only reaches FINISHED through the runner.
	Aborted bool

	Output *SessionOutput

	CreateTime time.Time
	StartTime  time.Time
	EndTime    time.Time
}

func (s *Session) Copy() *Session {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Config = s.Config.Copy()
	ns.Output = s.Output.Copy()
	return &ns
}

// Unfinished reports whether the session has not reached a terminal status.
func (s *Session) Unfinished() bool {
	return s.Status != SessionStatusFinished
}

// SessionFilter is the closed filter set supported by session queries.
// There is deliberately no expression language here.
type SessionFilter struct {
	// StatusRegex, when non-empty, must fully match the status name.
	StatusRegex string

	// IncludedProperties must all be present in the session's property map.
	IncludedProperties map[string]string

	// ExcludedPropertyKeys must all be absent from the property map.
	ExcludedPropertyKeys []string

	// ClientIDInclude, when set, must equal the session's client id.
	ClientIDInclude string

	// ClientIDExclude, when set, must differ from the session's client id.
	ClientIDExclude string
}

// Validate checks the regex compiles before the filter is used.
func (f *SessionFilter) Validate() error {
	if f == nil || f.StatusRegex == "" {
		return nil
	}
	if _, err := regexp.Compile(f.StatusRegex); err != nil {
		return NewErr(ErrKindInvalidArgument, "invalid status regex %q: %v", f.StatusRegex, err)
	}
	return nil
}

// Match reports whether the session satisfies every criterion of the
// filter. A nil filter matches everything.
func (f *SessionFilter) Match(s *Session) bool {
	if f == nil {
		return true
	}
	if f.StatusRegex != "" {
		re, err := regexp.Compile("^(?:" + f.StatusRegex + ")$")
		if err != nil || !re.MatchString(s.Status.String()) {
			return false
		}
	}

	var props map[string]string
	if s.Config != nil {
		props = s.Config.Properties
	}
	for k, v := range f.IncludedProperties {
		if props[k] != v {
			return false
		}
	}
	for _, k := range f.ExcludedPropertyKeys {
		if _, ok := props[k]; ok {
			return false
		}
	}
	if f.ClientIDInclude != "" && f.ClientIDInclude != s.ClientID {
		return false
	}
	if f.ClientIDExclude != "" && f.ClientIDExclude == s.ClientID {
		return false
	}
	return true
}

// SessionNotification is an opaque message delivered to running sessions.
type SessionNotification struct {
	Message    string
	Properties map[string]string
}

// DeviceStatus is the scheduler's view of a device.
type DeviceStatus int32

const (
	DeviceStatusIdle DeviceStatus = iota
	DeviceStatusBusy
	DeviceStatusOffline
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceStatusIdle:
		return "IDLE"
	case DeviceStatusBusy:
		return "BUSY"
	case DeviceStatusOffline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("DeviceStatus(%d)", int32(s))
	}
}

// Lab is a host that owns devices. The IP is the key.
type Lab struct {
	IP       string
	HostName string
	Labels   map[string]string
}

func (l *Lab) Copy() *Lab {
	if l == nil {
		return nil
	}
	nl := *l
	nl.Labels = maps(l.Labels)
	return &nl
}

// Device is a schedulable resource within a lab. The ID is unique within
// its lab only; UniversalID is unique across the fleet.
type Device struct {
	ID          string
	LabIP       string
	UniversalID string
	Types       []string
	Owners      []string
	Dimensions  map[string]string
	Status      DeviceStatus
}

func (d *Device) Copy() *Device {
	if d == nil {
		return nil
	}
	nd := *d
	nd.Types = append([]string(nil), d.Types...)
	nd.Owners = append([]string(nil), d.Owners...)
	nd.Dimensions = maps(d.Dimensions)
	return &nd
}

// Locator returns the device's stable coordinates.
func (d *Device) Locator() DeviceLocator {
	return DeviceLocator{LabIP: d.LabIP, ID: d.ID, UniversalID: d.UniversalID}
}

// UniversalDeviceID composes the fleet-wide unique id for a device.
func UniversalDeviceID(deviceID, labIP string) string {
	return deviceID + "@" + labIP
}

// DeviceLocator identifies a device across labs.
type DeviceLocator struct {
	LabIP       string
	ID          string
	UniversalID string
}

// TestLocator identifies a test within a job.
type TestLocator struct {
	JobID  string
	TestID string
}

func (t TestLocator) String() string {
	return t.JobID + "/" + t.TestID
}

// SubDeviceSpec describes one device slot requested by a job.
type SubDeviceSpec struct {
	// Type is the requested device type, e.g. "AndroidRealDevice".
	Type string

	// Dimensions are requirements the device's dimensions must satisfy.
	// Values may be regular expressions when Multi is set.
	Dimensions map[string]string

	// Multi marks the spec as a collapsed multi-matching spec produced by
	// module sharding.
	Multi bool
}

func (s *SubDeviceSpec) Copy() *SubDeviceSpec {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Dimensions = maps(s.Dimensions)
	return &ns
}

// JobTimeouts carries the three timeout knobs of a job.
type JobTimeouts struct {
	Job   time.Duration
	Test  time.Duration
	Start time.Duration
}

// JobType separates the two driver families the planner emits.
type JobType int32

const (
	JobTypeTradefed JobType = iota
	JobTypeNonTradefed
)

func (t JobType) String() string {
	switch t {
	case JobTypeTradefed:
		return "tradefed"
	case JobTypeNonTradefed:
		return "non-tradefed"
	default:
		return fmt.Sprintf("JobType(%d)", int32(t))
	}
}

// Job is an executable unit owned by a session.
type Job struct {
	ID       string
	Name     string
	Type     JobType
	Driver   string
	ExecMode string

	// RunAs is the user the job runs as; ad-hoc matching requires it to
	// appear in each candidate device's owner set.
	RunAs string

	Params         map[string]string
	SubDeviceSpecs []*SubDeviceSpec
	Timeouts       JobTimeouts
	Priority       int
	Attempts       int

	// GenDir is the isolated directory generated files are written into.
	GenDir string
}

func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := *j
	nj.Params = maps(j.Params)
	if j.SubDeviceSpecs != nil {
		nj.SubDeviceSpecs = make([]*SubDeviceSpec, len(j.SubDeviceSpecs))
		for i, s := range j.SubDeviceSpecs {
			nj.SubDeviceSpecs[i] = s.Copy()
		}
	}
	return &nj
}

// Test is the smallest schedulable unit; it consumes an allocation.
type Test struct {
	ID    string
	JobID string
	Name  string
}

func (t *Test) Locator() TestLocator {
	return TestLocator{JobID: t.JobID, TestID: t.ID}
}

// Allocation is the exclusive binding of a test to one or more devices
// within a single lab.
type Allocation struct {
	TestLocator TestLocator
	Devices     []DeviceLocator
	CreateTime  time.Time
}

func (a *Allocation) Copy() *Allocation {
	if a == nil {
		return nil
	}
	na := *a
	na.Devices = append([]DeviceLocator(nil), a.Devices...)
	return &na
}

// LabIP returns the lab all devices of the allocation share.
func (a *Allocation) LabIP() string {
	if len(a.Devices) == 0 {
		return ""
	}
	return a.Devices[0].LabIP
}

// LogImportance classifies log records for downstream consumers.
type LogImportance int32

const (
	LogImportanceTest LogImportance = iota
	LogImportanceServer
	LogImportanceServerImportant
	LogImportanceTF
)

func (i LogImportance) String() string {
	switch i {
	case LogImportanceTest:
		return "TEST"
	case LogImportanceServer:
		return "SERVER"
	case LogImportanceServerImportant:
		return "SERVER_IMPORTANT"
	case LogImportanceTF:
		return "TF"
	default:
		return fmt.Sprintf("LogImportance(%d)", int32(i))
	}
}

// LogRecord is one entry of the process-wide log stream.
type LogRecord struct {
	Level      string
	Timestamp  time.Time
	Message    string
	Importance LogImportance

	// ClientID and SessionID attribute the record when known. Records
	// without a ClientID pass every get-log filter.
	ClientID  string
	SessionID string
}

// SessionRequestInfo is the opaque run command a session carries; the
// planner expands it into job configs.
type SessionRequestInfo struct {
	// XtsType selects the suite, e.g. "cts"; it names the on-disk
	// android-<type> directory.
	XtsType string

	// XtsRootDir is the root of the suite installation.
	XtsRootDir string

	// TestPlan is the requested plan, e.g. "cts" or "retry".
	TestPlan string

	// TestName restricts the run to a single test within a module.
	TestName string

	// ModuleNames restricts the run to the named modules. Names are matched
	// exactly first, then as a regex over the full module set.
	ModuleNames []string

	IncludeFilters []string
	ExcludeFilters []string

	// Device selection.
	DeviceSerials        []string
	ExcludeDeviceSerials []string
	ProductTypes         []string
	DeviceProperties     map[string]string

	MinBatteryLevel       *int
	MaxBatteryLevel       *int
	MaxBatteryTemperature *int
	MinSdkLevel           *int
	MaxSdkLevel           *int

	// ShardCount is the requested shard count, >= 1.
	ShardCount int

	// EnableModuleSharding collapses the selection to one multi-matching
	// dimension when no single test is requested and the plan is not retry.
	EnableModuleSharding bool

	// JobTimeout and StartTimeout override the per-family defaults when
	// non-zero.
	JobTimeout   time.Duration
	StartTimeout time.Duration

	// RetrySessionID names the previous session for plan "retry".
	RetrySessionID string

	EnvVars map[string]string
}

func (r *SessionRequestInfo) Copy() *SessionRequestInfo {
	if r == nil {
		return nil
	}
	nr := *r
	nr.ModuleNames = append([]string(nil), r.ModuleNames...)
	nr.IncludeFilters = append([]string(nil), r.IncludeFilters...)
	nr.ExcludeFilters = append([]string(nil), r.ExcludeFilters...)
	nr.DeviceSerials = append([]string(nil), r.DeviceSerials...)
	nr.ExcludeDeviceSerials = append([]string(nil), r.ExcludeDeviceSerials...)
	nr.ProductTypes = append([]string(nil), r.ProductTypes...)
	nr.DeviceProperties = maps(r.DeviceProperties)
	nr.EnvVars = maps(r.EnvVars)
	nr.MinBatteryLevel = intp(r.MinBatteryLevel)
	nr.MaxBatteryLevel = intp(r.MaxBatteryLevel)
	nr.MaxBatteryTemperature = intp(r.MaxBatteryTemperature)
	nr.MinSdkLevel = intp(r.MinSdkLevel)
	nr.MaxSdkLevel = intp(r.MaxSdkLevel)
	return &nr
}

func maps(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	nm := make(map[string]string, len(m))
	for k, v := range m {
		nm[k] = v
	}
	return nm
}

func intp(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
