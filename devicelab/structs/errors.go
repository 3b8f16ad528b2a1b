// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

// ErrKind partitions every error the controller can surface into a small
// closed taxonomy. RPC handlers map kinds to status codes; everything that
// does not carry a kind is treated as internal.
type ErrKind uint8

const (
	ErrKindUnknown ErrKind = iota

	// ErrKindNotFound indicates a missing session, job, test or device.
	ErrKindNotFound

	// ErrKindDuplicated indicates a duplicate job or test id.
	ErrKindDuplicated

	// ErrKindConfigParse indicates an invalid device-configuration file.
	ErrKindConfigParse

	// ErrKindInvalidArgument indicates a bad filter or missing fields.
	ErrKindInvalidArgument

	// ErrKindResolveTimeout indicates a file resolver exceeded its budget.
	ErrKindResolveTimeout

	// ErrKindResolveFile indicates a download or validation failure.
	ErrKindResolveFile

	// ErrKindPublish indicates the sink refused a monitor batch.
	ErrKindPublish

	// ErrKindMultipleMatches indicates an ambiguous module filter.
	ErrKindMultipleMatches

	// ErrKindInternal indicates an unexpected invariant violation.
	ErrKindInternal
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "NOT_FOUND"
	case ErrKindDuplicated:
		return "DUPLICATED"
	case ErrKindConfigParse:
		return "CONFIG_PARSE_ERROR"
	case ErrKindInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrKindResolveTimeout:
		return "RESOLVE_TIMEOUT"
	case ErrKindResolveFile:
		return "RESOLVE_FILE_ERROR"
	case ErrKindPublish:
		return "PUBLISH_ERROR"
	case ErrKindMultipleMatches:
		return "MULTIPLE_MATCHES"
	case ErrKindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error value used across the controller. The Kind is
// part of the wire contract; the message is advisory.
type Error struct {
	Kind    ErrKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewErr creates an Error of the given kind with a formatted message.
func NewErr(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error in the chain, defaulting to
// ErrKindUnknown for foreign errors.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}

func IsErrKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}

func IsErrNotFound(err error) bool        { return IsErrKind(err, ErrKindNotFound) }
func IsErrDuplicated(err error) bool      { return IsErrKind(err, ErrKindDuplicated) }
func IsErrInvalidArgument(err error) bool { return IsErrKind(err, ErrKindInvalidArgument) }
func IsErrMultipleMatches(err error) bool { return IsErrKind(err, ErrKindMultipleMatches) }

// CodeForErr maps an error to the status code returned at the RPC boundary.
func CodeForErr(err error) int {
	switch KindOf(err) {
	case ErrKindInvalidArgument:
		return 400
	case ErrKindNotFound:
		return 404
	default:
		return 500
	}
}

var (
	// ErrJobDuplicated is returned when a job with the same id is already
	// registered with the scheduler.
	ErrJobDuplicated = NewErr(ErrKindDuplicated, "job already registered")

	// ErrTestDuplicated is returned when a test id collides within a job.
	ErrTestDuplicated = NewErr(ErrKindDuplicated, "test already registered in job")

	// ErrSessionNotFound is returned for queries on unknown session ids.
	ErrSessionNotFound = NewErr(ErrKindNotFound, "session not found")
)
