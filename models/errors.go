package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures seen by a sync cycle.
// A conflict is not an error and has no kind; it travels as data in PushResults.
type ErrorKind int

const (
	// KindNetwork is transient: transport errors, timeouts and 5xx answers.
	// The whole cycle is retried on the next trigger.
	KindNetwork ErrorKind = iota + 1
	// KindValidation means the server refused a request or item as malformed.
	KindValidation
	// KindAuth ends the cycle at once and is handed to the session layer.
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network_failure"
	case KindValidation:
		return "validation_failure"
	case KindAuth:
		return "auth_failure"
	}
	return "unknown"
}

// SyncError is returned by transports with its kind already decided.
// It is created at the point of failure and must not be wrapped before the
// coordinator classifies it.
type SyncError struct {
	Kind   ErrorKind
	Status int // HTTP status when one was received
	Msg    string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError builds a classified error.
func NewSyncError(kind ErrorKind, status int, msg string, err error) *SyncError {
	return &SyncError{Kind: kind, Status: status, Msg: msg, Err: err}
}

// KindOf returns the kind of a classified error, or KindNetwork for anything
// else since an unclassified failure is treated as retryable.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindNetwork
}

// IsAuthFailure reports whether err is a classified authentication failure.
func IsAuthFailure(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == KindAuth
}
