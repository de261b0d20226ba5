package core

import (
	"errors"
	"fmt"
)

// ConnectivityError means the remote store could not be reached. It is
// recovered locally by serving cached reads and queueing writes.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ConflictError means the remote store rejected an operation, for example
// because the referenced entity no longer exists. It is never retried.
type ConflictError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ConflictError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("conflict: %s: status %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("conflict: %s: %s", e.Op, msg)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IntegrityError reports a malformed category graph: a cycle or a node whose
// type differs from its parent's.
type IntegrityError struct {
	CategoryID string
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: category %s: %s", e.CategoryID, e.Reason)
}

// StorageError means the local cache could not be read or written. Offline
// support is unavailable while it persists.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError means an operation or record was rejected locally and never
// reached the queue or the remote store.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConnectivity(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
