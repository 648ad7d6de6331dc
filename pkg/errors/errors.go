// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the CoAP context bridge.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Each failing operation reports exactly one kind; the
// underlying engine cause is kept alongside it.
var (
	// ErrContextCreation indicates the engine could not allocate a context.
	ErrContextCreation = errors.New("context creation failed")

	// ErrEndpointCreation indicates an endpoint could not be created or bound.
	ErrEndpointCreation = errors.New("endpoint creation failed")

	// ErrSessionCreation indicates a client session could not be created.
	ErrSessionCreation = errors.New("session creation failed")

	// ErrIOProcess indicates a single IO processing round failed.
	ErrIOProcess = errors.New("io processing failed")

	// ErrUnimplemented indicates a declared but unimplemented transport.
	ErrUnimplemented = errors.New("not implemented")

	// ErrShutdownTimeout indicates the drain budget ran out before the engine
	// reported that it is safe to exit.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrContextClosed indicates use of a handle whose context is closed.
	ErrContextClosed = errors.New("context closed")

	// ErrRequestFailed indicates a confirmable request that will never see a
	// response.
	ErrRequestFailed = errors.New("request failed")
)

// Error wraps an engine failure with the operation and kind.
type Error struct {
	Op        string // Operation that failed
	Transport string // Transport (udp, dtls, tcp, tls), if any
	Addr      string // Local or peer address, if any
	Kind      error  // One of the kinds above
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Transport != "" {
		msg = e.Transport + " " + msg
	}
	if e.Addr != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Addr, msg)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns both the kind and the underlying error so that errors.Is
// matches either of them.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New creates a new Error. A nil kind is reported as the cause itself.
func New(op, transport, addr string, kind, err error) error {
	if kind == nil {
		return err
	}
	return &Error{
		Op:        op,
		Transport: transport,
		Addr:      addr,
		Kind:      kind,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
