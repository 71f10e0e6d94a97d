// Copyright 2025 Joseph Cumines

// Package rpcerr is the shared structured-error type used across the
// engine. Every fallible component operation returns one of these instead
// of an ad hoc error string, carrying a canonical gRPC code and a
// machine-readable reason alongside a human-readable message.
package rpcerr

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Error is a structured domain failure: a canonical code, a short
// machine-readable reason, and a human-readable message.
type Error struct {
	Code    codes.Code
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// New constructs an Error with a formatted message.
func New(code codes.Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a canonical not-found error.
func NotFound(reason, format string, args ...any) *Error {
	return New(codes.NotFound, reason, format, args...)
}

// InvalidArgument builds a canonical invalid-argument error.
func InvalidArgument(reason, format string, args ...any) *Error {
	return New(codes.InvalidArgument, reason, format, args...)
}

// FailedPrecondition builds a canonical failed-precondition error.
func FailedPrecondition(reason, format string, args ...any) *Error {
	return New(codes.FailedPrecondition, reason, format, args...)
}

// PermissionDenied builds a canonical permission-denied error.
func PermissionDenied(reason, format string, args ...any) *Error {
	return New(codes.PermissionDenied, reason, format, args...)
}

// Unavailable builds a canonical unavailable error.
func Unavailable(reason, format string, args ...any) *Error {
	return New(codes.Unavailable, reason, format, args...)
}

// Internal builds a canonical internal error.
func Internal(reason, format string, args ...any) *Error {
	return New(codes.Internal, reason, format, args...)
}

// Cancelled builds a canonical cancelled error.
func Cancelled(reason, format string, args ...any) *Error {
	return New(codes.Canceled, reason, format, args...)
}

// DeadlineExceeded builds a canonical deadline-exceeded error.
func DeadlineExceeded(reason, format string, args ...any) *Error {
	return New(codes.DeadlineExceeded, reason, format, args...)
}

// ResourceExhausted builds a canonical resource-exhausted error.
func ResourceExhausted(reason, format string, args ...any) *Error {
	return New(codes.ResourceExhausted, reason, format, args...)
}

// CodeOf extracts the canonical code from err, defaulting to
// codes.Internal for errors not produced by this package.
func CodeOf(err error) codes.Code {
	var e *Error
	if err == nil {
		return codes.OK
	}
	if as, ok := err.(*Error); ok {
		e = as
		return e.Code
	}
	return codes.Internal
}
