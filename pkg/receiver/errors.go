// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"errors"
	"fmt"
)

// Code classifies a rejected chunk. The wire protocol only carries the
// message and the recoverable flag; codes drive logging and metrics.
type Code string

const (
	CodeMalformedRequest Code = "MalformedRequest"
	CodeIntegrityError   Code = "IntegrityError"
	CodeValidationError  Code = "ValidationError"
	CodeTransientIO      Code = "TransientIoError"
	CodeMergeFailed      Code = "MergeFailed"
	CodeSizeExceeded     Code = "SizeExceeded"
	CodeDigestMismatch   Code = "DigestMismatch"
)

var (
	ErrUnknownSession      = errors.New("unknown upload session")
	ErrInvalidFileName     = errors.New("invalid file name")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	ErrFileTooLarge        = errors.New("file exceeds the maximum size")
	ErrShortBody           = errors.New("chunk body length does not match content length")
	ErrChunkLayout         = errors.New("chunk count and length do not fit the declared file size")
)

// Error is returned by every receiver operation that rejects a chunk.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the client should resend the same chunk.
func (e *Error) Recoverable() bool {
	switch e.Code {
	case CodeTransientIO, CodeDigestMismatch:
		return true
	default:
		return false
	}
}

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func malformed(msg string, err error) *Error {
	return newError(CodeMalformedRequest, msg, err)
}

func invalid(msg string, err error) *Error {
	return newError(CodeValidationError, msg, err)
}

func transient(msg string, err error) *Error {
	return newError(CodeTransientIO, msg, err)
}

// CodeOf returns the code of a receiver error, or "" for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRecoverable treats errors from outside the receiver (store outages,
// cancelled requests) as recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable()
	}
	return err != nil
}
