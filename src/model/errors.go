// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a stage failure. The kind decides whether the task is
// retryable and whether the dispatcher may retry it without a human.
type ErrorKind string

const (
	ErrValidation   ErrorKind = "validation"
	ErrTransient    ErrorKind = "transient"
	ErrPermanent    ErrorKind = "permanent"
	ErrPrecondition ErrorKind = "precondition_not_met"
	ErrConflict     ErrorKind = "conflict"
)

type StageError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.Cause }

// Retryable reports whether the dispatcher may retry automatically.
// Precondition failures are retryable by a human after remediation but are
// never retried on a timer.
func (e *StageError) Retryable() bool { return e.Kind == ErrTransient }

func Validationf(format string, a ...any) *StageError {
	return &StageError{Kind: ErrValidation, Message: fmt.Sprintf(format, a...)}
}

func Transientf(cause error, format string, a ...any) *StageError {
	return &StageError{Kind: ErrTransient, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func Permanentf(cause error, format string, a ...any) *StageError {
	return &StageError{Kind: ErrPermanent, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func Preconditionf(format string, a ...any) *StageError {
	return &StageError{Kind: ErrPrecondition, Message: fmt.Sprintf(format, a...)}
}

func Conflictf(format string, a ...any) *StageError {
	return &StageError{Kind: ErrConflict, Message: fmt.Sprintf(format, a...)}
}

// Classify maps an arbitrary error onto the taxonomy. Network timeouts and
// canceled contexts are transient; everything unrecognized is permanent so a
// human looks at it rather than a retry loop hammering a broken collaborator.
func Classify(err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transientf(err, "network timeout")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transientf(err, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return Transientf(err, "interrupted")
	}
	return Permanentf(err, "stage failed")
}
