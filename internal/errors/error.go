// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/trellis/internal/event"
)

// Op represents an operation (package.function).
// For example "proxy.(Server).acceptLoop"
type Op string

// Err provides the ability to specify a Msg, Op, Code and Wrapped error.
// Errs must be created via New or Wrap and not by a direct composite literal,
// so every Err carries a valid Code.
type Err struct {
	// Code is the error's code, which can be used to get the error's
	// errorCodeInfo, which contains the error's Kind and Message
	Code Code

	// Msg for the error
	Msg string

	// Op represents the operation raising/propagating an error and is optional
	Op Op

	// Wrapped is the error which this Err wraps and will be nil if there's no
	// error to wrap.
	Wrapped error
}

// New creates a new Err with provided code, op and msg.  It supports the
// options of:
//
// * WithWrap() - allows you to specify an error to wrap
//
// * WithoutEvent - allows you to specify that no error event should be emitted
//
// Unless WithoutEvent is given, an error event is emitted for the new error.
func New(ctx context.Context, c Code, op Op, msg string, opt ...Option) error {
	err := newError(c, op, msg, opt...)
	opts := GetOpts(opt...)
	if !opts.withoutEvent {
		event.WriteError(ctx, event.Op(op), err)
	}
	return err
}

// NewDeprecated creates a new Err as New does, but does not emit an event.
// It exists for call sites without a context; new callers should use New.
func NewDeprecated(c Code, op Op, msg string, opt ...Option) error {
	return newError(c, op, msg, opt...)
}

func newError(c Code, op Op, msg string, opt ...Option) error {
	opts := GetOpts(opt...)
	return &Err{
		Code:    c,
		Op:      op,
		Wrapped: opts.withErrWrapped,
		Msg:     msg,
	}
}

// Wrap creates a new Err from the provided err and op, preserving the Code of
// the wrapped Err (if there is one).  It supports the options of:
//
// * WithMsg() - allows you to specify an optional error msg
//
// * WithCode() - allows you to override the wrapped error's Code
//
// * WithoutEvent - allows you to specify that no error event should be emitted
func Wrap(ctx context.Context, e error, op Op, opt ...Option) error {
	err := wrapError(e, op, opt...)
	opts := GetOpts(opt...)
	if !opts.withoutEvent {
		event.WriteError(ctx, event.Op(op), err)
	}
	return err
}

// WrapDeprecated is Wrap without the event emission, for call sites without
// a context; new callers should use Wrap.
func WrapDeprecated(e error, op Op, opt ...Option) error {
	return wrapError(e, op, opt...)
}

func wrapError(e error, op Op, opt ...Option) error {
	opts := GetOpts(opt...)
	err := &Err{
		Op:      op,
		Msg:     opts.withErrMsg,
		Wrapped: e,
		Code:    opts.withErrCode,
	}
	if err.Code == Unknown {
		var wrapped *Err
		if errors.As(e, &wrapped) {
			err.Code = wrapped.Code
		}
	}
	return err
}

// Info about the Err
func (e *Err) Info() Info {
	if e == nil {
		return errorCodeInfo[Unknown]
	}
	return e.Code.Info()
}

// Error satisfies the error interface and returns a string representation of
// the Err
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	var s strings.Builder
	if e.Op != "" {
		join(&s, ": ", string(e.Op))
	}
	if e.Msg != "" {
		join(&s, ": ", e.Msg)
	}

	if info, ok := errorCodeInfo[e.Code]; ok {
		if e.Msg == "" {
			join(&s, ": ", info.Message) // provide a default.
			join(&s, ", ", info.Kind.String())
		}
		join(&s, ": ", fmt.Sprintf("error #%d", e.Code))
	}

	if e.Wrapped != nil {
		join(&s, ": ", e.Wrapped.Error())
	}
	return s.String()
}

func join(str *strings.Builder, delim string, s string) {
	if str.Len() == 0 {
		_, _ = str.WriteString(s)
		return
	}
	_, _ = str.WriteString(delim + s)
}

// Unwrap implements the errors.Unwrap interface and allows callers to use the
// errors.Is() and errors.As() functions effectively for any wrapped errors.
func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Wrapped
}
