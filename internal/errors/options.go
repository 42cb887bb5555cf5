// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors

// GetOpts - iterate the inbound Options and return a struct
func GetOpts(opt ...Option) Options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option - how Options are passed as arguments
type Option func(*Options)

// Options - how Options are represented
type Options struct {
	withErrMsg     string
	withErrWrapped error
	withErrCode    Code
	withoutEvent   bool
}

func getDefaultOptions() Options {
	return Options{}
}

// WithMsg provides an option to provide a message when creating a new error
func WithMsg(msg string) Option {
	return func(o *Options) {
		o.withErrMsg = msg
	}
}

// WithWrap provides an option to provide an error to wrap when creating a new
// error
func WithWrap(e error) Option {
	return func(o *Options) {
		o.withErrWrapped = e
	}
}

// WithCode provides an option to provide a code when creating a new error
func WithCode(code Code) Option {
	return func(o *Options) {
		o.withErrCode = code
	}
}

// WithoutEvent provides an option to suppress the error event that New and
// Wrap would otherwise emit.  Useful from within the event system itself and
// for expected errors in hot paths.
func WithoutEvent() Option {
	return func(o *Options) {
		o.withoutEvent = true
	}
}
