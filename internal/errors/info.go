// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors

// Info contains details of the specific error code
type Info struct {
	// Kind specifies the kind of error (unknown, parameter, transport, etc).
	Kind Kind

	// Message provides a default message for the error code
	Message string
}

// errorCodeInfo provides a map of unique Codes (IDs) to their
// corresponding Kind and a default Message.
var errorCodeInfo = map[Code]Info{
	Unknown: {
		Message: "unknown",
		Kind:    Other,
	},
	InvalidParameter: {
		Message: "invalid parameter",
		Kind:    Parameter,
	},
	InvalidAddress: {
		Message: "invalid address",
		Kind:    Parameter,
	},
	InvalidConfiguration: {
		Message: "invalid configuration",
		Kind:    Configuration,
	},
	Io: {
		Message: "error during io operation",
		Kind:    Transport,
	},
	InternalError: {
		Message: "internal error",
		Kind:    Internal,
	},
	NotFound: {
		Message: "destination not found",
		Kind:    Search,
	},
	Unavailable: {
		Message: "no healthy endpoints",
		Kind:    Transport,
	},
	Timeout: {
		Message: "timeout",
		Kind:    Transport,
	},
	Refused: {
		Message: "connection refused",
		Kind:    Transport,
	},
	Unsupported: {
		Message: "unsupported on this platform",
		Kind:    Platform,
	},
	RateLimited: {
		Message: "rate limited",
		Kind:    Throttle,
	},
}
