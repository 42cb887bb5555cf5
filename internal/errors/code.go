// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors

// Code specifies a code for the error.
type Code uint32

// String will return the Code's Info.Message
func (c Code) String() string {
	return c.Info().Message
}

// Info will look up the Code's Info.  If the Info is not found, it will return
// Info for an Unknown Code.
func (c Code) Info() Info {
	if info, ok := errorCodeInfo[c]; ok {
		return info
	}
	return errorCodeInfo[Unknown]
}

const (
	Unknown Code = 0 // Unknown will be equal to a zero value for Codes

	// General function errors are reserved Codes 100-999
	InvalidParameter     Code = 100 // InvalidParameter represents an invalid parameter for an operation
	InvalidAddress       Code = 101 // InvalidAddress represents an invalid host address for an operation
	InvalidConfiguration Code = 102 // InvalidConfiguration represents a configuration stanza that failed validation
	Io                   Code = 104 // Io represents an error that occurred during an io operation
	InternalError        Code = 500 // InternalError represents an unexpected internal condition

	// Resolution errors are reserved Codes 1100-1199
	NotFound Code = 1100 // NotFound represents an authority unknown to both the control plane and DNS

	// Data path errors are reserved Codes 1200-1299
	Unavailable Code = 1200 // Unavailable represents an authority with no healthy endpoints
	Timeout     Code = 1201 // Timeout represents an operation that exceeded its deadline
	Refused     Code = 1202 // Refused represents an endpoint that refused the connection

	// Platform errors are reserved Codes 1300-1399
	Unsupported Code = 1300 // Unsupported represents an operation the platform cannot perform

	// Throttling errors are reserved Codes 1400-1499
	RateLimited Code = 1400 // RateLimited represents a request over its configured quota
)
