// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors

import "errors"

// As is the equivalent of the std errors.As, and allows devs to only import
// this package for the capability.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is the equivalent of the std errors.Is, and allows devs to only import
// this package for the capability.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func isCode(err error, c Code) bool {
	if err == nil {
		return false
	}
	var domainErr *Err
	if errors.As(err, &domainErr) {
		return domainErr.Code == c
	}
	return false
}

// IsNotFoundError returns a boolean indicating whether the error is known to
// report that a destination could not be resolved.
func IsNotFoundError(err error) bool {
	return isCode(err, NotFound)
}

// IsUnavailableError returns a boolean indicating whether the error is known
// to report that a destination has no healthy endpoints.
func IsUnavailableError(err error) bool {
	return isCode(err, Unavailable)
}

// IsTimeoutError returns a boolean indicating whether the error is known to
// report an exceeded deadline.
func IsTimeoutError(err error) bool {
	return isCode(err, Timeout)
}

// IsRateLimitedError returns a boolean indicating whether the error is known
// to report a request over quota.
func IsRateLimitedError(err error) bool {
	return isCode(err, RateLimited)
}
