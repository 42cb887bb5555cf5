// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors

// Kind specifies the kind of error (unknown, parameter, configuration, etc).
type Kind uint32

const (
	Other Kind = iota
	Parameter
	Configuration
	Search
	Transport
	Throttle
	Platform
	Internal
)

func (e Kind) String() string {
	return [...]string{
		"unknown",
		"parameter violation",
		"configuration issue",
		"search issue",
		"transport issue",
		"throttling issue",
		"platform issue",
		"internal issue",
	}[e]
}
