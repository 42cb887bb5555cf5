// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

//go:build !linux

package proxy

import (
	"errors"
	"net"
)

var errOrigDstUnsupported = errors.New("original destination lookup is only supported on linux")

func origDst(conn net.Conn) (net.Addr, error) {
	return nil, errOrigDstUnsupported
}
