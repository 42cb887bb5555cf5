// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"net"
)

// sameAddr reports whether two TCP addresses are the same endpoint, treating
// an IPv4 address and its IPv4-mapped-IPv6 form as equal.
func sameAddr(a, b *net.TCPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Port != b.Port {
		return false
	}
	return a.IP.Equal(b.IP)
}

// origDstIfNotLocal returns the connection's original destination, or nil
// when it is unavailable or points back at the connection's own local
// address.  The nil case is the loop guard: redirect rules that send the
// proxy's own traffic back to it must not be forwarded again.
func origDstIfNotLocal(conn net.Conn) net.Addr {
	dst, err := origDst(conn)
	if err != nil {
		return nil
	}
	dstTcp, ok := dst.(*net.TCPAddr)
	if !ok {
		return nil
	}
	localTcp, ok := conn.LocalAddr().(*net.TCPAddr)
	if ok && sameAddr(dstTcp, localTcp) {
		return nil
	}
	return dstTcp
}
