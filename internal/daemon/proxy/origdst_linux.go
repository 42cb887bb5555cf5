// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

//go:build linux

package proxy

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Netfilter getsockopt numbers for the pre-REDIRECT destination.
const (
	soOriginalDst     = 80 // SO_ORIGINAL_DST (SOL_IP)
	ip6tSoOriginalDst = 80 // IP6T_SO_ORIGINAL_DST (SOL_IPV6)
)

// origDst asks netfilter for the connection's original destination before
// REDIRECT/TPROXY rewrote it.
func origDst(conn net.Conn) (net.Addr, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("original destination requires a tcp conn, got %T", conn)
	}
	sc, err := tcpConn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var addr *net.TCPAddr
	var sockErr error
	err = sc.Control(func(fd uintptr) {
		// IPv4 first; v4-mapped sockets answer here too.
		if raw, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, soOriginalDst); err == nil {
			// Multiaddr holds a raw sockaddr_in.
			addr = &net.TCPAddr{
				IP:   net.IPv4(raw.Multiaddr[4], raw.Multiaddr[5], raw.Multiaddr[6], raw.Multiaddr[7]),
				Port: int(binary.BigEndian.Uint16(raw.Multiaddr[2:4])),
			}
			return
		}
		raw, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.IPPROTO_IPV6, ip6tSoOriginalDst)
		if err != nil {
			sockErr = err
			return
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, raw.Addr.Addr[:])
		// Port is in network byte order.
		addr = &net.TCPAddr{
			IP:   ip,
			Port: int(raw.Addr.Port>>8) | int(raw.Addr.Port&0xff)<<8,
		}
	})
	if err != nil {
		return nil, err
	}
	if sockErr != nil {
		return nil, sockErr
	}
	return addr, nil
}
