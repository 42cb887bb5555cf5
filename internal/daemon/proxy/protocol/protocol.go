// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package protocol sniffs the first bytes of an accepted connection to pick
// a proxy handler.  The sniffed bytes are replayed to the handler so every
// handler sees the stream from byte 0.
package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Protocol identifies a detected wire protocol.  The values double as the
// handler registry keys.
type Protocol string

const (
	Tcp   Protocol = "tcp"
	Http1 Protocol = "http/1.1"
	Http2 Protocol = "h2"
	Tls   Protocol = "tls"
)

// ErrClientClosed is returned when the client closes the connection before
// sending any bytes.
var ErrClientClosed = errors.New("protocol: client closed before sending bytes")

// Info carries detection detail beyond the protocol itself.
type Info struct {
	// Sni is the server name from a TLS ClientHello, empty otherwise.
	Sni string

	// TimedOut is set when the detection deadline expired and the
	// connection fell back to opaque tcp.
	TimedOut bool
}

const (
	// peekSize is the most bytes needed to classify: the full HTTP/2
	// client preface.
	peekSize = 24

	// maxClientHello bounds how much of a TLS ClientHello record is
	// buffered for SNI extraction.
	maxClientHello = 16 * 1024
)

var (
	http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

	// Methods are matched with their trailing space so a random binary
	// stream starting with "GETX" stays tcp.
	http1Methods = [][]byte{
		[]byte("GET "),
		[]byte("PUT "),
		[]byte("POST "),
		[]byte("HEAD "),
		[]byte("PATCH "),
		[]byte("TRACE "),
		[]byte("DELETE "),
		[]byte("OPTIONS "),
		[]byte("CONNECT "),
	}
)

// Detect classifies the connection's protocol by peeking at its first bytes.
// A deadline of timeout is applied to the peek; expiry falls back to Tcp
// rather than hanging on a silent peer.  The returned conn replays the
// peeked bytes.
func Detect(ctx context.Context, conn net.Conn, timeout time.Duration) (Protocol, Info, net.Conn, error) {
	var info Info
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	buf := make([]byte, 0, peekSize)
	proto := Tcp
	for {
		var more bool
		proto, more = classify(buf)
		if !more {
			break
		}
		b, err := readMore(conn, buf, peekSize)
		buf = b
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				info.TimedOut = true
				return Tcp, info, replay(conn, buf), nil
			case errors.Is(err, io.EOF) && len(buf) == 0:
				return Tcp, info, conn, ErrClientClosed
			case errors.Is(err, io.EOF):
				// A short stream; classify what we have.
				proto, _ = classify(buf)
				return proto, info, replay(conn, buf), nil
			default:
				return Tcp, info, replay(conn, buf), err
			}
		}
	}

	if proto == Tls {
		// Pull in the rest of the ClientHello record for SNI extraction.
		// Failures here are not fatal; the conn is still TLS, just with an
		// unknown SNI.
		b, err := readRecord(conn, buf)
		buf = b
		if err == nil {
			info.Sni = peekSni(buf)
		} else if errors.Is(err, os.ErrDeadlineExceeded) {
			info.TimedOut = true
		}
	}

	return proto, info, replay(conn, buf), nil
}

// classify decides the protocol from the bytes seen so far; more reports
// whether additional bytes could still change the answer.
func classify(buf []byte) (Protocol, bool) {
	if len(buf) == 0 {
		return Tcp, true
	}
	if buf[0] == 0x16 {
		if len(buf) < 3 {
			return Tcp, true
		}
		if buf[1] == 0x03 && buf[2] <= 0x04 {
			return Tls, false
		}
		return Tcp, false
	}
	if bytes.HasPrefix(buf, http2Preface) {
		return Http2, false
	}
	if len(buf) < len(http2Preface) && bytes.HasPrefix(http2Preface, buf) {
		return Tcp, true
	}
	stillPossible := false
	for _, m := range http1Methods {
		if bytes.HasPrefix(buf, m) {
			return Http1, false
		}
		if len(buf) < len(m) && bytes.HasPrefix(m, buf) {
			stillPossible = true
		}
	}
	if stillPossible && len(buf) < peekSize {
		return Tcp, true
	}
	return Tcp, false
}

// readMore reads at least one more byte into buf, up to limit.
func readMore(conn net.Conn, buf []byte, limit int) ([]byte, error) {
	tmp := make([]byte, limit-len(buf))
	n, err := conn.Read(tmp)
	buf = append(buf, tmp[:n]...)
	if n > 0 {
		return buf, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return buf, err
}

// readRecord extends buf to the full first TLS record (5-byte header plus
// payload), bounded by maxClientHello.
func readRecord(conn net.Conn, buf []byte) ([]byte, error) {
	for len(buf) < 5 {
		b, err := readMore(conn, buf, 5)
		buf = b
		if err != nil {
			return buf, err
		}
	}
	total := 5 + int(binary.BigEndian.Uint16(buf[3:5]))
	if total > maxClientHello {
		return buf, errors.New("protocol: oversized client hello record")
	}
	for len(buf) < total {
		b, err := readMore(conn, buf, total)
		buf = b
		if err != nil {
			return buf, err
		}
	}
	return buf, nil
}

// peekSni parses the buffered ClientHello by running a throwaway server
// handshake against a read-only conn.  The handshake always fails once the
// server tries to respond, but by then GetConfigForClient has captured the
// SNI.
func peekSni(hello []byte) string {
	var sni string
	_ = tls.Server(readOnlyConn{r: bytes.NewReader(hello)}, &tls.Config{
		GetConfigForClient: func(hi *tls.ClientHelloInfo) (*tls.Config, error) {
			sni = hi.ServerName
			return nil, nil
		},
	}).Handshake()
	return sni
}

// replay returns a conn whose reads drain the peeked bytes first.
func replay(conn net.Conn, peeked []byte) net.Conn {
	if len(peeked) == 0 {
		return conn
	}
	return &peekedConn{
		Conn: conn,
		r:    io.MultiReader(bytes.NewReader(peeked), conn),
	}
}

// peekedConn replays peeked bytes before reading from the wrapped conn.
type peekedConn struct {
	net.Conn
	r io.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// readOnlyConn feeds a handshake from a buffer; writes fail immediately.
type readOnlyConn struct {
	r io.Reader
}

func (c readOnlyConn) Read(b []byte) (int, error)         { return c.r.Read(b) }
func (c readOnlyConn) Write(b []byte) (int, error)        { return 0, io.ErrClosedPipe }
func (c readOnlyConn) Close() error                       { return nil }
func (c readOnlyConn) LocalAddr() net.Addr                { return nil }
func (c readOnlyConn) RemoteAddr() net.Addr               { return nil }
func (c readOnlyConn) SetDeadline(t time.Time) error      { return nil }
func (c readOnlyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c readOnlyConn) SetWriteDeadline(t time.Time) error { return nil }
