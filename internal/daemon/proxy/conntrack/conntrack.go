// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package conntrack tracks the connections a proxy is currently relaying.
// The manager backs drain (in-flight counting and forced close), the health
// endpoint's detail view, the tap stream and the active-connection metrics.
package conntrack

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/hashicorp/trellis/internal/errors"
	ua "go.uber.org/atomic"
)

// ConnIdPrefix prefixes every tracked connection id.
const ConnIdPrefix = "cn"

// Conn is one tracked connection.  It wraps the accepted client conn and
// counts the bytes read from (in) and written to (out) the client.
type Conn struct {
	net.Conn

	id        string
	direction string
	startTime time.Time

	protocol *ua.String
	bytesIn  *ua.Int64
	bytesOut *ua.Int64
}

// Id returns the connection id (cn_<base62>).
func (c *Conn) Id() string { return c.id }

// Direction returns the listener purpose the connection arrived on.
func (c *Conn) Direction() string { return c.direction }

// StartTime returns when the connection was registered.
func (c *Conn) StartTime() time.Time { return c.startTime }

// Protocol returns the detected protocol, empty until detection ran.
func (c *Conn) Protocol() string { return c.protocol.Load() }

// SetProtocol records the detected protocol.
func (c *Conn) SetProtocol(p string) { c.protocol.Store(p) }

// BytesIn returns the bytes read from the client so far.
func (c *Conn) BytesIn() int64 { return c.bytesIn.Load() }

// BytesOut returns the bytes written to the client so far.
func (c *Conn) BytesOut() int64 { return c.bytesOut.Load() }

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesIn.Add(int64(n))
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesOut.Add(int64(n))
	return n, err
}

// Manager tracks registered connections by id.
type Manager struct {
	conns sync.Map
	count *ua.Int64
}

func NewManager() *Manager {
	return &Manager{
		count: ua.NewInt64(0),
	}
}

// Register wraps conn, assigns it an id and starts tracking it.
func (m *Manager) Register(ctx context.Context, conn net.Conn, direction string) (*Conn, error) {
	const op = "conntrack.(Manager).Register"
	if conn == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing conn")
	}
	suffix, err := base62.Random(10)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	c := &Conn{
		Conn:      conn,
		id:        ConnIdPrefix + "_" + suffix,
		direction: direction,
		startTime: time.Now(),
		protocol:  ua.NewString(""),
		bytesIn:   ua.NewInt64(0),
		bytesOut:  ua.NewInt64(0),
	}
	m.conns.Store(c.id, c)
	m.count.Add(1)
	return c, nil
}

// Unregister stops tracking the connection.  Unregistering an unknown id is
// a no-op.
func (m *Manager) Unregister(id string) {
	if _, loaded := m.conns.LoadAndDelete(id); loaded {
		m.count.Sub(1)
	}
}

// ForEach calls fn for each tracked connection until fn returns false.
func (m *Manager) ForEach(fn func(*Conn) bool) {
	m.conns.Range(func(_, v any) bool {
		return fn(v.(*Conn))
	})
}

// Count returns the number of tracked connections.
func (m *Manager) Count() int {
	return int(m.count.Load())
}

// CloseAll force-closes every tracked connection.  Handlers observe the
// close as a read error and unwind; entries are removed as the handlers
// unregister.
func (m *Manager) CloseAll() {
	m.ForEach(func(c *Conn) bool {
		_ = c.Conn.Close()
		return true
	})
}
