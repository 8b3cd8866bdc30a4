// Copyright (C) 2025  Xpra-org authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package bytestream provides the byte stream connection abstraction
// that the packet layer is built on. A Connection hides the transport
// behind it (TCP, TLS, websocket, unix socket, vsock, or the stdio of
// an SSH subprocess), absorbs retryable I/O errors, and keeps traffic
// counters for diagnostics.
package bytestream

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// Socket type tags.
const (
	TypeTCP       = "tcp"
	TypeSSL       = "ssl"
	TypeWS        = "ws"
	TypeWSS       = "wss"
	TypeSSH       = "ssh"
	TypeSocket    = "socket"
	TypeVsock     = "vsock"
	TypeNamedPipe = "named-pipe"
)

// Connection is one network endpoint.
//
// Read and Write retry transparently on transient errors (timeouts,
// EAGAIN) and return a TRANSPORT_ERROR typed error once the connection
// is closed. Once a Connection is inactive no further I/O is attempted.
type Connection interface {
	// Read reads up to len(b) bytes into b.
	Read(b []byte) (int, error)

	// Write writes all of b.
	Write(b []byte) (int, error)

	// Peek returns up to n bytes without consuming them. It is best
	// effort: connections that can't look ahead return an empty slice.
	Peek(n int) ([]byte, error)

	// Close marks the connection inactive, then closes the transport.
	Close() error

	// SocketType returns the socket type tag, ie "tcp" or "ssh".
	SocketType() string

	// IsActive returns false after Close().
	IsActive() bool

	// SetTimeout adjusts the per operation I/O deadline.
	// A zero or negative timeout removes the deadline.
	SetTimeout(timeout time.Duration)

	// Counters returns the traffic counters of this connection.
	Counters() *Counters

	// Info returns connection metadata for diagnostics.
	Info() map[string]any
}

// Counters accumulates the traffic of one connection.
// Byte counters are updated by the connection itself, packet counters
// by the packet layer above it.
type Counters struct {
	InBytes    atomic.Int64
	OutBytes   atomic.Int64
	InPackets  atomic.Int64
	OutPackets atomic.Int64
}

// NeverReceived returns true if no byte was ever read from the peer.
// It distinguishes "never connected" from "connected then dropped"
// in user facing error messages.
func (c *Counters) NeverReceived() bool {
	return c.InBytes.Load() == 0
}

func (c *Counters) Info() map[string]any {
	return map[string]any{
		"input.bytes":    c.InBytes.Load(),
		"input.packets":  c.InPackets.Load(),
		"output.bytes":   c.OutBytes.Load(),
		"output.packets": c.OutPackets.Load(),
	}
}

// ClosedError wraps err as the fatal "connection closed" condition.
// Callers must not retry once they see this error.
func ClosedError(err error) error {
	return stderror.WrapErrorWithType(fmt.Errorf("connection closed: %w", err), stderror.TRANSPORT_ERROR)
}

// IsClosedError returns true if the error marks a closed connection.
func IsClosedError(err error) bool {
	return stderror.GetErrorType(err) == stderror.TRANSPORT_ERROR || stderror.IsClosed(err)
}
