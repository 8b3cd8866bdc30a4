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

package bytestream

import (
	"net"
	"sync"
)

// prefixedConn replays bytes consumed from the socket before reads
// fall through to the wrapped connection. The packet layer uses it
// during the ssl upgrade: the reader goroutine may have swallowed the
// first byte of the TLS handshake, and the handshake needs it back.
type prefixedConn struct {
	net.Conn
	mu  sync.Mutex
	pre []byte
}

// NewPrefixedConn returns conn with pre prepended to its read stream.
// If pre is empty, conn is returned unchanged.
func NewPrefixedConn(conn net.Conn, pre []byte) net.Conn {
	if len(pre) == 0 {
		return conn
	}
	return &prefixedConn{Conn: conn, pre: pre}
}

func (c *prefixedConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if len(c.pre) > 0 {
		n := copy(b, c.pre)
		c.pre = c.pre[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()
	return c.Conn.Read(b)
}
