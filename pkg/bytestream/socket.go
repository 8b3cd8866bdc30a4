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
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

const peekBufferSize = 4096

// maxIORetries bounds the transparent retry loop so a connection that
// keeps timing out eventually surfaces an error instead of spinning.
const maxIORetries = 1000

// SocketConnection is a Connection over a net.Conn.
type SocketConnection struct {
	conn     net.Conn
	reader   *bufio.Reader
	socktype string
	active   atomic.Bool
	timeout  time.Duration
	counters Counters
	mu       sync.Mutex
}

var _ Connection = &SocketConnection{}

// NewSocketConnection wraps a net.Conn with the given socket type tag.
func NewSocketConnection(conn net.Conn, socktype string) *SocketConnection {
	s := &SocketConnection{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, peekBufferSize),
		socktype: socktype,
	}
	s.active.Store(true)
	return s
}

// Dial connects to the address and wraps the result.
// Network is one of "tcp", "tcp4", "tcp6", "unix".
func Dial(network, address string, timeout time.Duration) (*SocketConnection, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial(network, address)
	if err != nil {
		if stderror.IsConnRefused(err) {
			return nil, stderror.WrapErrorWithType(err, stderror.TRANSPORT_ERROR)
		}
		return nil, err
	}
	socktype := TypeTCP
	if network == "unix" {
		socktype = TypeSocket
	}
	return NewSocketConnection(conn, socktype), nil
}

func (s *SocketConnection) Read(b []byte) (int, error) {
	for i := 0; i < maxIORetries; i++ {
		if !s.active.Load() {
			return 0, ClosedError(net.ErrClosed)
		}
		s.applyReadDeadline()
		n, err := s.reader.Read(b)
		if n > 0 {
			s.counters.InBytes.Add(int64(n))
		}
		if err == nil {
			return n, nil
		}
		if stderror.ShouldRetry(err) {
			continue
		}
		s.active.Store(false)
		return n, ClosedError(err)
	}
	return 0, stderror.ErrTimeout
}

func (s *SocketConnection) Write(b []byte) (int, error) {
	written := 0
	for i := 0; i < maxIORetries; i++ {
		if !s.active.Load() {
			return written, ClosedError(net.ErrClosed)
		}
		s.applyWriteDeadline()
		n, err := s.conn.Write(b[written:])
		written += n
		s.counters.OutBytes.Add(int64(n))
		if written == len(b) {
			return written, nil
		}
		if err != nil && !stderror.ShouldRetry(err) {
			s.active.Store(false)
			return written, ClosedError(err)
		}
	}
	return written, stderror.ErrTimeout
}

// Peek returns up to n bytes without consuming them.
// The caller should set a short timeout first: a peer that sends
// nothing (ie a port scanner) would otherwise block us here.
func (s *SocketConnection) Peek(n int) ([]byte, error) {
	if !s.active.Load() {
		return nil, ClosedError(net.ErrClosed)
	}
	if n > peekBufferSize {
		n = peekBufferSize
	}
	s.applyReadDeadline()
	buf, err := s.reader.Peek(n)
	if len(buf) > 0 {
		// a short peek with pending data is not an error
		return buf, nil
	}
	if err != nil {
		if stderror.ShouldRetry(err) {
			return nil, nil
		}
		return nil, err
	}
	return buf, nil
}

func (s *SocketConnection) Close() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	log.Debugf("Closing %v", s)
	return s.conn.Close()
}

func (s *SocketConnection) SocketType() string {
	return s.socktype
}

func (s *SocketConnection) IsActive() bool {
	return s.active.Load()
}

func (s *SocketConnection) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	s.timeout = timeout
	s.mu.Unlock()
}

func (s *SocketConnection) Counters() *Counters {
	return &s.counters
}

// NetConn returns the wrapped net.Conn. The packet layer uses it to
// hand the raw socket to the TLS wrapper during an ssl upgrade. Any
// bytes already buffered by a prior Peek are still owned by this
// connection and must be drained with Read first.
func (s *SocketConnection) NetConn() net.Conn {
	return s.conn
}

// Buffered returns the number of peeked bytes not yet consumed.
func (s *SocketConnection) Buffered() int {
	return s.reader.Buffered()
}

func (s *SocketConnection) Info() map[string]any {
	info := s.counters.Info()
	info["socktype"] = s.socktype
	if addr := s.conn.LocalAddr(); addr != nil {
		info["local"] = addr.String()
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		info["remote"] = addr.String()
	}
	return info
}

func (s *SocketConnection) String() string {
	return "SocketConnection{type=" + s.socktype + ", remote=" + remoteString(s.conn) + "}"
}

func (s *SocketConnection) applyReadDeadline() {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()
	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *SocketConnection) applyWriteDeadline() {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()
	if timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "?"
}
