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

// Package upgrade sniffs what a freshly accepted socket is speaking,
// so one listening port can serve plain packets, TLS, websockets and
// ssh. Nothing is consumed from the stream: classification peeks,
// and the real handler sees the bytes from the start.
package upgrade

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
	"github.com/Xpra-org/xpra-sub019/pkg/tlsutil"
)

// Stream classifications.
const (
	TypeXpra    = "xpra"
	TypeSSL     = "ssl"
	TypeSSH     = "ssh"
	TypeHTTP    = "http"
	TypeVNC     = "vnc"
	TypeUnknown = ""
)

// DefaultPeekTimeout bounds how long Detect waits for the client to
// send its first bytes.
const DefaultPeekTimeout = 1 * time.Second

// peekSize is all the heuristics need.
const peekSize = 32

// ErrNoData marks a connection that was closed, or stayed silent,
// without sending a single byte: port scanners and health probes.
// Not worth an error log.
var ErrNoData = fmt.Errorf("no data received")

// GuessPacketType classifies the first bytes of a stream.
func GuessPacketType(buf []byte) string {
	if len(buf) == 0 {
		return TypeUnknown
	}
	if looksLikePacketHeader(buf) {
		return TypeXpra
	}
	if bytes.HasPrefix(buf, []byte("SSH-")) {
		return TypeSSH
	}
	if buf[0] == 0x16 {
		// TLS handshake record
		return TypeSSL
	}
	if bytes.HasPrefix(buf, []byte("RFB ")) {
		return TypeVNC
	}
	line1, _, _ := bytes.Cut(buf, []byte("\n"))
	if bytes.Index(line1, []byte("HTTP/")) > 0 {
		return TypeHTTP
	}
	method, _, _ := bytes.Cut(line1, []byte(" "))
	switch string(method) {
	case "GET", "POST", "HEAD", "OPTIONS", "CONNECT":
		return TypeHTTP
	}
	return TypeUnknown
}

// looksLikePacketHeader is deliberately strict: this usually runs on
// the first packet of a connection, so the chunk index must be zero
// and the advertised size sane.
func looksLikePacketHeader(buf []byte) bool {
	if len(buf) == 0 || buf[0] != packet.Magic {
		return false
	}
	padded := make([]byte, packet.HeaderSize)
	copy(padded, buf)
	header, err := packet.UnpackHeader(padded)
	if err != nil {
		return false
	}
	if header.ChunkIndex != 0 {
		return false
	}
	return header.Size >= packet.HeaderSize && header.Size < packet.AbsoluteMaxPacketSize
}

// Options controls what Detect may upgrade to.
type Options struct {
	// PeekTimeout overrides DefaultPeekTimeout. Negative means do not
	// wait at all.
	PeekTimeout time.Duration

	// TLS enables the in place upgrade of a "ssl" stream; after the
	// handshake the decrypted stream is classified again.
	TLS *tlsutil.Config
}

// Result is a classified, possibly upgraded, connection.
type Result struct {
	Conn       bytestream.Connection
	PacketType string

	// WasSSL is true when a TLS upgrade took place, PacketType then
	// describes the decrypted stream.
	WasSSL bool
}

// Detect peeks at the connection and classifies it. Connections that
// never send a byte are closed quietly with ErrNoData. An "ssl"
// stream is wrapped when Options.TLS allows it, and the inner stream
// classified again.
func Detect(conn bytestream.Connection, opts Options) (*Result, error) {
	timeout := opts.PeekTimeout
	if timeout == 0 {
		timeout = DefaultPeekTimeout
	}
	peeked := peek(conn, timeout)
	if len(peeked) == 0 {
		conn.Close()
		return nil, ErrNoData
	}
	ptype := GuessPacketType(peeked)
	log.Debugf("%s connection looks like %q", conn.SocketType(), ptype)
	if ptype != TypeSSL || opts.TLS == nil {
		return &Result{Conn: conn, PacketType: ptype}, nil
	}

	sock, ok := conn.(*bytestream.SocketConnection)
	if !ok {
		conn.Close()
		return nil, stderror.ErrUnsupported
	}
	// the peeked handshake bytes are sitting in the buffer, the TLS
	// stack needs to see them again
	pre := make([]byte, sock.Buffered())
	if _, err := io.ReadFull(sock, pre); err != nil {
		conn.Close()
		return nil, err
	}
	tlsSock, err := tlsutil.Wrap(bytestream.NewPrefixedConn(sock.NetConn(), pre), *opts.TLS)
	if err != nil {
		conn.Close()
		return nil, err
	}
	peeked = peek(tlsSock, timeout)
	if len(peeked) == 0 {
		tlsSock.Close()
		return nil, ErrNoData
	}
	inner := GuessPacketType(peeked)
	log.Debugf("decrypted stream looks like %q", inner)
	return &Result{Conn: tlsSock, PacketType: inner, WasSSL: true}, nil
}

func peek(conn bytestream.Connection, timeout time.Duration) []byte {
	if timeout < 0 {
		return nil
	}
	conn.SetTimeout(timeout)
	defer conn.SetTimeout(0)
	data, err := conn.Peek(peekSize)
	if err != nil && len(data) == 0 {
		return nil
	}
	return data
}
