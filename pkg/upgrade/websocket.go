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

package upgrade

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
	"github.com/gorilla/websocket"
)

// DefaultWebsocketTimeout bounds the HTTP request and upgrade
// handshake of a "http" classified connection.
const DefaultWebsocketTimeout = 5 * time.Second

// UpgradeWebsocket serves the pending HTTP request on the connection
// and upgrades it to a websocket carrying the packet stream.
func UpgradeWebsocket(conn bytestream.Connection, timeout time.Duration) (bytestream.Connection, error) {
	if timeout <= 0 {
		timeout = DefaultWebsocketTimeout
	}
	sock, ok := conn.(*bytestream.SocketConnection)
	if !ok {
		conn.Close()
		return nil, stderror.ErrUnsupported
	}
	socktype := bytestream.TypeWS
	if sock.SocketType() == bytestream.TypeSSL {
		socktype = bytestream.TypeWSS
	}
	// hand the peeked request bytes back to the HTTP server
	pre := make([]byte, sock.Buffered())
	if _, err := io.ReadFull(sock, pre); err != nil {
		conn.Close()
		return nil, err
	}
	raw := bytestream.NewPrefixedConn(sock.NetConn(), pre)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"binary"},
		// the session is protected by the packet layer authentication
		CheckOrigin: func(*http.Request) bool { return true },
	}
	result := make(chan *websocket.Conn, 1)
	server := &http.Server{
		ReadHeaderTimeout: timeout,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Debugf("websocket upgrade of %q request failed: %v", r.URL.Path, err)
				result <- nil
				return
			}
			result <- ws
		}),
	}
	go server.Serve(newOneShotListener(raw))

	select {
	case ws := <-result:
		if ws == nil {
			conn.Close()
			return nil, stderror.WrapErrorWithType(
				fmt.Errorf("the HTTP request is not a websocket upgrade"), stderror.PROTOCOL_ERROR)
		}
		return bytestream.NewWebsocketConnection(ws, socktype), nil
	case <-time.After(timeout):
		conn.Close()
		return nil, stderror.ErrTimeout
	}
}

// oneShotListener yields a single already accepted connection.
type oneShotListener struct {
	conn net.Conn
	once sync.Once
	ch   chan net.Conn
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	l := &oneShotListener{conn: conn, ch: make(chan net.Conn, 1)}
	l.ch <- conn
	return l
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	conn, ok := <-l.ch
	if !ok || conn == nil {
		return nil, net.ErrClosed
	}
	// the next Accept reports a closed listener, so the HTTP server
	// goroutine exits once the connection is hijacked
	l.Close()
	return conn, nil
}

func (l *oneShotListener) Close() error {
	l.once.Do(func() { close(l.ch) })
	return nil
}

func (l *oneShotListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
