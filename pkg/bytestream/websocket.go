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
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// WebsocketConnection presents a websocket as a byte stream. Packets
// framed by the protocol layer are carried in binary messages; message
// boundaries are not meaningful to the reader, which treats the
// sequence of messages as one stream.
type WebsocketConnection struct {
	ws       *websocket.Conn
	socktype string
	reader   io.Reader
	active   atomic.Bool
	timeout  time.Duration
	counters Counters
}

var _ Connection = &WebsocketConnection{}

// NewWebsocketConnection wraps an upgraded websocket.
// socktype is "ws" or "wss" depending on the outer transport.
func NewWebsocketConnection(ws *websocket.Conn, socktype string) *WebsocketConnection {
	w := &WebsocketConnection{
		ws:       ws,
		socktype: socktype,
	}
	w.active.Store(true)
	return w
}

func (w *WebsocketConnection) Read(b []byte) (int, error) {
	for {
		if !w.active.Load() {
			return 0, ClosedError(io.ErrClosedPipe)
		}
		if w.reader == nil {
			if w.timeout > 0 {
				w.ws.SetReadDeadline(time.Now().Add(w.timeout))
			} else {
				w.ws.SetReadDeadline(time.Time{})
			}
			msgType, r, err := w.ws.NextReader()
			if err != nil {
				if stderror.ShouldRetry(err) {
					continue
				}
				w.active.Store(false)
				return 0, ClosedError(err)
			}
			if msgType != websocket.BinaryMessage {
				// drain and skip text or control payloads
				io.Copy(io.Discard, r)
				continue
			}
			w.reader = r
		}
		n, err := w.reader.Read(b)
		if n > 0 {
			w.counters.InBytes.Add(int64(n))
			return n, nil
		}
		if err == io.EOF {
			w.reader = nil
			continue
		}
		if err != nil {
			w.active.Store(false)
			return n, ClosedError(err)
		}
	}
}

func (w *WebsocketConnection) Write(b []byte) (int, error) {
	if !w.active.Load() {
		return 0, ClosedError(io.ErrClosedPipe)
	}
	if w.timeout > 0 {
		w.ws.SetWriteDeadline(time.Now().Add(w.timeout))
	} else {
		w.ws.SetWriteDeadline(time.Time{})
	}
	if err := w.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		w.active.Store(false)
		return 0, ClosedError(err)
	}
	w.counters.OutBytes.Add(int64(len(b)))
	return len(b), nil
}

// Peek is not supported on websockets.
func (w *WebsocketConnection) Peek(n int) ([]byte, error) {
	return nil, nil
}

func (w *WebsocketConnection) Close() error {
	if !w.active.CompareAndSwap(true, false) {
		return nil
	}
	w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.ws.Close()
}

func (w *WebsocketConnection) SocketType() string {
	return w.socktype
}

func (w *WebsocketConnection) IsActive() bool {
	return w.active.Load()
}

func (w *WebsocketConnection) SetTimeout(timeout time.Duration) {
	w.timeout = timeout
}

func (w *WebsocketConnection) Counters() *Counters {
	return &w.counters
}

func (w *WebsocketConnection) Info() map[string]any {
	info := w.counters.Info()
	info["socktype"] = w.socktype
	if addr := w.ws.LocalAddr(); addr != nil {
		info["local"] = addr.String()
	}
	if addr := w.ws.RemoteAddr(); addr != nil {
		info["remote"] = addr.String()
	}
	return info
}
