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

package sshtun

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
)

// DefaultAllowedCommands is the server side command allow list: a
// client may only ask for the proxy entry point, never an arbitrary
// shell command.
var DefaultAllowedCommands = []string{
	"xpra _proxy",
	"xpra _proxy_start",
}

// ServerOptions configures the embedded ssh server side.
type ServerOptions struct {
	HostKey ssh.Signer

	// PasswordAuth validates a password login. Leaving it nil turns
	// client authentication off, for sockets that are already
	// protected by the transport.
	PasswordAuth func(user string, password []byte) bool

	// AllowedCommands defaults to DefaultAllowedCommands. A requested
	// command is allowed when it equals an entry, or extends it with
	// further arguments.
	AllowedCommands []string

	// Handle runs the allowed command over the channel. It owns the
	// connection and must close it.
	Handle func(command string, conn bytestream.Connection)
}

func commandAllowed(command string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	for _, entry := range allowed {
		if command == entry || strings.HasPrefix(command, entry+" ") {
			return true
		}
	}
	return false
}

// ServeConn runs the ssh server side on one accepted socket. It
// returns once the ssh connection is torn down.
func ServeConn(conn net.Conn, opts ServerOptions) error {
	if opts.HostKey == nil {
		return sshError("no host key configured")
	}
	config := &ssh.ServerConfig{}
	config.AddHostKey(opts.HostKey)
	if opts.PasswordAuth == nil {
		config.NoClientAuth = true
	} else {
		config.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if opts.PasswordAuth(meta.User(), password) {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		}
	}
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return sshError("ssh handshake failed: %w", err)
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Errorf("failed to accept a session channel: %v", err)
			continue
		}
		go handleSession(channel, requests, opts)
	}
	return nil
}

func handleSession(channel ssh.Channel, requests <-chan *ssh.Request, opts ServerOptions) {
	for req := range requests {
		switch req.Type {
		case "exec":
			command, err := parseExecPayload(req.Payload)
			if err != nil || !commandAllowed(command, opts.AllowedCommands) {
				log.Errorf("refusing ssh command %q", command)
				req.Reply(false, nil)
				channel.Close()
				return
			}
			req.Reply(true, nil)
			log.Infof("running ssh command %q", command)
			conn := bytestream.NewPipeConnection(channel, channel, bytestream.TypeSSH, nil)
			if opts.Handle != nil {
				opts.Handle(command, conn)
			} else {
				conn.Close()
			}
			return
		case "shell", "pty-req":
			// interactive logins are never allowed
			req.Reply(false, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// parseExecPayload decodes the command of an "exec" request:
// a uint32 length followed by the command string.
func parseExecPayload(payload []byte) (string, error) {
	if len(payload) < 4 {
		return "", fmt.Errorf("truncated exec payload")
	}
	size := binary.BigEndian.Uint32(payload)
	if int(size) != len(payload)-4 {
		return "", fmt.Errorf("invalid exec payload length")
	}
	return string(payload[4:]), nil
}
