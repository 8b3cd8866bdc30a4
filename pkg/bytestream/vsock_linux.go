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

//go:build linux

package bytestream

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Well known vsock context IDs.
const (
	VsockCIDAny  = unix.VMADDR_CID_ANY
	VsockCIDHost = unix.VMADDR_CID_HOST
)

// DialVsock connects to a vsock endpoint identified by context ID and
// port, used to reach a server running inside a VM.
func DialVsock(cid, port uint32) (Connection, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unix.Socket() failed: %w", err)
	}
	sa := &unix.SockaddrVM{CID: cid, Port: port}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unix.Connect() failed: %w", err)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("vsock:%d:%d", cid, port))
	return NewPipeConnection(f, f, TypeVsock, nil), nil
}

// VsockListener accepts vsock connections.
type VsockListener struct {
	fd   int
	port uint32
}

// ListenVsock binds and listens on a vsock port.
func ListenVsock(cid, port uint32) (*VsockListener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unix.Socket() failed: %w", err)
	}
	sa := &unix.SockaddrVM{CID: cid, Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unix.Bind() failed: %w", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unix.Listen() failed: %w", err)
	}
	return &VsockListener{fd: fd, port: port}, nil
}

// Accept waits for the next vsock connection.
func (l *VsockListener) Accept() (Connection, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, fmt.Errorf("unix.Accept() failed: %w", err)
	}
	f := os.NewFile(uintptr(nfd), fmt.Sprintf("vsock:accept:%d", l.port))
	return NewPipeConnection(f, f, TypeVsock, nil), nil
}

func (l *VsockListener) Close() error {
	return unix.Close(l.fd)
}
