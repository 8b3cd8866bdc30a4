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
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// PipeConnection is a Connection over a pair of unidirectional streams,
// typically the stdin and stdout of an SSH subprocess. An abort test
// callback lets the owner convert subprocess death into a connection
// closed error with a useful message.
type PipeConnection struct {
	writeable io.WriteCloser
	readable  io.ReadCloser
	socktype  string
	abortTest func() error
	active    atomic.Bool
	counters  Counters
}

var _ Connection = &PipeConnection{}

// NewPipeConnection builds a PipeConnection. abortTest may be nil;
// when set, it is consulted before every read and write, and a non nil
// result aborts the operation.
func NewPipeConnection(writeable io.WriteCloser, readable io.ReadCloser, socktype string, abortTest func() error) *PipeConnection {
	p := &PipeConnection{
		writeable: writeable,
		readable:  readable,
		socktype:  socktype,
		abortTest: abortTest,
	}
	p.active.Store(true)
	return p
}

func (p *PipeConnection) mayAbort() error {
	if !p.active.Load() {
		return ClosedError(io.ErrClosedPipe)
	}
	if p.abortTest != nil {
		if err := p.abortTest(); err != nil {
			p.active.Store(false)
			if p.counters.NeverReceived() {
				return ClosedError(fmt.Errorf("never connected: %w", err))
			}
			return ClosedError(fmt.Errorf("connection dropped: %w", err))
		}
	}
	return nil
}

func (p *PipeConnection) Read(b []byte) (int, error) {
	for {
		if err := p.mayAbort(); err != nil {
			return 0, err
		}
		n, err := p.readable.Read(b)
		if n > 0 {
			p.counters.InBytes.Add(int64(n))
		}
		if err == nil {
			return n, nil
		}
		if stderror.ShouldRetry(err) {
			continue
		}
		p.active.Store(false)
		return n, ClosedError(err)
	}
}

func (p *PipeConnection) Write(b []byte) (int, error) {
	if err := p.mayAbort(); err != nil {
		return 0, err
	}
	n, err := p.writeable.Write(b)
	p.counters.OutBytes.Add(int64(n))
	if err != nil {
		p.active.Store(false)
		return n, ClosedError(err)
	}
	return n, nil
}

// Peek is not supported on pipes.
func (p *PipeConnection) Peek(n int) ([]byte, error) {
	return nil, nil
}

func (p *PipeConnection) Close() error {
	if !p.active.CompareAndSwap(true, false) {
		return nil
	}
	// close both ends, keep the first error
	err := p.writeable.Close()
	if err2 := p.readable.Close(); err == nil {
		err = err2
	}
	return err
}

func (p *PipeConnection) SocketType() string {
	return p.socktype
}

func (p *PipeConnection) IsActive() bool {
	return p.active.Load()
}

// SetTimeout is a no-op: pipe reads are interrupted by the abort test.
func (p *PipeConnection) SetTimeout(timeout time.Duration) {}

func (p *PipeConnection) Counters() *Counters {
	return &p.counters
}

func (p *PipeConnection) Info() map[string]any {
	info := p.counters.Info()
	info["socktype"] = p.socktype
	return info
}

func (p *PipeConnection) String() string {
	return "PipeConnection{type=" + p.socktype + "}"
}
