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

// Package reaper tracks the child processes a session spawns, such as
// ssh transports and file open commands, collects their exit status
// and terminates whatever is still running on shutdown.
package reaper

import (
	"os/exec"
	"sync"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// ExitCallback is invoked from the waiter goroutine when the child
// exits. err is nil on a zero exit status.
type ExitCallback func(name string, err error)

// Entry is one tracked child process.
type Entry struct {
	Cmd  *exec.Cmd
	Name string

	// IgnoreExit suppresses the error log when the child exits with a
	// non zero status, for commands that routinely do (ie: xdg-open).
	IgnoreExit bool

	// Forget drops the entry from the table as soon as the child
	// exits, so Cleanup does not try to kill it.
	Forget bool

	callback ExitCallback
	exited   bool
}

// Reaper is safe for concurrent use.
type Reaper struct {
	mu       sync.Mutex
	children map[int]*Entry
	closed   bool
	wg       sync.WaitGroup
}

func New() *Reaper {
	return &Reaper{
		children: make(map[int]*Entry),
	}
}

// AddProcess registers an already started child and spawns a waiter
// goroutine for it. callback may be nil.
func (r *Reaper) AddProcess(cmd *exec.Cmd, name string, ignoreExit, forget bool, callback ExitCallback) (*Entry, error) {
	if cmd.Process == nil {
		return nil, stderror.ErrInvalidOperation
	}
	entry := &Entry{
		Cmd:        cmd,
		Name:       name,
		IgnoreExit: ignoreExit,
		Forget:     forget,
		callback:   callback,
	}
	pid := cmd.Process.Pid
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, stderror.ErrClosed
	}
	r.children[pid] = entry
	r.mu.Unlock()
	log.Debugf("tracking child process %q pid=%d", name, pid)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := cmd.Wait()
		r.mu.Lock()
		entry.exited = true
		if entry.Forget {
			delete(r.children, pid)
		}
		r.mu.Unlock()
		if err != nil && !entry.IgnoreExit {
			log.Errorf("child process %q pid=%d: %v", name, pid, err)
		} else {
			log.Debugf("child process %q pid=%d exited", name, pid)
		}
		if entry.callback != nil {
			entry.callback(name, err)
		}
	}()
	return entry, nil
}

// NumChildren returns the number of tracked children, exited or not.
func (r *Reaper) NumChildren() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// Cleanup kills every child still running and waits for all the
// waiter goroutines. Safe to call more than once.
func (r *Reaper) Cleanup() {
	r.mu.Lock()
	r.closed = true
	var kill []*Entry
	for pid, entry := range r.children {
		if !entry.exited {
			kill = append(kill, entry)
		}
		delete(r.children, pid)
	}
	r.mu.Unlock()
	for _, entry := range kill {
		log.Infof("terminating child process %q pid=%d", entry.Name, entry.Cmd.Process.Pid)
		if err := entry.Cmd.Process.Kill(); err != nil {
			log.Debugf("failed to kill %q: %v", entry.Name, err)
		}
	}
	r.wg.Wait()
}
