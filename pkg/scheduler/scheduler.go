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

// Package scheduler provides the per connection dispatch loop. All the
// protocol state of one connection is mutated from a single goroutine,
// so the state machines never need fine grained locks. Background
// workers post their results back to the loop instead of touching
// shared state directly.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

const taskQueueCapacity = 256

// Scheduler runs posted functions and timer callbacks on one goroutine.
type Scheduler struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// New creates a Scheduler and starts its dispatch goroutine.
func New() *Scheduler {
	s := &Scheduler{
		tasks:    make(chan func(), taskQueueCapacity),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			// drain what was already queued before the close
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn to run on the dispatch goroutine.
// It returns false if the scheduler is already closed.
func (s *Scheduler) Post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.done:
		return false
	}
}

// After schedules fn to run on the dispatch goroutine after the delay.
// The returned handle cancels the callback; cancelling after the
// callback has fired, or cancelling twice, is a no-op.
func (s *Scheduler) After(delay time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.timer = time.AfterFunc(delay, func() {
		if !h.fired.CompareAndSwap(false, true) {
			return
		}
		s.Post(fn)
	})
	return h
}

// Repeat schedules fn to run on the dispatch goroutine every interval
// until the handle is cancelled or fn returns false.
func (s *Scheduler) Repeat(interval time.Duration, fn func() bool) *Handle {
	h := &Handle{}
	var schedule func()
	schedule = func() {
		h.mu.Lock()
		if h.cancelled.Load() {
			h.mu.Unlock()
			return
		}
		h.timer = time.AfterFunc(interval, func() {
			if h.cancelled.Load() {
				return
			}
			s.Post(func() {
				if h.cancelled.Load() {
					return
				}
				if fn() {
					schedule()
				} else {
					h.cancelled.Store(true)
				}
			})
		})
		h.mu.Unlock()
	}
	schedule()
	return h
}

// Close stops the dispatch loop. Tasks already queued still run;
// tasks posted afterwards are dropped. Close blocks until the loop
// goroutine exits.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.loopDone
}

// Handle identifies one scheduled callback.
type Handle struct {
	mu        sync.Mutex
	timer     *time.Timer
	fired     atomic.Bool
	cancelled atomic.Bool
}

// Cancel stops the callback from firing. It is idempotent: cancelling
// an already fired or already cancelled handle is a no-op. Both the
// completion path and the timeout path of a transfer race to cancel the
// same handle, and only one may win.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	h.fired.Store(true)
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
}
