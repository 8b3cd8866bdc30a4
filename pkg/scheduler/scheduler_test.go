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

package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	s := New()
	defer s.Close()
	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		s.Post(func() {
			got = append(got, i)
			if i == 9 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("tasks did not run within timeout")
	}
	for i := 0; i < 10; i++ {
		if got[i] != i {
			t.Fatalf("task order = %v, want ascending", got)
		}
	}
}

func TestAfterFires(t *testing.T) {
	s := New()
	defer s.Close()
	fired := make(chan struct{})
	s.After(10*time.Millisecond, func() {
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("After() callback did not fire")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s := New()
	defer s.Close()
	var count atomic.Int32
	h := s.After(30*time.Millisecond, func() {
		count.Add(1)
	})
	h.Cancel()
	h.Cancel() // second cancel must be a no-op
	time.Sleep(80 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("cancelled callback fired %d times, want 0", count.Load())
	}
}

func TestCancelAfterFired(t *testing.T) {
	s := New()
	defer s.Close()
	fired := make(chan struct{})
	h := s.After(5*time.Millisecond, func() {
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("After() callback did not fire")
	}
	// cancelling an already fired handle must not panic or error
	h.Cancel()
}

func TestRepeatStopsWhenCallbackReturnsFalse(t *testing.T) {
	s := New()
	defer s.Close()
	var count atomic.Int32
	s.Repeat(5*time.Millisecond, func() bool {
		return count.Add(1) < 3
	})
	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 3 {
		t.Errorf("repeat callback ran %d times, want 3", got)
	}
}

func TestPostAfterClose(t *testing.T) {
	s := New()
	s.Close()
	if s.Post(func() {}) {
		t.Errorf("Post() after Close() = true, want false")
	}
}
