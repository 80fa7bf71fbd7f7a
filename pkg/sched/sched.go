// Package sched picks the next environment for a core.
//
// Every core runs its own round robin over the shared environment table
// without taking any lock: an environment is taken with env.Env.Claim, a
// single compare-and-swap, so cores race for Runnable environments and
// exactly one wins each. Environments pinned to another core are skipped.
// When nothing is eligible a core falls back to its dedicated idle
// environment, which is not in the table.
package sched

import (
	"fmt"
	"sync/atomic"

	"exokern/pkg/cpu"
	"exokern/pkg/env"
)

// CPU is the scheduling state of one core. Only the goroutine playing the
// core calls Pick; Current may be read from anywhere.
type CPU struct {
	Core *cpu.Core

	tbl  *env.Table
	idle *env.Env
	cur  atomic.Pointer[env.Env]

	// cursor is the slot after the last environment picked from the table.
	cursor int
	// onIdle is set while the idle environment is current.
	onIdle bool
}

// New returns the scheduler for core c. idle may be nil, in which case Pick
// panics when nothing is runnable.
func New(c *cpu.Core, tbl *env.Table, idle *env.Env) *CPU {
	return &CPU{Core: c, tbl: tbl, idle: idle}
}

// Current returns the environment the core is running, or nil before the
// first Pick.
func (s *CPU) Current() *env.Env {
	return s.cur.Load()
}

// Idle returns the core's idle environment.
func (s *CPU) Idle() *env.Env {
	return s.idle
}

// OnIdle reports whether the idle environment is current.
func (s *CPU) OnIdle() bool {
	return s.onIdle
}

// Pick chooses what the core runs next and makes it Running on the core.
//
// The scan starts at slot 0 after an idle period and after the last picked
// slot otherwise. If no table entry can be claimed the current environment
// keeps the core when it is still Running; failing that the idle
// environment runs. The environment the core gives up becomes Runnable
// again, or is reclaimed if it was destroyed while it ran.
func (s *CPU) Pick() *env.Env {
	c := s.Core
	c.PushCli()
	defer c.PopCli()

	prev := s.cur.Load()
	if prev == s.idle {
		prev = nil
	}
	if prev != nil && prev.Status() != env.Running {
		s.release(prev)
		prev = nil
	}

	var next *env.Env
	if n := s.tbl.Len(); n > 0 {
		start := s.cursor
		if s.onIdle {
			start = 0
		}
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			e := s.tbl.At(idx)
			if e.Status() != env.Runnable || !e.Eligible(c.ID) {
				continue
			}
			if e.Claim(c.ID) {
				next = e
				s.cursor = idx + 1
				break
			}
		}
	}
	if next == nil && prev != nil && prev.Status() == env.Running && prev.Owner() == c.ID {
		next = prev
	}
	if prev != nil && prev != next {
		s.release(prev)
	}

	if next == nil {
		if s.idle == nil {
			panic(fmt.Sprintf("sched: cpu %d has no runnable environment and no idle environment", c.ID))
		}
		if s.idle.Owner() != c.ID && !s.idle.Claim(c.ID) {
			panic(fmt.Sprintf("sched: cpu %d cannot claim its idle environment (%v)", c.ID, s.idle.Status()))
		}
		next = s.idle
	} else if s.idle != nil {
		s.idle.Unclaim(c.ID)
	}

	s.onIdle = next == s.idle
	s.cur.Store(next)
	return next
}

// release drops the core's hold on e and reclaims it if it was destroyed.
func (s *CPU) release(e *env.Env) {
	if st, held := e.Unclaim(s.Core.ID); held && st == env.Dying {
		s.tbl.Reclaim(s.Core, e.ID(), e)
	}
}

// Drop releases the current environment when the core stops scheduling.
func (s *CPU) Drop() {
	c := s.Core
	c.PushCli()
	defer c.PopCli()
	if prev := s.cur.Swap(nil); prev != nil && prev != s.idle {
		s.release(prev)
	}
}

// HasPending reports whether some environment in the table is Runnable,
// unclaimed and allowed on the core. A core only halts when it is false.
func (s *CPU) HasPending() bool {
	for i := 0; i < s.tbl.Len(); i++ {
		e := s.tbl.At(i)
		if e.Status() == env.Runnable && e.Owner() < 0 && e.Eligible(s.Core.ID) {
			return true
		}
	}
	return false
}
