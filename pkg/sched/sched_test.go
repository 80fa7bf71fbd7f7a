package sched

import (
	"sync"
	"sync/atomic"
	"testing"

	"exokern/pkg/cpu"
	"exokern/pkg/env"
	"exokern/pkg/mmu"
)

func setup(t *testing.T, nenv int) (*env.Table, *cpu.Core) {
	t.Helper()
	return env.NewTable(nenv, mmu.NewPhysMem(256), nil, true), cpu.New(0)
}

func runnable(t *testing.T, tbl *env.Table, c *cpu.Core, affinity int) *env.Env {
	t.Helper()
	e, err := tbl.Alloc(c, 0)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	e.SetAffinity(affinity)
	if err := tbl.SetStatus(c, e, 0, env.Runnable); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	return e
}

// TestPinnedReselected tests that a lone pinned environment keeps its core
// and that another core idles.
func TestPinnedReselected(t *testing.T) {
	tbl, c0 := setup(t, 4)
	c1 := cpu.New(1)
	e := runnable(t, tbl, c0, 0)

	s0 := New(c0, tbl, env.NewIdle(0, true))
	s1 := New(c1, tbl, env.NewIdle(1, true))

	for i := 0; i < 5; i++ {
		if got := s0.Pick(); got != e {
			t.Fatalf("Pick() #%d on cpu 0 = %v, want %v", i, got.ID(), e.ID())
		}
		if e.Status() != env.Running || e.Owner() != 0 {
			t.Fatalf("after Pick() %v on %d", e.Status(), e.Owner())
		}
		if got := s1.Pick(); got != s1.Idle() {
			t.Fatalf("Pick() #%d on cpu 1 = %v, want idle", i, got.ID())
		}
	}
	if got := e.Runs(); got != 1 {
		t.Errorf("Runs() = %d, want 1", got)
	}
}

// TestRoundRobin tests that runnable environments take turns.
func TestRoundRobin(t *testing.T) {
	tbl, c := setup(t, 8)
	a := runnable(t, tbl, c, env.AnyCPU)
	b := runnable(t, tbl, c, 1)
	d := runnable(t, tbl, c, env.AnyCPU)
	e := runnable(t, tbl, c, 0)

	s := New(c, tbl, env.NewIdle(0, true))
	want := []*env.Env{a, d, e, a, d, e}
	for i, w := range want {
		if got := s.Pick(); got != w {
			t.Fatalf("Pick() #%d = %v, want %v", i, got.ID(), w.ID())
		}
	}
	if b.Status() != env.Runnable || b.Runs() != 0 {
		t.Errorf("env pinned to cpu 1 ran on cpu 0")
	}
	if a.Status() != env.Runnable || a.Owner() != -1 {
		t.Errorf("released env = %v on %d, want runnable", a.Status(), a.Owner())
	}
}

// TestIdleFallback tests the idle environment and the scan restart after it.
func TestIdleFallback(t *testing.T) {
	tbl, c := setup(t, 4)
	s := New(c, tbl, env.NewIdle(0, true))

	if got := s.Pick(); got != s.Idle() || !s.OnIdle() {
		t.Fatalf("Pick() on empty table = %v, want idle", got.ID())
	}
	if s.HasPending() {
		t.Error("HasPending() = true on empty table")
	}

	// Fill slots 0 and 1, then block 0 so the cursor moves past it.
	a := runnable(t, tbl, c, env.AnyCPU)
	b := runnable(t, tbl, c, env.AnyCPU)
	if !s.HasPending() {
		t.Error("HasPending() = false with runnable envs")
	}
	if got := s.Pick(); got != a {
		t.Fatalf("Pick() = %v, want %v", got.ID(), a.ID())
	}
	if s.Idle().Status() != env.Runnable || s.Idle().Owner() != -1 {
		t.Errorf("idle env not released: %v on %d", s.Idle().Status(), s.Idle().Owner())
	}
	tbl.SetStatus(c, a, 0, env.NotRunnable)
	tbl.SetStatus(c, b, 0, env.NotRunnable)
	if got := s.Pick(); got != s.Idle() {
		t.Fatalf("Pick() = %v, want idle", got.ID())
	}
	if a.Owner() != -1 {
		t.Errorf("blocked env still owned by %d", a.Owner())
	}

	// After idling the scan starts from slot 0 again.
	tbl.SetStatus(c, a, 0, env.Runnable)
	tbl.SetStatus(c, b, 0, env.Runnable)
	if got := s.Pick(); got != a {
		t.Errorf("Pick() after idle = %v, want %v", got.ID(), a.ID())
	}
}

// TestNoIdlePanics tests that running out of work without an idle
// environment is fatal.
func TestNoIdlePanics(t *testing.T) {
	tbl, c := setup(t, 2)
	s := New(c, tbl, nil)
	defer func() {
		if recover() == nil {
			t.Error("Pick() did not panic")
		}
	}()
	s.Pick()
}

// TestDyingReclaimed tests that an environment destroyed while it ran is
// reclaimed by its core at the next Pick.
func TestDyingReclaimed(t *testing.T) {
	tbl, c := setup(t, 2)
	e := runnable(t, tbl, c, env.AnyCPU)
	s := New(c, tbl, env.NewIdle(0, true))

	if got := s.Pick(); got != e {
		t.Fatalf("Pick() = %v, want %v", got.ID(), e.ID())
	}
	if err := tbl.Destroy(c, e, 0); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if e.Status() != env.Dying {
		t.Fatalf("Status() = %v, want %v", e.Status(), env.Dying)
	}
	if got := s.Pick(); got != s.Idle() {
		t.Errorf("Pick() = %v, want idle", got.ID())
	}
	if e.Status() != env.Free || tbl.Live() != 0 {
		t.Errorf("Status() = %v, Live() = %d", e.Status(), tbl.Live())
	}
}

// TestAtMostOneRunning runs several cores against one table and checks
// that no environment is ever running on two of them.
func TestAtMostOneRunning(t *testing.T) {
	const (
		ncpu  = 4
		nenv  = 6
		picks = 2000
	)
	tbl, c := setup(t, nenv+1)
	running := make([]atomic.Int32, nenv+1)
	for i := 0; i < nenv; i++ {
		runnable(t, tbl, c, env.AnyCPU)
	}

	var violations atomic.Int32
	var wg sync.WaitGroup
	for id := 0; id < ncpu; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			core := cpu.New(id)
			s := New(core, tbl, env.NewIdle(id, false))
			var held *env.Env
			for i := 0; i < picks; i++ {
				if held != nil {
					running[held.Slot()].Add(-1)
				}
				held = s.Pick()
				if held == s.Idle() {
					held = nil
					continue
				}
				if running[held.Slot()].Add(1) != 1 {
					violations.Add(1)
				}
				if held.Status() != env.Running || held.Owner() != id {
					violations.Add(1)
				}
			}
			if held != nil {
				running[held.Slot()].Add(-1)
			}
			s.Drop()
		}(id)
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Errorf("%d violations of single ownership", violations.Load())
	}
	counts := tbl.Counts()
	if counts[env.Runnable] != nenv {
		t.Errorf("Runnable = %d after all cores stopped, want %d", counts[env.Runnable], nenv)
	}
}
