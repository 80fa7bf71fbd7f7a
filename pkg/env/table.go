package env

import (
	"fmt"
	"sync/atomic"

	"exokern/pkg/cpu"
	"exokern/pkg/errno"
	"exokern/pkg/mmu"
	"exokern/pkg/spinlock"
)

// Printer receives kernel log lines.
type Printer interface {
	Printf(c *cpu.Core, format string, args ...any)
}

// Table is the fixed-size environment table.
type Table struct {
	mem  *mmu.PhysMem
	out  Printer
	envs []Env

	// lock guards the free list.
	lock spinlock.Lock
	free int

	live atomic.Int32
}

// NewTable returns a table of n free environments whose address spaces
// come from mem. out may be nil.
func NewTable(n int, mem *mmu.PhysMem, out Printer, debug bool) *Table {
	if n <= 0 || n > MaxEnvs {
		panic(fmt.Sprintf("env: table size %d out of range", n))
	}
	t := &Table{
		mem:  mem,
		out:  out,
		envs: make([]Env, n),
		free: 0,
	}
	t.lock.Init("env_table", debug)
	for i := range t.envs {
		e := &t.envs[i]
		e.slot = i
		e.id.Store(int32(MaxEnvs | i))
		e.affinity.Store(AnyCPU)
		e.Lock.Init(fmt.Sprintf("env%d", i), debug)
		e.nextFree = i + 1
	}
	t.envs[n-1].nextFree = -1
	return t
}

func (t *Table) printf(c *cpu.Core, format string, args ...any) {
	if t.out != nil {
		t.out.Printf(c, format, args...)
	}
}

// Mem returns the physical memory address spaces are built from.
func (t *Table) Mem() *mmu.PhysMem {
	return t.mem
}

// Len returns the table size.
func (t *Table) Len() int {
	return len(t.envs)
}

// At returns the environment in slot i.
func (t *Table) At(i int) *Env {
	return &t.envs[i]
}

// Live returns the number of environments that are not Free.
func (t *Table) Live() int {
	return int(t.live.Load())
}

// Counts returns the number of environments in each status.
func (t *Table) Counts() map[Status]int {
	counts := make(map[Status]int)
	for i := range t.envs {
		counts[t.envs[i].Status()]++
	}
	return counts
}

// Range calls fn for every environment that is not Free, in slot order,
// until fn returns false.
func (t *Table) Range(fn func(e *Env) bool) {
	for i := range t.envs {
		e := &t.envs[i]
		if e.Status() == Free {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// Alloc takes a free environment and gives it a fresh address space. The
// new environment is NotRunnable, unpinned, and has parent as its parent.
func (t *Table) Alloc(c *cpu.Core, parent ID) (*Env, error) {
	t.lock.Acquire(c)
	if t.free < 0 {
		t.lock.Release(c)
		return nil, errno.NoFreeEnv
	}
	e := &t.envs[t.free]
	t.free = e.nextFree
	t.lock.Release(c)

	as, err := mmu.NewAddrSpace(t.mem)
	if err != nil {
		t.pushFree(c, e)
		return nil, err
	}

	e.Lock.Acquire(c)
	e.IPCRecving = false
	e.IPCDstVA = 0
	e.IPCValue = 0
	e.IPCFrom = 0
	e.IPCPerm = 0
	e.upcall = nil
	e.ctx = nil
	e.name = ""
	e.Tf = Trapframe{}
	e.Lock.Release(c)

	e.as.Store(as)
	e.parent.Store(int32(parent))
	e.affinity.Store(AnyCPU)
	e.runs.Store(0)
	e.state.Store(pack(NotRunnable, -1))
	t.live.Add(1)

	t.printf(c, "[%08x] new env %08x\n", uint32(parent), uint32(e.ID()))
	return e, nil
}

func (t *Table) pushFree(c *cpu.Core, e *Env) {
	t.lock.Acquire(c)
	e.nextFree = t.free
	t.free = e.slot
	t.lock.Release(c)
}

// Lookup converts id to an environment. ID 0 is caller itself. With
// checkPerm, the target must be caller or one of its descendants.
// Stale or unknown ids fail with errno.BadEnv.
func (t *Table) Lookup(c *cpu.Core, caller *Env, id ID, checkPerm bool) (*Env, error) {
	if id == 0 {
		if caller == nil {
			return nil, errno.BadEnv
		}
		return caller, nil
	}
	e, ok := t.resolve(id)
	if !ok {
		return nil, errno.BadEnv
	}
	if checkPerm && e != caller && !t.descends(e, caller) {
		return nil, errno.BadEnv
	}
	return e, nil
}

func (t *Table) resolve(id ID) (*Env, bool) {
	if id <= 0 || id.Slot() >= len(t.envs) {
		return nil, false
	}
	e := &t.envs[id.Slot()]
	st := e.Status()
	if st == Free || st == Dying || e.ID() != id {
		return nil, false
	}
	return e, true
}

// descends reports whether e has ancestor as a parent, grandparent and so
// on. The walk stops at the first ancestor that no longer exists.
func (t *Table) descends(e, ancestor *Env) bool {
	if ancestor == nil {
		return false
	}
	want := ancestor.ID()
	p := e.ParentID()
	for i := 0; i < len(t.envs) && p != 0; i++ {
		if p == want {
			return true
		}
		pe, ok := t.resolve(p)
		if !ok {
			return false
		}
		p = pe.ParentID()
	}
	return false
}

// SetStatus sets the status of id, which must be caller or a descendant,
// to Runnable or NotRunnable. The owning core, if any, is kept. Making a
// Running environment Runnable changes nothing.
func (t *Table) SetStatus(c *cpu.Core, caller *Env, id ID, st Status) error {
	e, err := t.Lookup(c, caller, id, true)
	if err != nil {
		return err
	}
	if st != Runnable && st != NotRunnable {
		return errno.Inval
	}
	for {
		w := e.state.Load()
		cur, owner := unpack(w)
		switch cur {
		case Free, Dying:
			return errno.BadEnv
		case Running:
			if st == Runnable {
				return nil
			}
		}
		if e.state.CompareAndSwap(w, pack(st, owner)) {
			return nil
		}
	}
}

// SetPgfaultUpcall registers the page fault entry point of id, which must
// be caller or a descendant.
func (t *Table) SetPgfaultUpcall(c *cpu.Core, caller *Env, id ID, upcall any) error {
	e, err := t.Lookup(c, caller, id, true)
	if err != nil {
		return err
	}
	e.Lock.Acquire(c)
	e.upcall = upcall
	e.Lock.Release(c)
	return nil
}

// Destroy destroys id, which must be caller or a descendant.
func (t *Table) Destroy(c *cpu.Core, caller *Env, id ID) error {
	e, err := t.Lookup(c, caller, id, true)
	if err != nil {
		return err
	}
	if e == caller {
		t.printf(c, "[%08x] exiting gracefully\n", uint32(e.ID()))
	} else {
		t.printf(c, "[%08x] destroying %08x\n", uint32(caller.ID()), uint32(e.ID()))
	}
	t.Kill(c, e)
	return nil
}

// Kill destroys e without permission checks. An environment some core
// holds is only marked Dying; that core reclaims it at its next
// scheduling decision. Anything else is reclaimed now.
func (t *Table) Kill(c *cpu.Core, e *Env) {
	for {
		w := e.state.Load()
		st, owner := unpack(w)
		if st == Free || st == Dying {
			return
		}
		if e.state.CompareAndSwap(w, pack(Dying, owner)) {
			if owner < 0 {
				t.Reclaim(c, e.ID(), e)
			}
			return
		}
	}
}

// Reclaim frees a Dying environment that no core holds: its address space
// is torn down, its user context stopped, and its slot returned with a new
// generation. by is the environment on whose behalf it happens.
func (t *Table) Reclaim(c *cpu.Core, by ID, e *Env) {
	if st, owner := unpack(e.state.Load()); st != Dying || owner >= 0 {
		panic(fmt.Sprintf("env: reclaim of %s env %08x held by cpu %d", st, uint32(e.ID()), owner))
	}
	id := e.ID()
	t.printf(c, "[%08x] free env %08x\n", uint32(by), uint32(id))

	// Senders compare the id under Lock before writing to the slot.
	e.Lock.Acquire(c)
	e.id.Store(int32(nextGeneration(id)))
	as := e.as.Swap(nil)
	ctx := e.ctx
	e.ctx = nil
	e.upcall = nil
	e.IPCRecving = false
	e.IPCDstVA = 0
	e.IPCFrom = 0
	e.IPCValue = 0
	e.IPCPerm = 0
	e.Lock.Release(c)

	if as != nil {
		as.Teardown()
	}
	if ctx != nil {
		ctx.Kill()
	}

	e.affinity.Store(AnyCPU)
	e.state.Store(pack(Free, -1))
	t.live.Add(-1)
	t.pushFree(c, e)
}
