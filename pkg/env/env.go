package env

import (
	"fmt"
	"sync/atomic"

	"exokern/pkg/cpu"
	"exokern/pkg/mmu"
	"exokern/pkg/spinlock"
)

// LogNENV is the number of id bits holding the slot index.
const LogNENV = 10

// MaxEnvs is the largest table the id encoding supports.
const MaxEnvs = 1 << LogNENV

// AnyCPU is the affinity of an environment any core may run.
const AnyCPU = -1

// ID identifies an environment. The low LogNENV bits are the slot index and
// the rest is a generation that changes every time the slot is reclaimed,
// so an ID held after its environment died never matches again.
// ID 0 means the calling environment.
type ID int32

// Slot returns the table index encoded in id.
func (id ID) Slot() int {
	return int(id) & (MaxEnvs - 1)
}

func (id ID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// nextGeneration returns the id the slot of id gets after reclamation.
func nextGeneration(id ID) ID {
	gen := (int32(id) + MaxEnvs) &^ (MaxEnvs - 1)
	if gen <= 0 {
		gen = MaxEnvs
	}
	return ID(gen | int32(id.Slot()))
}

// Status is an environment's scheduling state.
type Status uint32

const (
	// Free is an unused table slot.
	Free Status = iota
	// Dying is destroyed and waiting for its core to reclaim it.
	Dying
	// Runnable is waiting for a core.
	Runnable
	// Running is executing on exactly one core.
	Running
	// NotRunnable is blocked, for example in ipc_recv.
	NotRunnable
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Dying:
		return "dying"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case NotRunnable:
		return "not-runnable"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// The state word packs the status (low byte) with the owning core plus one
// (next byte); an owner of zero means no core holds the environment.
const (
	statusMask = 0xff
	ownerShift = 8
)

func pack(st Status, owner int) uint32 {
	return uint32(st) | uint32(owner+1)<<ownerShift
}

func unpack(w uint32) (Status, int) {
	return Status(w & statusMask), int(w>>ownerShift) - 1
}

// Context is the user-mode half of an environment: whatever executes its
// program. Kill stops it for good when the environment is reclaimed.
type Context interface {
	Kill()
}

// Env is one environment.
type Env struct {
	slot  int
	id    atomic.Int32
	state atomic.Uint32

	parent   atomic.Int32
	affinity atomic.Int32
	runs     atomic.Uint64
	as       atomic.Pointer[mmu.AddrSpace]

	// Tf is the saved execution context. It belongs to the core that owns
	// the environment; while the environment is blocked in ipc_recv a
	// sender may set Tf.Regs.EAX under Lock.
	Tf Trapframe

	// Lock guards the fields below.
	Lock spinlock.Lock

	// IPCRecving is set while blocked in ipc_recv.
	IPCRecving bool
	// IPCDstVA is where a received page should be mapped; 0 for none.
	IPCDstVA uintptr
	// IPCValue is the last value received.
	IPCValue uint32
	// IPCFrom is the sender of the last value.
	IPCFrom ID
	// IPCPerm is the permission of the last page received, 0 if none.
	IPCPerm mmu.Perm

	upcall any
	ctx    Context
	name   string

	nextFree int
}

// ID returns the environment's identity.
func (e *Env) ID() ID {
	return ID(e.id.Load())
}

// Slot returns the table index.
func (e *Env) Slot() int {
	return e.slot
}

// ParentID returns the identity of the environment that allocated e.
func (e *Env) ParentID() ID {
	return ID(e.parent.Load())
}

// Status returns the scheduling state.
func (e *Env) Status() Status {
	st, _ := unpack(e.state.Load())
	return st
}

// Owner returns the core holding the environment, or -1.
func (e *Env) Owner() int {
	_, owner := unpack(e.state.Load())
	return owner
}

// Affinity returns the core the environment is pinned to, or AnyCPU.
func (e *Env) Affinity() int {
	return int(e.affinity.Load())
}

// SetAffinity pins the environment to core, or unpins it with AnyCPU.
func (e *Env) SetAffinity(core int) {
	e.affinity.Store(int32(core))
}

// Runs returns how many times a core has switched to the environment.
func (e *Env) Runs() uint64 {
	return e.runs.Load()
}

// AddrSpace returns the environment's address space, nil once reclaimed.
func (e *Env) AddrSpace() *mmu.AddrSpace {
	return e.as.Load()
}

// Eligible reports whether core may run the environment.
func (e *Env) Eligible(core int) bool {
	aff := e.Affinity()
	return aff == AnyCPU || aff == core
}

// Claim makes a Runnable environment that no core holds Running on core.
// Exactly one of several concurrent claimers succeeds.
func (e *Env) Claim(core int) bool {
	if e.state.CompareAndSwap(pack(Runnable, -1), pack(Running, core)) {
		e.runs.Add(1)
		return true
	}
	return false
}

// Unclaim gives up core's hold on the environment: Running becomes
// Runnable and any other status is kept. It returns the resulting status
// and whether core was holding the environment. A released Dying
// environment must be reclaimed by the caller.
func (e *Env) Unclaim(core int) (Status, bool) {
	for {
		w := e.state.Load()
		st, owner := unpack(w)
		if owner != core {
			return st, false
		}
		next := st
		if st == Running {
			next = Runnable
		}
		if e.state.CompareAndSwap(w, pack(next, -1)) {
			return next, true
		}
	}
}

// transition moves the environment to status to if its current status is
// one of from, keeping the owner. It returns the status found.
func (e *Env) transition(to Status, from ...Status) (Status, bool) {
	for {
		w := e.state.Load()
		st, owner := unpack(w)
		ok := false
		for _, f := range from {
			if st == f {
				ok = true
				break
			}
		}
		if !ok {
			return st, false
		}
		if e.state.CompareAndSwap(w, pack(to, owner)) {
			return st, true
		}
	}
}

// Block marks the running environment NotRunnable. Its core keeps holding
// it until the next scheduling decision.
func (e *Env) Block() bool {
	_, ok := e.transition(NotRunnable, Running)
	return ok
}

// Wake makes a blocked environment Runnable.
func (e *Env) Wake() bool {
	_, ok := e.transition(Runnable, NotRunnable)
	return ok
}

// Name returns the program name.
func (e *Env) Name(c *cpu.Core) string {
	e.Lock.Acquire(c)
	defer e.Lock.Release(c)
	return e.name
}

// SetName records the program name.
func (e *Env) SetName(c *cpu.Core, name string) {
	e.Lock.Acquire(c)
	defer e.Lock.Release(c)
	e.name = name
}

// Upcall returns the registered page fault entry point.
func (e *Env) Upcall(c *cpu.Core) any {
	e.Lock.Acquire(c)
	defer e.Lock.Release(c)
	return e.upcall
}

// Context returns the user-mode context.
func (e *Env) Context(c *cpu.Core) Context {
	e.Lock.Acquire(c)
	defer e.Lock.Release(c)
	return e.ctx
}

// SetContext installs the user-mode context.
func (e *Env) SetContext(c *cpu.Core, ctx Context) {
	e.Lock.Acquire(c)
	defer e.Lock.Release(c)
	e.ctx = ctx
}

// NewIdle returns core's idle environment. It is not part of any table and
// is always eligible on its core.
func NewIdle(core int, debug bool) *Env {
	e := &Env{slot: -1}
	e.Lock.Init(fmt.Sprintf("idle%d", core), debug)
	e.affinity.Store(int32(core))
	e.state.Store(pack(Runnable, -1))
	e.name = "idle"
	return e
}
