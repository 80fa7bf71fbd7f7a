// Package spinlock implements the kernel's fair mutual-exclusion lock.
//
// A Lock is a ticket lock: each acquirer atomically draws the next ticket
// and spins until the lock's current ticket reaches it, so waiters are
// admitted strictly in arrival order. Acquiring a lock disables interrupts
// on the acquiring core only (see cpu.Core.PushCli); the tickets provide the
// cross-core exclusion.
//
// Re-acquiring a lock on the core that holds it panics. With Debug set,
// the lock also records the acquirer's call chain and releasing from a core
// that does not hold the lock panics with that chain in the message.
package spinlock

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"exokern/pkg/cpu"
)

const npcs = 10

// Lock is a ticket spinlock. The zero value is an unlocked lock with no name.
type Lock struct {
	next    atomic.Uint32
	current atomic.Uint32

	// Debug enables call-chain recording and release checks.
	Debug bool
	name  string

	// holder is the id of the holding core plus one; zero when free.
	holder atomic.Int32
	pcs    atomic.Pointer[[npcs]uintptr]
}

// New returns an unlocked lock called name.
func New(name string, debug bool) *Lock {
	l := &Lock{}
	l.Init(name, debug)
	return l
}

// Init resets l to an unlocked lock called name.
func (l *Lock) Init(name string, debug bool) {
	l.next.Store(0)
	l.current.Store(0)
	l.holder.Store(0)
	l.pcs.Store(nil)
	l.name = name
	l.Debug = debug
}

// Name returns the lock's name.
func (l *Lock) Name() string {
	return l.name
}

// Holding reports whether core c holds the lock.
func (l *Lock) Holding(c *cpu.Core) bool {
	return l.holder.Load() == int32(c.ID+1)
}

// Acquire loops until the lock is acquired by core c.
// Holding a lock for a long time makes other cores waste time spinning.
func (l *Lock) Acquire(c *cpu.Core) {
	c.PushCli()
	if l.Holding(c) {
		panic(fmt.Sprintf("CPU %d cannot acquire %s: already holding", c.ID, l.name))
	}

	t := l.next.Add(1) - 1
	for l.current.Load() != t {
		runtime.Gosched()
	}

	l.holder.Store(int32(c.ID + 1))
	if l.Debug {
		var pcs [npcs]uintptr
		runtime.Callers(2, pcs[:])
		l.pcs.Store(&pcs)
	}
}

// Release releases the lock held by core c.
func (l *Lock) Release(c *cpu.Core) {
	if l.Debug {
		if !l.Holding(c) {
			panic(l.misrelease(c))
		}
		l.pcs.Store(nil)
	}
	l.holder.Store(0)
	l.current.Add(1)
	c.PopCli()
}

// misrelease describes a release by a core that is not the holder,
// including where the lock was acquired.
func (l *Lock) misrelease(c *cpu.Core) string {
	var b strings.Builder
	held := int(l.holder.Load()) - 1
	if held < 0 {
		fmt.Fprintf(&b, "CPU %d cannot release %s: not held\n", c.ID, l.name)
	} else {
		fmt.Fprintf(&b, "CPU %d cannot release %s: held by CPU %d\nAcquired at:", c.ID, l.name, held)
	}
	if pcs := l.pcs.Load(); pcs != nil && pcs[0] != 0 {
		frames := runtime.CallersFrames(trim(pcs[:]))
		for {
			f, more := frames.Next()
			fmt.Fprintf(&b, "\n  %08x %s:%d: %s", f.PC, f.File, f.Line, f.Function)
			if !more {
				break
			}
		}
	}
	return b.String()
}

func trim(pcs []uintptr) []uintptr {
	for i, pc := range pcs {
		if pc == 0 {
			return pcs[:i]
		}
	}
	return pcs
}

// Tickets returns the next and current ticket counters. The difference is
// the number of cores holding or waiting for the lock.
func (l *Lock) Tickets() (next, current uint32) {
	return l.next.Load(), l.current.Load()
}
