// Package cpu models the per-core state the kernel needs: an identity, the
// interrupt-enable flag, and the matched interrupt-disable nesting used by
// spinlocks.
//
// A Core is owned by exactly one goroutine (the one playing that physical
// core), so its nesting fields are not synchronized. The run status is read
// by other cores and the monitor and is kept atomically.
package cpu

import (
	"fmt"
	"sync/atomic"
)

// Status is the run status of a core.
type Status uint32

const (
	// Unused is a core that has not been booted.
	Unused Status = iota
	// Started is a core executing the scheduler or an environment.
	Started
	// Halted is a core waiting for an interrupt with nothing to run.
	Halted
)

func (s Status) String() string {
	switch s {
	case Unused:
		return "unused"
	case Started:
		return "started"
	case Halted:
		return "halted"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Core is one physical core.
type Core struct {
	// ID is the core number, starting at 0.
	ID int

	// ncli is the depth of PushCli nesting.
	ncli int
	// intena records whether interrupts were enabled before the outermost PushCli.
	intena bool
	// intr is the hardware interrupt-enable flag.
	intr bool

	status atomic.Uint32
}

// New returns core id with interrupts disabled, as a core comes out of boot.
func New(id int) *Core {
	return &Core{ID: id}
}

// PushCli disables interrupts. It is matched: two PushCli need two PopCli.
// If interrupts were off already, PushCli/PopCli leave them off.
func (c *Core) PushCli() {
	was := c.intr
	c.intr = false
	if c.ncli == 0 {
		c.intena = was
	}
	c.ncli++
}

// PopCli undoes one PushCli and re-enables interrupts when the outermost
// one is undone and they were enabled before it.
func (c *Core) PopCli() {
	if c.intr {
		panic(fmt.Sprintf("cpu %d: popcli - interruptible", c.ID))
	}
	c.ncli--
	if c.ncli < 0 {
		panic(fmt.Sprintf("cpu %d: popcli", c.ID))
	}
	if c.ncli == 0 && c.intena {
		c.intr = true
	}
}

// Ncli returns the interrupt-disable nesting depth.
func (c *Core) Ncli() int {
	return c.ncli
}

// InterruptsEnabled reports the interrupt-enable flag.
func (c *Core) InterruptsEnabled() bool {
	return c.intr
}

// EnableInterrupts sets the interrupt flag (sti). It must not be called
// while a spinlock is held.
func (c *Core) EnableInterrupts() {
	if c.ncli != 0 {
		panic(fmt.Sprintf("cpu %d: sti with ncli %d", c.ID, c.ncli))
	}
	c.intr = true
}

// DisableInterrupts clears the interrupt flag (cli) without nesting, as the
// trap entry path does.
func (c *Core) DisableInterrupts() {
	c.intr = false
}

// Status returns the core's run status.
func (c *Core) Status() Status {
	return Status(c.status.Load())
}

// SetStatus sets the core's run status and returns the previous one (xchg).
func (c *Core) SetStatus(s Status) Status {
	return Status(c.status.Swap(uint32(s)))
}
