// Package console is the kernel console: formatted output serialized by a
// spinlock so lines from different cores never interleave, and a small
// input queue read without blocking.
package console

import (
	"fmt"
	"io"

	"exokern/pkg/cpu"
	"exokern/pkg/spinlock"
)

// inputSize is the number of unread input bytes the console keeps.
const inputSize = 512

// Console writes kernel output to an io.Writer.
type Console struct {
	lock spinlock.Lock
	w    io.Writer
	in   chan byte
}

// New returns a console writing to w.
func New(w io.Writer, debug bool) *Console {
	cn := &Console{
		w:  w,
		in: make(chan byte, inputSize),
	}
	cn.lock.Init("print_lock", debug)
	return cn
}

// Printf formats to the console as core c.
func (cn *Console) Printf(c *cpu.Core, format string, args ...any) {
	cn.lock.Acquire(c)
	defer cn.lock.Release(c)
	fmt.Fprintf(cn.w, format, args...)
}

// Puts writes s verbatim, as the cputs syscall does.
func (cn *Console) Puts(c *cpu.Core, s string) {
	cn.lock.Acquire(c)
	defer cn.lock.Release(c)
	io.WriteString(cn.w, s)
}

// Emergency writes without taking the print lock. It is used when the
// machine is going down and the lock may be held by a dead core.
func (cn *Console) Emergency(format string, args ...any) {
	fmt.Fprintf(cn.w, format, args...)
}

// Feed queues input. Bytes that do not fit are dropped, as a full
// keyboard buffer drops keystrokes.
func (cn *Console) Feed(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		select {
		case cn.in <- s[i]:
			n++
		default:
			return n
		}
	}
	return n
}

// Getc returns the next input byte, or 0 if there is none.
func (cn *Console) Getc() byte {
	select {
	case b := <-cn.in:
		return b
	default:
		return 0
	}
}
