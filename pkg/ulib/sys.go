// Package ulib is the library user environments link against: the view of
// the machine a program gets (Sys), plus the pieces of a libc built on it:
// console output, blocking IPC, page fault handling and copy-on-write fork.
package ulib

import (
	"fmt"

	"exokern/pkg/env"
	"exokern/pkg/mmu"
)

// Program is the code an environment runs. Returning from it exits the
// environment.
type Program func(sys Sys)

// Upcall is a page fault entry point. The kernel enters it with ESP
// pointing at an env.UTrapframe on the exception stack; returning resumes
// the faulting access.
type Upcall func(sys Sys)

// IPCInfo is what the last completed receive delivered.
type IPCInfo struct {
	From  env.ID
	Value uint32
	Perm  mmu.Perm
}

// Sys is a user environment's machine: system calls, its registers, and
// user-mode memory access. Memory accesses that fault are handed to the
// registered upcall and retried; without one the kernel destroys the
// environment and the access never returns.
type Sys interface {
	// Getenvid returns the caller's id.
	Getenvid() env.ID
	// Retval returns the return register as of the last resumption. A
	// freshly forked child sees 0.
	Retval() int32
	// ESP returns the stack pointer.
	ESP() uintptr

	// Cputs prints n bytes of user memory at va.
	Cputs(va uintptr, n int)
	// Cgetc returns a console input byte, or 0 if none is waiting.
	Cgetc() byte
	// Yield gives up the core.
	Yield()
	// Exit destroys the caller. It does not return.
	Exit()
	// Panic stops the machine. It does not return.
	Panic(msg string)

	EnvDestroy(id env.ID) error
	EnvSetStatus(id env.ID, st env.Status) error
	EnvSetPgfaultUpcall(id env.ID, upcall Upcall) error
	// Exofork creates a NotRunnable child with an empty address space and
	// a copy of the caller's registers. The child starts in child.
	Exofork(child Program) (env.ID, error)

	PageAlloc(id env.ID, va uintptr, perm mmu.Perm) error
	PageMap(srcid env.ID, srcva uintptr, dstid env.ID, dstva uintptr, perm mmu.Perm) error
	PageUnmap(id env.ID, va uintptr) error

	IPCTrySend(to env.ID, value uint32, srcva uintptr, perm mmu.Perm) error
	// IPCRecv blocks until a message arrives.
	IPCRecv(dstva uintptr) error
	IPCInfo() IPCInfo

	// DiskRead reads block blockno of disk dev into the page at va.
	DiskRead(dev, blockno uint32, va uintptr) error
	NetSend(va uintptr, n int) error
	// NetRecv polls for a packet; it returns 0 if none has arrived.
	NetRecv(va uintptr, n int) (int, error)

	// PTE returns the permissions the page table grants for va.
	PTE(va uintptr) (mmu.Perm, bool)
	// Pages lists the mapped pages in [lo, hi).
	Pages(lo, hi uintptr) []uintptr
	Read(va uintptr, p []byte)
	Write(va uintptr, p []byte)
	// Tick is a preemption point for code that makes no system calls.
	Tick()

	// SetUserData and UserData hold library state in the environment's
	// data segment. A forked child starts with a copy.
	SetUserData(key string, value any)
	UserData(key string) any
}

// Panicf formats a message and stops the machine.
func Panicf(sys Sys, format string, args ...any) {
	sys.Panic(fmt.Sprintf(format, args...))
}
