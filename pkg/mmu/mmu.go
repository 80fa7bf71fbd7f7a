package mmu

import (
	"fmt"

	"exokern/pkg/errno"
)

// Page geometry.
const (
	PGSIZE  = 4096
	PGSHIFT = 12
	PTSIZE  = PGSIZE * 1024
)

// User address space layout.
const (
	// UTOP is the top of user-controlled memory; everything below it may be
	// mapped by user environments through syscalls.
	UTOP uintptr = 0xeec00000
	// UXSTACKTOP is the top of the one-page user exception stack.
	UXSTACKTOP uintptr = UTOP
	// USTACKTOP is the top of the normal user stack; one empty page guards
	// the exception stack below UXSTACKTOP.
	USTACKTOP uintptr = UTOP - 2*PGSIZE
	// UTEMP is a scratch area for temporary mappings.
	UTEMP uintptr = PTSIZE
	// PFTEMP is where the page fault handler maps its fresh page.
	PFTEMP uintptr = UTEMP + PTSIZE - PGSIZE
)

// Perm is a set of page table entry permission bits.
type Perm uint32

const (
	// PermP marks a present mapping.
	PermP Perm = 0x001
	// PermW marks a writable mapping.
	PermW Perm = 0x002
	// PermU marks a user-accessible mapping.
	PermU Perm = 0x004
	// PermAvail are the bits reserved for software.
	PermAvail Perm = 0xe00
	// PermCOW marks a copy-on-write mapping. It lives in the software bits.
	PermCOW Perm = 0x800
	// PermSyscall are the only bits a syscall may pass.
	PermSyscall Perm = PermAvail | PermP | PermW | PermU
)

func (p Perm) String() string {
	b := []byte("----")
	if p&PermCOW != 0 {
		b[0] = 'C'
	}
	if p&PermU != 0 {
		b[1] = 'U'
	}
	if p&PermW != 0 {
		b[2] = 'W'
	}
	if p&PermP != 0 {
		b[3] = 'P'
	}
	return string(b)
}

// PageAligned reports whether va is on a page boundary.
func PageAligned(va uintptr) bool {
	return va%PGSIZE == 0
}

// RoundDown rounds va down to its page boundary.
func RoundDown(va uintptr) uintptr {
	return va &^ (PGSIZE - 1)
}

// RoundUp rounds va up to the next page boundary.
func RoundUp(va uintptr) uintptr {
	return RoundDown(va + PGSIZE - 1)
}

// CheckVA validates a user virtual address passed to a page syscall.
func CheckVA(va uintptr) error {
	if va >= UTOP || !PageAligned(va) {
		return errno.Inval
	}
	return nil
}

// CheckPerm validates permissions passed to a page syscall: PermU and PermP
// must be set and nothing outside PermSyscall may be.
func CheckPerm(perm Perm) error {
	if perm&(PermU|PermP) != PermU|PermP {
		return errno.Inval
	}
	if perm&^PermSyscall != 0 {
		return errno.Inval
	}
	return nil
}

// Access is the kind of memory access that faulted.
type Access int

const (
	// AccessRead is a load.
	AccessRead Access = iota
	// AccessWrite is a store.
	AccessWrite
)

func (a Access) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// Page fault error code bits, as pushed in a trap frame.
const (
	FECPr uint32 = 0x1 // fault caused by a protection violation
	FECWr uint32 = 0x2 // fault caused by a write
	FECU  uint32 = 0x4 // fault occurred in user mode
)

// Fault describes a user memory access the page tables did not allow.
// The kernel turns it into a page fault upcall or destroys the faulting
// environment.
type Fault struct {
	// VA is the faulting address.
	VA uintptr
	// Access is the kind of access.
	Access Access
	// Present is true when a mapping existed but lacked permission.
	Present bool
}

func (f *Fault) Error() string {
	return fmt.Sprintf("page fault: %s at va %08x (present=%t)", f.Access, f.VA, f.Present)
}

// Code returns the trap error code for the fault.
func (f *Fault) Code() uint32 {
	code := FECU
	if f.Present {
		code |= FECPr
	}
	if f.Access == AccessWrite {
		code |= FECWr
	}
	return code
}
