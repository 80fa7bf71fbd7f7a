package ulib

import (
	"exokern/pkg/env"
	"exokern/pkg/mmu"
)

const handlerKey = "pgfault_handler"

// Handler handles a page fault in user mode.
type Handler func(sys Sys, utf *env.UTrapframe)

// SetPgfaultHandler installs h as the caller's page fault handler. The
// first call allocates the exception stack and registers the upcall with
// the kernel; later calls only swap the handler.
func SetPgfaultHandler(sys Sys, h Handler) {
	if _, ok := sys.UserData(handlerKey).(Handler); !ok {
		if err := sys.PageAlloc(0, mmu.UXSTACKTOP-mmu.PGSIZE, mmu.PermP|mmu.PermU|mmu.PermW); err != nil {
			Panicf(sys, "set_pgfault_handler: page_alloc: %v", err)
		}
		if err := sys.EnvSetPgfaultUpcall(0, pgfaultUpcall); err != nil {
			Panicf(sys, "set_pgfault_handler: set upcall: %v", err)
		}
	}
	sys.SetUserData(handlerKey, h)
}

// pgfaultUpcall is the entry point the kernel calls on a page fault. It
// reads the trap frame off the exception stack and calls the handler.
func pgfaultUpcall(sys Sys) {
	buf := make([]byte, env.UTrapframeSize)
	sys.Read(sys.ESP(), buf)
	var utf env.UTrapframe
	if err := utf.UnmarshalBinary(buf); err != nil {
		Panicf(sys, "pgfault upcall: bad trap frame: %v", err)
	}
	h, ok := sys.UserData(handlerKey).(Handler)
	if !ok {
		Panicf(sys, "pgfault upcall: no handler for va %08x", utf.FaultVA)
	}
	h(sys, &utf)
}

// pgfault gives the faulting environment a private writable copy of a
// copy-on-write page. Any other fault is fatal.
func pgfault(sys Sys, utf *env.UTrapframe) {
	addr := uintptr(utf.FaultVA)
	if utf.Err&mmu.FECWr == 0 || utf.Err&mmu.FECPr == 0 {
		Panicf(sys, "pgfault: va %08x err %x is not a write to a present page", addr, utf.Err)
	}
	perm, ok := sys.PTE(addr)
	if !ok || perm&mmu.PermCOW == 0 {
		Panicf(sys, "pgfault: va %08x is not copy-on-write (%v)", addr, perm)
	}

	addr = mmu.RoundDown(addr)
	if err := sys.PageAlloc(0, mmu.PFTEMP, mmu.PermP|mmu.PermU|mmu.PermW); err != nil {
		Panicf(sys, "pgfault: page_alloc: %v", err)
	}
	page := make([]byte, mmu.PGSIZE)
	sys.Read(addr, page)
	sys.Write(mmu.PFTEMP, page)
	if err := sys.PageMap(0, mmu.PFTEMP, 0, addr, mmu.PermP|mmu.PermU|mmu.PermW); err != nil {
		Panicf(sys, "pgfault: page_map: %v", err)
	}
	if err := sys.PageUnmap(0, mmu.PFTEMP); err != nil {
		Panicf(sys, "pgfault: page_unmap: %v", err)
	}
}

// duppage maps the caller's page at va into child at the same address.
// Writable and copy-on-write pages become copy-on-write in both; the
// caller's mapping is re-marked after the child's so the caller never has
// a window where it could write a page the child already shares. Other
// pages are shared read-only.
func duppage(sys Sys, child env.ID, va uintptr) {
	perm, ok := sys.PTE(va)
	if !ok {
		return
	}
	if perm&(mmu.PermW|mmu.PermCOW) != 0 {
		if err := sys.PageMap(0, va, child, va, mmu.PermP|mmu.PermU|mmu.PermCOW); err != nil {
			Panicf(sys, "duppage: map %08x into child: %v", va, err)
		}
		if err := sys.PageMap(0, va, 0, va, mmu.PermP|mmu.PermU|mmu.PermCOW); err != nil {
			Panicf(sys, "duppage: remap %08x: %v", va, err)
		}
		return
	}
	if err := sys.PageMap(0, va, child, va, mmu.PermP|mmu.PermU); err != nil {
		Panicf(sys, "duppage: share %08x: %v", va, err)
	}
}

// Fork creates a child that shares the caller's memory copy-on-write and
// starts running child once it is scheduled. The parent gets the child's
// id. Running out of environments is returned as an error; any mapping
// failure after the child exists stops the machine.
func Fork(sys Sys, child Program) (env.ID, error) {
	SetPgfaultHandler(sys, pgfault)

	id, err := sys.Exofork(func(sys Sys) {
		if r := sys.Retval(); r != 0 {
			Panicf(sys, "fork: child resumed with %d", r)
		}
		child(sys)
	})
	if err != nil {
		return 0, err
	}

	for _, va := range sys.Pages(0, mmu.USTACKTOP) {
		perm, ok := sys.PTE(va)
		if !ok || perm&(mmu.PermP|mmu.PermU) != mmu.PermP|mmu.PermU {
			continue
		}
		duppage(sys, id, va)
	}

	if err := sys.PageAlloc(id, mmu.UXSTACKTOP-mmu.PGSIZE, mmu.PermP|mmu.PermU|mmu.PermW); err != nil {
		Panicf(sys, "fork: exception stack: %v", err)
	}
	if err := sys.EnvSetPgfaultUpcall(id, pgfaultUpcall); err != nil {
		Panicf(sys, "fork: set upcall: %v", err)
	}
	if err := sys.EnvSetStatus(id, env.Runnable); err != nil {
		Panicf(sys, "fork: set status: %v", err)
	}
	return id, nil
}
