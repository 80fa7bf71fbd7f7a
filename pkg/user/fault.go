package user

import (
	"exokern/pkg/env"
	"exokern/pkg/mmu"
	"exokern/pkg/ulib"
)

// FaultWrite writes to address 0 with no fault handler. The kernel
// destroys it.
func FaultWrite(sys ulib.Sys) {
	sys.Write(0, []byte{0, 0, 0, 0})
}

// FaultDie catches its own fault and exits from the handler.
func FaultDie(sys ulib.Sys) {
	ulib.SetPgfaultHandler(sys, func(sys ulib.Sys, utf *env.UTrapframe) {
		ulib.Printf(sys, "i faulted at va %x, err %x\n", utf.FaultVA, utf.Err&7)
		sys.Exit()
	})
	sys.Write(0xdeadbeef, []byte{0, 0, 0, 0})
}

// FaultReadonly forks, which installs the copy-on-write handler, and then
// writes a page that is read-only without being copy-on-write. The handler
// cannot fix that and the machine stops.
func FaultReadonly(sys ulib.Sys) {
	if _, err := ulib.Fork(sys, func(ulib.Sys) {}); err != nil {
		ulib.Panicf(sys, "fork: %v", err)
	}
	if err := sys.PageAlloc(0, mmu.UTEMP, mmu.PermP|mmu.PermU); err != nil {
		ulib.Panicf(sys, "page_alloc: %v", err)
	}
	sys.Write(mmu.UTEMP, []byte{1})
}
