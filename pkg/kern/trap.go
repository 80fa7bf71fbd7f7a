package kern

import (
	"fmt"

	"exokern/pkg/cpu"
	"exokern/pkg/env"
	"exokern/pkg/mmu"
	"exokern/pkg/ulib"
)

// trap handles one trap from e, which is running on cs.
func (k *Kernel) trap(cs *coreState, e *env.Env, u *User, tr *trap) action {
	e.Tf.ESP = uint32(tr.esp)
	switch tr.kind {
	case trapSyscall:
		ret, act := k.syscall(cs, e, u, tr)
		if act != actBlocked {
			e.Tf.Regs.EAX = uint32(ret)
		}
		return act
	case trapFault:
		return k.pageFault(cs.sched.Core, e, u, tr)
	case trapTimer:
		return actResched
	case trapPanic:
		msg, _ := tr.obj.(string)
		panic(fmt.Sprintf("user panic in env %08x: %s", uint32(e.ID()), msg))
	}
	panic(fmt.Sprintf("unknown trap %d from env %08x", tr.kind, uint32(e.ID())))
}

// pageFault reflects a user page fault to the environment's upcall on the
// exception stack. Without an upcall, or without room on the exception
// stack, the environment is destroyed.
func (k *Kernel) pageFault(c *cpu.Core, e *env.Env, u *User, tr *trap) action {
	f := tr.fault
	fn, _ := e.Upcall(c).(ulib.Upcall)
	if fn == nil {
		k.console.Printf(c, "[%08x] user fault va %08x ip %08x\n", uint32(e.ID()), f.VA, e.Tf.EIP)
		k.envs.Kill(c, e)
		return actResched
	}

	size := uintptr(env.UTrapframeSize)
	utfva := mmu.UXSTACKTOP - size
	if tr.esp >= mmu.UXSTACKTOP-mmu.PGSIZE && tr.esp <= mmu.UXSTACKTOP {
		// Nested fault: leave a scratch word below the interrupted frame.
		utfva = tr.esp - 4 - size
	}
	as := e.AddrSpace()
	if as == nil {
		return actResched
	}
	if _, ok := as.Check(utfva, int(size), mmu.PermU|mmu.PermW); !ok || utfva < mmu.UXSTACKTOP-mmu.PGSIZE {
		k.console.Printf(c, "[%08x] user_mem_check assertion failure for va %08x\n", uint32(e.ID()), utfva)
		k.envs.Kill(c, e)
		return actResched
	}

	utf := env.UTrapframe{
		FaultVA: uint32(f.VA),
		Err:     f.Code(),
		Regs:    e.Tf.Regs,
		EIP:     e.Tf.EIP,
		EFlags:  e.Tf.EFlags,
		ESP:     uint32(tr.esp),
	}
	data, err := utf.MarshalBinary()
	if err != nil {
		panic(err)
	}
	if _, err := as.Write(utfva, data); err != nil {
		panic(fmt.Sprintf("kern: write of checked exception stack: %v", err))
	}
	e.Tf.ESP = uint32(utfva)
	u.upcall = &resumption{upcall: fn, esp: utfva}
	return actResume
}
