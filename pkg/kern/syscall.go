package kern

import (
	"fmt"

	"exokern/pkg/e1000"
	"exokern/pkg/env"
	"exokern/pkg/errno"
	"exokern/pkg/ide"
	"exokern/pkg/ipc"
	"exokern/pkg/mmu"
	"exokern/pkg/ulib"
)

// Num is a system call number.
type Num uint32

// System call numbers.
const (
	SysCputs Num = iota
	SysCgetc
	SysGetenvid
	SysEnvDestroy
	SysPageAlloc
	SysPageMap
	SysPageUnmap
	SysExofork
	SysEnvSetStatus
	SysEnvSetPgfaultUpcall
	SysYield
	SysIPCTrySend
	SysIPCRecv
	SysDiskRead
	SysNetSend
	SysNetRecv
	SysPanic
	numSyscalls
)

var syscallNames = [...]string{
	SysCputs:               "cputs",
	SysCgetc:               "cgetc",
	SysGetenvid:            "getenvid",
	SysEnvDestroy:          "env_destroy",
	SysPageAlloc:           "page_alloc",
	SysPageMap:             "page_map",
	SysPageUnmap:           "page_unmap",
	SysExofork:             "exofork",
	SysEnvSetStatus:        "env_set_status",
	SysEnvSetPgfaultUpcall: "env_set_pgfault_upcall",
	SysYield:               "yield",
	SysIPCTrySend:          "ipc_try_send",
	SysIPCRecv:             "ipc_recv",
	SysDiskRead:            "disk_read",
	SysNetSend:             "net_send",
	SysNetRecv:             "net_recv",
	SysPanic:               "panic",
}

func (n Num) String() string {
	if n < numSyscalls {
		return syscallNames[n]
	}
	return fmt.Sprintf("syscall(%d)", uint32(n))
}

// action is what the core does after a trap.
type action int

const (
	// actResume returns to the environment.
	actResume action = iota
	// actResched gives the core back to the scheduler.
	actResched
	// actBlocked is actResched for an environment that now waits; its
	// return register is left for whoever wakes it.
	actBlocked
)

// syscall dispatches a system call from e, which is running on cs.
// Caller-supplied garbage is an error return, never a kernel panic.
func (k *Kernel) syscall(cs *coreState, e *env.Env, u *User, tr *trap) (int32, action) {
	c := cs.sched.Core
	a := tr.args
	switch tr.num {
	case SysCputs:
		va, n := uintptr(a[0]), int(a[1])
		buf, ok := k.userBytes(cs, e, va, n, mmu.PermU)
		if !ok {
			return 0, actResched
		}
		k.console.Puts(c, string(buf))
		return 0, actResume

	case SysCgetc:
		return int32(k.console.Getc()), actResume

	case SysGetenvid:
		return int32(e.ID()), actResume

	case SysEnvDestroy:
		return errno.Return(k.envs.Destroy(c, e, env.ID(a[0]))), actResume

	case SysPageAlloc:
		return errno.Return(k.pageAlloc(cs, e, env.ID(a[0]), uintptr(a[1]), mmu.Perm(a[2]))), actResume

	case SysPageMap:
		err := k.pageMap(cs, e, env.ID(a[0]), uintptr(a[1]), env.ID(a[2]), uintptr(a[3]), mmu.Perm(a[4]))
		return errno.Return(err), actResume

	case SysPageUnmap:
		return errno.Return(k.pageUnmap(cs, e, env.ID(a[0]), uintptr(a[1]))), actResume

	case SysExofork:
		id, err := k.exofork(cs, e, u, tr.obj)
		if err != nil {
			return errno.Return(err), actResume
		}
		return int32(id), actResume

	case SysEnvSetStatus:
		st := env.Status(a[1])
		err := k.envs.SetStatus(c, e, env.ID(a[0]), st)
		if err == nil && st == env.Runnable {
			k.kick()
		}
		return errno.Return(err), actResume

	case SysEnvSetPgfaultUpcall:
		fn, ok := tr.obj.(ulib.Upcall)
		if tr.obj != nil && !ok {
			return errno.Return(errno.Inval), actResume
		}
		var upcall any
		if fn != nil {
			upcall = fn
		}
		return errno.Return(k.envs.SetPgfaultUpcall(c, e, env.ID(a[0]), upcall)), actResume

	case SysYield:
		return 0, actResched

	case SysIPCTrySend:
		err := ipc.TrySend(c, k.envs, e, env.ID(a[0]), a[1], uintptr(a[2]), mmu.Perm(a[3]))
		if err == nil {
			k.kick()
		}
		return errno.Return(err), actResume

	case SysIPCRecv:
		if err := ipc.Recv(c, e, uintptr(a[0])); err != nil {
			return errno.Return(err), actResume
		}
		return 0, actBlocked

	case SysDiskRead:
		return errno.Return(k.diskRead(cs, e, a[0], a[1], uintptr(a[2]))), actResume

	case SysNetSend:
		va, n := uintptr(a[0]), int(a[1])
		if n <= 0 || n > e1000.MaxPacket {
			return errno.Return(errno.Inval), actResume
		}
		buf, ok := k.userBytes(cs, e, va, n, mmu.PermU)
		if !ok {
			return 0, actResched
		}
		return errno.Return(k.nic.Transmit(c, buf)), actResume

	case SysNetRecv:
		return k.netRecv(cs, e, uintptr(a[0]), int(a[1])), actResume

	case SysPanic:
		msg, _ := tr.obj.(string)
		panic(fmt.Sprintf("user panic in env %08x: %s", uint32(e.ID()), msg))
	}
	return errno.Return(errno.Inval), actResume
}

// userBytes copies [va, va+n) out of e, which must be allowed perm on all
// of it. An environment passing memory it may not touch is destroyed.
func (k *Kernel) userBytes(cs *coreState, e *env.Env, va uintptr, n int, perm mmu.Perm) ([]byte, bool) {
	c := cs.sched.Core
	as := e.AddrSpace()
	if as == nil {
		return nil, false
	}
	if n < 0 {
		n = 0
	}
	if bad, ok := as.Check(va, n, perm); !ok {
		k.console.Printf(c, "[%08x] user_mem_check assertion failure for va %08x\n", uint32(e.ID()), bad)
		k.envs.Kill(c, e)
		return nil, false
	}
	buf := make([]byte, n)
	if _, err := as.Read(va, buf); err != nil {
		panic(fmt.Sprintf("kern: read of checked user memory: %v", err))
	}
	return buf, true
}

// space returns the address space of a live environment.
func space(e *env.Env) (*mmu.AddrSpace, error) {
	as := e.AddrSpace()
	if as == nil {
		return nil, errno.BadEnv
	}
	return as, nil
}

// pageAlloc maps a fresh zeroed page at va in id with perm.
func (k *Kernel) pageAlloc(cs *coreState, e *env.Env, id env.ID, va uintptr, perm mmu.Perm) error {
	target, err := k.envs.Lookup(cs.sched.Core, e, id, true)
	if err != nil {
		return err
	}
	if err := mmu.CheckVA(va); err != nil {
		return err
	}
	if err := mmu.CheckPerm(perm); err != nil {
		return err
	}
	as, err := space(target)
	if err != nil {
		return err
	}
	f, err := k.mem.Alloc(true)
	if err != nil {
		return err
	}
	if err := as.Insert(va, f, perm); err != nil {
		k.mem.Release(f)
		return err
	}
	return nil
}

// pageMap maps the page at srcva in srcid at dstva in dstid with perm. A
// writable mapping needs a writable source.
func (k *Kernel) pageMap(cs *coreState, e *env.Env, srcid env.ID, srcva uintptr, dstid env.ID, dstva uintptr, perm mmu.Perm) error {
	c := cs.sched.Core
	src, err := k.envs.Lookup(c, e, srcid, true)
	if err != nil {
		return err
	}
	dst, err := k.envs.Lookup(c, e, dstid, true)
	if err != nil {
		return err
	}
	if err := mmu.CheckVA(srcva); err != nil {
		return err
	}
	if err := mmu.CheckVA(dstva); err != nil {
		return err
	}
	srcAS, err := space(src)
	if err != nil {
		return err
	}
	dstAS, err := space(dst)
	if err != nil {
		return err
	}
	if err := mmu.CheckPerm(perm); err != nil {
		return err
	}
	pte, ok := srcAS.Ref(srcva)
	if !ok {
		return errno.Inval
	}
	if perm&mmu.PermW != 0 && pte.Perm&mmu.PermW == 0 {
		k.mem.Decref(pte.Frame)
		return errno.Inval
	}
	return dstAS.InsertRef(dstva, pte.Frame, perm)
}

// pageUnmap removes the mapping at va in id. Unmapping nothing succeeds.
func (k *Kernel) pageUnmap(cs *coreState, e *env.Env, id env.ID, va uintptr) error {
	target, err := k.envs.Lookup(cs.sched.Core, e, id, true)
	if err != nil {
		return err
	}
	if err := mmu.CheckVA(va); err != nil {
		return err
	}
	as, err := space(target)
	if err != nil {
		return err
	}
	as.Remove(va)
	return nil
}

// exofork creates a NotRunnable child of e with e's registers, except that
// the child sees 0 as its return value. The child has an empty address
// space and runs prog once its parent makes it Runnable.
func (k *Kernel) exofork(cs *coreState, e *env.Env, u *User, obj any) (env.ID, error) {
	c := cs.sched.Core
	prog, ok := obj.(ulib.Program)
	if !ok || prog == nil {
		return 0, errno.Inval
	}
	child, err := k.envs.Alloc(c, e.ID())
	if err != nil {
		return 0, err
	}
	child.Tf = e.Tf
	child.Tf.Regs.EAX = 0
	child.SetAffinity(e.Affinity())
	child.SetName(c, e.Name(c))
	cu := newUser(k, child, prog, u.cloneData())
	child.SetContext(c, cu)
	cu.start()
	return child.ID(), nil
}

// diskRead reads block blockno of drive dev into the page at va.
func (k *Kernel) diskRead(cs *coreState, e *env.Env, dev, blockno uint32, va uintptr) error {
	if dev > 1 || blockno >= ide.FSSIZE {
		return errno.Inval
	}
	if dev == 1 && k.cfg.Disk1 == nil {
		return errno.NoDisk
	}
	as, err := space(e)
	if err != nil {
		return err
	}
	if _, ok := as.Check(va, ide.BSIZE, mmu.PermU|mmu.PermW); !ok {
		return errno.Inval
	}
	b, err := k.ide.Bread(cs.sched.Core, dev, blockno)
	if err != nil {
		return errno.Unspecified
	}
	if _, err := as.Write(va, b.Data[:]); err != nil {
		return errno.Fault
	}
	return nil
}

// netRecv copies the next received packet into [va, va+n). It returns the
// packet length, 0 if none is waiting.
func (k *Kernel) netRecv(cs *coreState, e *env.Env, va uintptr, n int) int32 {
	if n <= 0 {
		return errno.Return(errno.Inval)
	}
	as, err := space(e)
	if err != nil {
		return errno.Return(err)
	}
	if _, ok := as.Check(va, n, mmu.PermU|mmu.PermW); !ok {
		return errno.Return(errno.Inval)
	}
	buf := make([]byte, n)
	got, err := k.nic.Receive(cs.sched.Core, buf)
	if err != nil {
		return errno.Return(err)
	}
	if _, err := as.Write(va, buf[:got]); err != nil {
		return errno.Return(errno.Fault)
	}
	return int32(got)
}
