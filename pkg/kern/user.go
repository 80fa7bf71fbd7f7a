package kern

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"exokern/pkg/env"
	"exokern/pkg/errno"
	"exokern/pkg/mmu"
	"exokern/pkg/ulib"
)

// errKilled unwinds a user goroutine whose environment was reclaimed.
var errKilled = errors.New("kern: environment killed")

type trapKind int

const (
	trapSyscall trapKind = iota
	trapFault
	trapTimer
	trapPanic
)

// trap is a transfer from user mode into the kernel.
type trap struct {
	kind trapKind
	num  Num
	args [5]uint32
	// obj carries syscall arguments that are Go values: the child program
	// of exofork, a fault upcall, a panic message.
	obj   any
	fault *mmu.Fault
	esp   uintptr
}

// resumption is a return from the kernel to user mode.
type resumption struct {
	eax int32
	ipc ulib.IPCInfo
	// upcall, when set, is entered with its frame at esp before the
	// interrupted access is retried.
	upcall ulib.Upcall
	esp    uintptr
}

// User is the user-mode half of an environment: a goroutine running its
// program. While the environment is not running on a core the goroutine
// is parked waiting for a resumption; every system call, page fault and
// preemption is a trap handed to the core that resumed it.
type User struct {
	k    *Kernel
	e    *env.Env
	as   *mmu.AddrSpace
	prog ulib.Program

	resume  chan resumption
	traps   chan *trap
	dead    chan struct{}
	once    sync.Once
	preempt atomic.Bool

	// upcall is an entry the kernel has set up but not yet resumed into.
	// It belongs to the core holding the environment.
	upcall *resumption

	// The fields below belong to the user goroutine.
	esp  uintptr
	eax  int32
	ipc  ulib.IPCInfo
	data map[string]any
}

func newUser(k *Kernel, e *env.Env, prog ulib.Program, data map[string]any) *User {
	if data == nil {
		data = make(map[string]any)
	}
	return &User{
		k:      k,
		e:      e,
		as:     e.AddrSpace(),
		prog:   prog,
		resume: make(chan resumption),
		traps:  make(chan *trap),
		dead:   make(chan struct{}),
		esp:    uintptr(e.Tf.ESP),
		data:   data,
	}
}

// start launches the user goroutine, parked until the first resumption.
func (u *User) start() {
	go u.main()
}

// Kill stops the user goroutine for good.
func (u *User) Kill() {
	u.once.Do(func() { close(u.dead) })
}

func (u *User) main() {
	defer func() {
		r := recover()
		if r == nil || r == errKilled {
			return
		}
		// A Go panic in the program is a user panic.
		u.panicTrap(fmt.Sprint(r))
	}()
	if !u.wait() {
		return
	}
	u.prog(u)
	u.Exit()
}

// panicTrap reports a panic that escaped the program without unwinding
// again if the environment is gone.
func (u *User) panicTrap(msg string) {
	defer func() {
		if r := recover(); r != nil && r != errKilled {
			panic(r)
		}
	}()
	u.enter(&trap{kind: trapPanic, obj: msg})
}

// wait parks until the kernel resumes the environment. It reports false
// if the environment or the machine died first.
func (u *User) wait() bool {
	select {
	case r := <-u.resume:
		u.eax = r.eax
		u.ipc = r.ipc
		if r.upcall != nil {
			u.runUpcall(r)
		}
		return true
	case <-u.dead:
		return false
	case <-u.k.dead:
		return false
	}
}

// runUpcall runs a fault upcall on the exception stack.
func (u *User) runUpcall(r resumption) {
	saved := u.esp
	u.esp = r.esp
	r.upcall(u)
	u.esp = saved
}

// enter traps into the kernel and returns when the environment is resumed.
func (u *User) enter(tr *trap) {
	tr.esp = u.esp
	select {
	case u.traps <- tr:
	case <-u.dead:
		panic(errKilled)
	case <-u.k.dead:
		panic(errKilled)
	}
	if !u.wait() {
		panic(errKilled)
	}
}

func (u *User) syscall(num Num, obj any, args ...uint32) int32 {
	tr := &trap{kind: trapSyscall, num: num, obj: obj}
	copy(tr.args[:], args)
	u.enter(tr)
	return u.eax
}

// Syscall makes system call num with integer arguments and returns the
// raw result: non-negative on success, a negated errno.Errno on failure.
func (u *User) Syscall(num Num, a1, a2, a3, a4, a5 uint32) int32 {
	return u.syscall(num, nil, a1, a2, a3, a4, a5)
}

func (u *User) call(num Num, obj any, args ...uint32) error {
	return errno.FromReturn(u.syscall(num, obj, args...))
}

// Getenvid implements ulib.Sys.
func (u *User) Getenvid() env.ID {
	return env.ID(u.syscall(SysGetenvid, nil))
}

// Retval implements ulib.Sys.
func (u *User) Retval() int32 {
	return u.eax
}

// ESP implements ulib.Sys.
func (u *User) ESP() uintptr {
	return u.esp
}

// Cputs implements ulib.Sys.
func (u *User) Cputs(va uintptr, n int) {
	u.syscall(SysCputs, nil, uint32(va), uint32(n))
}

// Cgetc implements ulib.Sys.
func (u *User) Cgetc() byte {
	return byte(u.syscall(SysCgetc, nil))
}

// Yield implements ulib.Sys.
func (u *User) Yield() {
	u.syscall(SysYield, nil)
}

// Exit implements ulib.Sys.
func (u *User) Exit() {
	u.syscall(SysEnvDestroy, nil, 0)
	panic(errKilled)
}

// Panic implements ulib.Sys.
func (u *User) Panic(msg string) {
	u.syscall(SysPanic, msg)
	panic(errKilled)
}

// EnvDestroy implements ulib.Sys.
func (u *User) EnvDestroy(id env.ID) error {
	return u.call(SysEnvDestroy, nil, uint32(id))
}

// EnvSetStatus implements ulib.Sys.
func (u *User) EnvSetStatus(id env.ID, st env.Status) error {
	return u.call(SysEnvSetStatus, nil, uint32(id), uint32(st))
}

// EnvSetPgfaultUpcall implements ulib.Sys.
func (u *User) EnvSetPgfaultUpcall(id env.ID, upcall ulib.Upcall) error {
	return u.call(SysEnvSetPgfaultUpcall, upcall, uint32(id))
}

// Exofork implements ulib.Sys.
func (u *User) Exofork(child ulib.Program) (env.ID, error) {
	r := u.syscall(SysExofork, child)
	if r < 0 {
		return 0, errno.FromReturn(r)
	}
	return env.ID(r), nil
}

// PageAlloc implements ulib.Sys.
func (u *User) PageAlloc(id env.ID, va uintptr, perm mmu.Perm) error {
	return u.call(SysPageAlloc, nil, uint32(id), uint32(va), uint32(perm))
}

// PageMap implements ulib.Sys.
func (u *User) PageMap(srcid env.ID, srcva uintptr, dstid env.ID, dstva uintptr, perm mmu.Perm) error {
	return u.call(SysPageMap, nil, uint32(srcid), uint32(srcva), uint32(dstid), uint32(dstva), uint32(perm))
}

// PageUnmap implements ulib.Sys.
func (u *User) PageUnmap(id env.ID, va uintptr) error {
	return u.call(SysPageUnmap, nil, uint32(id), uint32(va))
}

// IPCTrySend implements ulib.Sys.
func (u *User) IPCTrySend(to env.ID, value uint32, srcva uintptr, perm mmu.Perm) error {
	return u.call(SysIPCTrySend, nil, uint32(to), value, uint32(srcva), uint32(perm))
}

// IPCRecv implements ulib.Sys.
func (u *User) IPCRecv(dstva uintptr) error {
	return u.call(SysIPCRecv, nil, uint32(dstva))
}

// IPCInfo implements ulib.Sys.
func (u *User) IPCInfo() ulib.IPCInfo {
	return u.ipc
}

// DiskRead implements ulib.Sys.
func (u *User) DiskRead(dev, blockno uint32, va uintptr) error {
	return u.call(SysDiskRead, nil, dev, blockno, uint32(va))
}

// NetSend implements ulib.Sys.
func (u *User) NetSend(va uintptr, n int) error {
	return u.call(SysNetSend, nil, uint32(va), uint32(n))
}

// NetRecv implements ulib.Sys.
func (u *User) NetRecv(va uintptr, n int) (int, error) {
	r := u.syscall(SysNetRecv, nil, uint32(va), uint32(n))
	if r < 0 {
		return 0, errno.FromReturn(r)
	}
	return int(r), nil
}

// PTE implements ulib.Sys. It reads the environment's own page table.
func (u *User) PTE(va uintptr) (mmu.Perm, bool) {
	pte, ok := u.as.Lookup(va)
	return pte.Perm, ok
}

// Pages implements ulib.Sys.
func (u *User) Pages(lo, hi uintptr) []uintptr {
	return u.as.Mapped(lo, hi)
}

// Read implements ulib.Sys.
func (u *User) Read(va uintptr, p []byte) {
	u.access(va, p, mmu.AccessRead)
}

// Write implements ulib.Sys.
func (u *User) Write(va uintptr, p []byte) {
	u.access(va, p, mmu.AccessWrite)
}

// access performs a user memory access, trapping on every fault and
// retrying from the faulting byte once the kernel resumes.
func (u *User) access(va uintptr, p []byte, acc mmu.Access) {
	for len(p) > 0 {
		u.Tick()
		var n int
		var err error
		if acc == mmu.AccessWrite {
			n, err = u.as.Write(va, p)
		} else {
			n, err = u.as.Read(va, p)
		}
		if err == nil {
			return
		}
		var f *mmu.Fault
		if !errors.As(err, &f) {
			panic(err)
		}
		va += uintptr(n)
		p = p[n:]
		u.enter(&trap{kind: trapFault, fault: f})
	}
}

// Tick implements ulib.Sys.
func (u *User) Tick() {
	if u.preempt.Load() {
		u.enter(&trap{kind: trapTimer})
	}
}

// SetUserData implements ulib.Sys.
func (u *User) SetUserData(key string, value any) {
	u.data[key] = value
}

// UserData implements ulib.Sys.
func (u *User) UserData(key string) any {
	return u.data[key]
}

// cloneData copies the data segment for a forked child. The user
// goroutine is blocked in a trap while this runs.
func (u *User) cloneData() map[string]any {
	return maps.Clone(u.data)
}

var (
	_ ulib.Sys    = (*User)(nil)
	_ env.Context = (*User)(nil)
)
