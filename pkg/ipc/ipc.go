// Package ipc implements the kernel side of the IPC rendezvous: one
// receiver blocks in Recv and the first TrySend aimed at it delivers a
// 32-bit value and optionally one page. There is no queue. A send to an
// environment that is not waiting fails with errno.IPCNotRecv and the
// sender is expected to yield and try again.
package ipc

import (
	"exokern/pkg/cpu"
	"exokern/pkg/env"
	"exokern/pkg/errno"
	"exokern/pkg/mmu"
)

// testHookBeforeDeliver runs after a send has been validated and before
// the receiver is locked.
var testHookBeforeDeliver func(dst *env.Env)

// Recv makes e wait for a message. If dstva is not 0 the sender's page,
// if any, is mapped there. e must be running on c; it becomes NotRunnable
// and the caller must reschedule. Its return register is set by the sender.
func Recv(c *cpu.Core, e *env.Env, dstva uintptr) error {
	if dstva != 0 && (dstva >= mmu.UTOP || !mmu.PageAligned(dstva)) {
		return errno.Inval
	}

	e.Lock.Acquire(c)
	defer e.Lock.Release(c)
	if !e.Block() {
		// Destroyed concurrently; the core reclaims it when it reschedules.
		return errno.BadEnv
	}
	e.IPCRecving = true
	e.IPCDstVA = dstva
	return nil
}

// TrySend delivers value from caller to the environment to. A page is sent
// when srcva is nonzero and below UTOP; it must be page aligned and mapped
// in the caller with at least perm, and perm must pass mmu.CheckPerm. The
// page is mapped in the receiver only if the receiver asked for one.
//
// If the receiver is destroyed while the send is in progress, TrySend
// fails with errno.BadEnv and nothing reaches the slot's next occupant.
func TrySend(c *cpu.Core, tbl *env.Table, caller *env.Env, to env.ID, value uint32, srcva uintptr, perm mmu.Perm) error {
	dst, err := tbl.Lookup(c, caller, to, false)
	if err != nil {
		return err
	}
	id := dst.ID()
	if dst.Status() != env.NotRunnable {
		return errno.IPCNotRecv
	}

	sending := srcva != 0 && srcva < mmu.UTOP
	var pte mmu.PTE
	if sending {
		if !mmu.PageAligned(srcva) {
			return errno.Inval
		}
		if err := mmu.CheckPerm(perm); err != nil {
			return err
		}
		var ok bool
		pte, ok = caller.AddrSpace().Ref(srcva)
		if !ok {
			return errno.Inval
		}
		// From here the frame reference is either mapped in the receiver
		// or dropped.
		if perm&mmu.PermW != 0 && pte.Perm&mmu.PermW == 0 {
			tbl.Mem().Decref(pte.Frame)
			return errno.Inval
		}
	}
	drop := func() {
		if sending {
			tbl.Mem().Decref(pte.Frame)
		}
	}

	if testHookBeforeDeliver != nil {
		testHookBeforeDeliver(dst)
	}

	// Of several concurrent senders only the one that finds IPCRecving set
	// under the lock delivers.
	dst.Lock.Acquire(c)
	defer dst.Lock.Release(c)
	if dst.ID() != id || dst.Status() == env.Dying {
		drop()
		return errno.BadEnv
	}
	if !dst.IPCRecving || dst.Status() != env.NotRunnable {
		drop()
		return errno.IPCNotRecv
	}

	mapped := false
	if sending && dst.IPCDstVA != 0 {
		as := dst.AddrSpace()
		if as == nil {
			drop()
			return errno.BadEnv
		}
		if err := as.InsertRef(dst.IPCDstVA, pte.Frame, perm); err != nil {
			return err
		}
		mapped = true
	} else {
		drop()
	}

	dst.IPCRecving = false
	dst.IPCFrom = caller.ID()
	dst.IPCValue = value
	dst.IPCPerm = 0
	if mapped {
		dst.IPCPerm = perm
	}
	dst.Tf.Regs.EAX = 0

	if !dst.Wake() {
		// Killed after the status check.
		if dst.Status() == env.Dying {
			return errno.BadEnv
		}
	}
	return nil
}
