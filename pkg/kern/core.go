package kern

import (
	"context"
	"fmt"
	"time"

	"exokern/pkg/cpu"
	"exokern/pkg/env"
	"exokern/pkg/ulib"
)

// runCore is the life of one core: pick an environment, run it until it
// traps out for good, repeat. A panic anywhere on the core stops the
// whole machine.
func (k *Kernel) runCore(ctx context.Context, cs *coreState) {
	defer k.wg.Done()
	c := cs.sched.Core
	defer func() {
		if r := recover(); r != nil {
			k.abort(c, r)
		}
	}()

	var tick <-chan time.Time
	if k.cfg.Timer > 0 {
		t := time.NewTicker(k.cfg.Timer)
		defer t.Stop()
		tick = t.C
	}

	c.SetStatus(cpu.Started)
	k.console.Printf(c, "SMP: CPU %d starting\n", c.ID)
	for !k.stopping(ctx) {
		e := cs.sched.Pick()
		if e == cs.sched.Idle() {
			k.halt(ctx, cs, tick)
			continue
		}
		k.run(ctx, cs, e, tick)
	}
	cs.sched.Drop()
	c.SetStatus(cpu.Halted)
}

func (k *Kernel) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-k.stop:
		return true
	case <-k.dead:
		return true
	default:
		return false
	}
}

// halt parks the core in its idle environment until an IPI or a timer
// tick. A core never halts while it could claim something.
func (k *Kernel) halt(ctx context.Context, cs *coreState, tick <-chan time.Time) {
	c := cs.sched.Core
	if k.envs.Live() == 0 {
		k.reportEmpty(c)
	}
	c.SetStatus(cpu.Halted)
	if cs.sched.HasPending() {
		c.SetStatus(cpu.Started)
		return
	}
	c.EnableInterrupts()
	select {
	case <-cs.ipi:
	case <-tick:
	case <-ctx.Done():
	case <-k.stop:
	case <-k.dead:
	}
	c.DisableInterrupts()
	c.SetStatus(cpu.Started)
}

// run executes e, which the core holds Running, until it yields, blocks,
// dies or is preempted.
func (k *Kernel) run(ctx context.Context, cs *coreState, e *env.Env, tick <-chan time.Time) {
	c := cs.sched.Core
	u, ok := e.Context(c).(*User)
	if !ok {
		panic(fmt.Sprintf("env %08x has no user context", uint32(e.ID())))
	}
	for {
		r := resumption{eax: int32(e.Tf.Regs.EAX), ipc: k.ipcInfo(c, e)}
		if up := u.upcall; up != nil {
			r.upcall, r.esp = up.upcall, up.esp
			u.upcall = nil
		}
		select {
		case u.resume <- r:
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-k.dead:
			return
		}

		var tr *trap
		for tr == nil {
			select {
			case tr = <-u.traps:
			case <-tick:
				u.preempt.Store(true)
			case <-cs.ipi:
			case <-ctx.Done():
				return
			case <-k.stop:
				return
			case <-k.dead:
				return
			}
		}

		act := k.trap(cs, e, u, tr)
		preempted := u.preempt.Swap(false)
		if act != actResume || e.Status() != env.Running || preempted {
			return
		}
	}
}

// ipcInfo snapshots the last message e received.
func (k *Kernel) ipcInfo(c *cpu.Core, e *env.Env) ulib.IPCInfo {
	e.Lock.Acquire(c)
	defer e.Lock.Release(c)
	return ulib.IPCInfo{From: e.IPCFrom, Value: e.IPCValue, Perm: e.IPCPerm}
}
