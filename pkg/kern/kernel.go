package kern

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"exokern/pkg/console"
	"exokern/pkg/cpu"
	"exokern/pkg/e1000"
	"exokern/pkg/env"
	"exokern/pkg/ide"
	"exokern/pkg/mmu"
	"exokern/pkg/sched"
	"exokern/pkg/ulib"
)

// UTEXT is where user program text starts; it is the initial EIP.
const UTEXT uintptr = 0x00800020

// flIF is the interrupt-enable flag in EFLAGS.
const flIF = 0x200

var (
	// ErrFatal wraps the error Wait returns when the machine panicked.
	ErrFatal = errors.New("kernel panic")
	// ErrBooted is returned by a second Boot.
	ErrBooted = errors.New("kern: already booted")
)

// coreState is one core and its scheduler.
type coreState struct {
	sched *sched.CPU
	// ipi wakes the core when it is halted.
	ipi chan struct{}
}

// Kernel is a booted machine: memory, the environment table, the cores
// and the devices.
type Kernel struct {
	cfg     Config
	mem     *mmu.PhysMem
	envs    *env.Table
	console *console.Console
	ide     *ide.Controller
	nic     *e1000.Card
	cores   []*coreState

	// boot is the core identity used by callers outside the cores, such
	// as Create and the monitor. bootMu serializes them.
	bootMu sync.Mutex
	boot   *cpu.Core

	booted   atomic.Bool
	reported atomic.Bool
	empty    chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	dead      chan struct{}
	fatalOnce sync.Once
	fatal     error

	wg sync.WaitGroup
}

// New builds a machine from cfg. Nothing runs until Boot.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := cfg.Console
	if out == nil {
		out = io.Discard
	}
	k := &Kernel{
		cfg:     cfg,
		mem:     mmu.NewPhysMem(cfg.NPAGES),
		console: console.New(out, cfg.DebugLocks),
		boot:    cpu.New(cfg.NCPU),
		empty:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		dead:    make(chan struct{}),
	}
	k.envs = env.NewTable(cfg.NENV, k.mem, k.console, cfg.DebugLocks)
	// Nothing to report until the first Create.
	k.reported.Store(true)
	for i := 0; i < cfg.NCPU; i++ {
		idle := env.NewIdle(i, cfg.DebugLocks)
		k.cores = append(k.cores, &coreState{
			sched: sched.New(cpu.New(i), k.envs, idle),
			ipi:   make(chan struct{}, 1),
		})
	}

	disk0 := cfg.Disk0
	if disk0 == nil {
		disk0 = ide.NewMemDisk(ide.FSSIZE * ide.BSIZE / ide.SectorSize)
	}
	k.ide = ide.New(disk0, cfg.Disk1, cpu.New(cfg.NCPU+1), k.console, cfg.DebugLocks)
	k.nic = e1000.New(e1000.DefaultMAC, cfg.DebugLocks)
	e1000.Connect(k.nic, k.nic)
	return k, nil
}

// Config returns the configuration the machine was built with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Console returns the machine console. Feed it to give environments input.
func (k *Kernel) Console() *console.Console {
	return k.console
}

// NIC returns the network card.
func (k *Kernel) NIC() *e1000.Card {
	return k.nic
}

// Create makes a new top-level environment running prog with a one-page
// stack below USTACKTOP. affinity is a core number or env.AnyCPU.
func (k *Kernel) Create(name string, prog ulib.Program, affinity int) (env.ID, error) {
	if prog == nil {
		return 0, fmt.Errorf("kern: create %s: no program", name)
	}
	if affinity != env.AnyCPU && (affinity < 0 || affinity >= k.cfg.NCPU) {
		return 0, fmt.Errorf("kern: no cpu %d", affinity)
	}
	k.bootMu.Lock()
	defer k.bootMu.Unlock()
	c := k.boot

	e, err := k.envs.Alloc(c, 0)
	if err != nil {
		return 0, fmt.Errorf("kern: create %s: %w", name, err)
	}
	f, err := k.mem.Alloc(true)
	if err == nil {
		err = e.AddrSpace().Insert(mmu.USTACKTOP-mmu.PGSIZE, f, mmu.PermP|mmu.PermU|mmu.PermW)
		if err != nil {
			k.mem.Release(f)
		}
	}
	if err != nil {
		k.envs.Kill(c, e)
		return 0, fmt.Errorf("kern: create %s: stack: %w", name, err)
	}
	e.Tf = env.Trapframe{EIP: uint32(UTEXT), EFlags: flIF, ESP: uint32(mmu.USTACKTOP)}
	e.SetAffinity(affinity)
	e.SetName(c, name)

	u := newUser(k, e, prog, nil)
	e.SetContext(c, u)
	u.start()

	k.reported.Store(false)
	if err := k.envs.SetStatus(c, e, 0, env.Runnable); err != nil {
		return 0, fmt.Errorf("kern: create %s: %w", name, err)
	}
	k.kick()
	return e.ID(), nil
}

// Boot starts every core. The cores run until ctx is done, Shutdown is
// called or the machine panics.
func (k *Kernel) Boot(ctx context.Context) error {
	if !k.booted.CompareAndSwap(false, true) {
		return ErrBooted
	}
	for _, cs := range k.cores {
		k.wg.Add(1)
		go k.runCore(ctx, cs)
	}
	return nil
}

// Wait blocks until no environment is left, the machine panics or ctx is
// done. A panic is returned wrapped in ErrFatal.
func (k *Kernel) Wait(ctx context.Context) error {
	for {
		if k.envs.Live() == 0 && k.reported.Load() {
			return nil
		}
		select {
		case <-k.dead:
			return k.fatal
		case <-ctx.Done():
			return ctx.Err()
		case <-k.empty:
		}
	}
}

// Err returns the panic that stopped the machine, or nil.
func (k *Kernel) Err() error {
	select {
	case <-k.dead:
		return k.fatal
	default:
		return nil
	}
}

// Shutdown stops the cores and every user goroutine and the disk.
func (k *Kernel) Shutdown() {
	k.stopOnce.Do(func() { close(k.stop) })
	k.wg.Wait()

	k.bootMu.Lock()
	k.envs.Range(func(e *env.Env) bool {
		if ctx := e.Context(k.boot); ctx != nil {
			ctx.Kill()
		}
		return true
	})
	k.bootMu.Unlock()
	k.ide.Stop()
}

// abort stops the machine after a kernel panic on c.
func (k *Kernel) abort(c *cpu.Core, r any) {
	k.fatalOnce.Do(func() {
		k.fatal = fmt.Errorf("%w on cpu %d: %v", ErrFatal, c.ID, r)
		k.console.Emergency("kernel panic on CPU %d: %v\n", c.ID, r)
		close(k.dead)
	})
}

// kick wakes halted cores so they look for work.
func (k *Kernel) kick() {
	for _, cs := range k.cores {
		if cs.sched.Core.Status() != cpu.Halted {
			continue
		}
		select {
		case cs.ipi <- struct{}{}:
		default:
		}
	}
}

// reportEmpty tells Wait that the table has drained.
func (k *Kernel) reportEmpty(c *cpu.Core) {
	if k.reported.Swap(true) {
		return
	}
	if k.envs.Live() != 0 {
		// Create raced with the check.
		k.reported.Store(false)
		return
	}
	k.console.Printf(c, "No runnable environments in the system!\n")
	select {
	case k.empty <- struct{}{}:
	default:
	}
}
