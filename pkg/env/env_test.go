package env

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"exokern/pkg/cpu"
	"exokern/pkg/errno"
	"exokern/pkg/mmu"
)

type logBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuf) Printf(c *cpu.Core, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(&l.buf, format, args...)
}

func (l *logBuf) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

type fakeCtx struct {
	killed atomic.Int32
}

func (f *fakeCtx) Kill() { f.killed.Add(1) }

func newTable(t *testing.T, n int) (*Table, *logBuf) {
	t.Helper()
	out := &logBuf{}
	return NewTable(n, mmu.NewPhysMem(64), out, true), out
}

// TestIDEncoding tests slot extraction and generation bumps.
func TestIDEncoding(t *testing.T) {
	tests := []struct {
		id   ID
		slot int
		next ID
	}{
		{ID(MaxEnvs | 3), 3, ID(2*MaxEnvs | 3)},
		{ID(5*MaxEnvs | 0), 0, ID(6 * MaxEnvs)},
		{ID(0x7ffffc00 | 7), 7, ID(MaxEnvs | 7)},
	}
	for _, tt := range tests {
		if got := tt.id.Slot(); got != tt.slot {
			t.Errorf("%v.Slot() = %d, want %d", tt.id, got, tt.slot)
		}
		if got := nextGeneration(tt.id); got != tt.next {
			t.Errorf("nextGeneration(%v) = %v, want %v", tt.id, got, tt.next)
		}
	}
	if got := ID(0x1001).String(); got != "00001001" {
		t.Errorf("String() = %q", got)
	}
}

// TestAlloc tests allocation, exhaustion and log lines.
func TestAlloc(t *testing.T) {
	tbl, out := newTable(t, 2)
	c := cpu.New(0)

	a, err := tbl.Alloc(c, 0)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if a.Status() != NotRunnable {
		t.Errorf("Status() = %v, want %v", a.Status(), NotRunnable)
	}
	if a.AddrSpace() == nil {
		t.Error("AddrSpace() = nil")
	}
	if a.Affinity() != AnyCPU {
		t.Errorf("Affinity() = %d, want AnyCPU", a.Affinity())
	}
	b, err := tbl.Alloc(c, a.ID())
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if b.ParentID() != a.ID() {
		t.Errorf("ParentID() = %v, want %v", b.ParentID(), a.ID())
	}
	if _, err := tbl.Alloc(c, 0); !errors.Is(err, errno.NoFreeEnv) {
		t.Errorf("Alloc() on full table error = %v, want %v", err, errno.NoFreeEnv)
	}
	if got := tbl.Live(); got != 2 {
		t.Errorf("Live() = %d, want 2", got)
	}

	want := fmt.Sprintf("[00000000] new env %08x\n[%08x] new env %08x\n",
		uint32(a.ID()), uint32(a.ID()), uint32(b.ID()))
	if got := out.String(); got != want {
		t.Errorf("log = %q, want %q", got, want)
	}
}

// TestAllocNoMem tests that a failed address space leaves the slot free.
func TestAllocNoMem(t *testing.T) {
	tbl := NewTable(4, mmu.NewPhysMem(1), nil, false)
	c := cpu.New(0)
	if _, err := tbl.Alloc(c, 0); err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if _, err := tbl.Alloc(c, 0); !errors.Is(err, errno.NoMem) {
		t.Errorf("Alloc() error = %v, want %v", err, errno.NoMem)
	}
	if got := tbl.Counts()[Free]; got != 3 {
		t.Errorf("free slots = %d, want 3", got)
	}
}

// TestLookup tests id resolution and the permission check.
func TestLookup(t *testing.T) {
	tbl, _ := newTable(t, 8)
	c := cpu.New(0)

	root, _ := tbl.Alloc(c, 0)
	child, _ := tbl.Alloc(c, root.ID())
	grandchild, _ := tbl.Alloc(c, child.ID())
	stranger, _ := tbl.Alloc(c, 0)

	tests := []struct {
		name      string
		caller    *Env
		id        ID
		checkPerm bool
		want      *Env
		wantErr   error
	}{
		{"self by zero", child, 0, true, child, nil},
		{"self by id", child, child.ID(), true, child, nil},
		{"child", root, child.ID(), true, child, nil},
		{"grandchild", root, grandchild.ID(), true, grandchild, nil},
		{"parent", child, root.ID(), true, nil, errno.BadEnv},
		{"stranger", root, stranger.ID(), true, nil, errno.BadEnv},
		{"stranger unchecked", root, stranger.ID(), false, stranger, nil},
		{"never allocated", root, ID(MaxEnvs | 7), false, nil, errno.BadEnv},
		{"slot out of range", root, ID(MaxEnvs | 100), false, nil, errno.BadEnv},
		{"negative", root, -1, false, nil, errno.BadEnv},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tbl.Lookup(c, tt.caller, tt.id, tt.checkPerm)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Lookup() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Lookup() = %p, want %p", got, tt.want)
			}
		})
	}
}

// TestStaleID tests that a reclaimed slot rejects its old id.
func TestStaleID(t *testing.T) {
	tbl, out := newTable(t, 1)
	c := cpu.New(0)

	e, _ := tbl.Alloc(c, 0)
	old := e.ID()
	ctx := &fakeCtx{}
	e.SetContext(c, ctx)

	if err := tbl.Destroy(c, e, 0); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if e.Status() != Free {
		t.Fatalf("Status() = %v, want %v", e.Status(), Free)
	}
	if ctx.killed.Load() != 1 {
		t.Errorf("context killed %d times, want 1", ctx.killed.Load())
	}

	e2, err := tbl.Alloc(c, 0)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if e2 != e || e2.ID() == old {
		t.Errorf("reallocated id = %v, old %v", e2.ID(), old)
	}
	if _, err := tbl.Lookup(c, nil, old, false); !errors.Is(err, errno.BadEnv) {
		t.Errorf("Lookup(stale) error = %v, want %v", err, errno.BadEnv)
	}
	if !bytes.Contains([]byte(out.String()), []byte("exiting gracefully")) {
		t.Errorf("log = %q, missing exit line", out.String())
	}
}

// TestClaim tests that exactly one of many cores claims an environment.
func TestClaim(t *testing.T) {
	tbl, _ := newTable(t, 1)
	c := cpu.New(0)
	e, _ := tbl.Alloc(c, 0)
	tbl.SetStatus(c, e, 0, Runnable)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for core := 0; core < 8; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			if e.Claim(core) {
				wins.Add(1)
			}
		}(core)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("claims = %d, want 1", wins.Load())
	}
	owner := e.Owner()
	if e.Status() != Running || owner < 0 {
		t.Fatalf("after claim: %v owned by %d", e.Status(), owner)
	}
	if got, held := e.Unclaim((owner + 1) % 8); got != Running || held {
		t.Errorf("Unclaim() by non-owner = %v, %t, want %v, false", got, held, Running)
	}
	if got, held := e.Unclaim(owner); got != Runnable || !held {
		t.Errorf("Unclaim() = %v, %t, want %v, true", got, held, Runnable)
	}
	if e.Owner() != -1 {
		t.Errorf("Owner() = %d after Unclaim", e.Owner())
	}
}

// TestSetStatus tests the env_set_status rules.
func TestSetStatus(t *testing.T) {
	tbl, _ := newTable(t, 4)
	c := cpu.New(0)
	parent, _ := tbl.Alloc(c, 0)
	child, _ := tbl.Alloc(c, parent.ID())

	if err := tbl.SetStatus(c, parent, child.ID(), Running); !errors.Is(err, errno.Inval) {
		t.Errorf("SetStatus(Running) error = %v, want %v", err, errno.Inval)
	}
	if err := tbl.SetStatus(c, child, parent.ID(), Runnable); !errors.Is(err, errno.BadEnv) {
		t.Errorf("SetStatus(parent) error = %v, want %v", err, errno.BadEnv)
	}
	// A bad target is reported before a bad status.
	if err := tbl.SetStatus(c, parent, ID(MaxEnvs|3), Free); !errors.Is(err, errno.BadEnv) {
		t.Errorf("SetStatus(unknown, Free) error = %v, want %v", err, errno.BadEnv)
	}
	if err := tbl.SetStatus(c, parent, child.ID(), Runnable); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if child.Status() != Runnable {
		t.Errorf("Status() = %v, want %v", child.Status(), Runnable)
	}

	// A running environment stays running and owned.
	child.Claim(2)
	tbl.SetStatus(c, parent, child.ID(), Runnable)
	if child.Status() != Running || child.Owner() != 2 {
		t.Errorf("after SetStatus(Runnable) = %v on %d", child.Status(), child.Owner())
	}
	tbl.SetStatus(c, parent, child.ID(), NotRunnable)
	if child.Status() != NotRunnable || child.Owner() != 2 {
		t.Errorf("after SetStatus(NotRunnable) = %v on %d", child.Status(), child.Owner())
	}
}

// TestKillOwned tests deferred reclamation of an environment a core holds.
func TestKillOwned(t *testing.T) {
	tbl, _ := newTable(t, 2)
	c := cpu.New(0)
	parent, _ := tbl.Alloc(c, 0)
	child, _ := tbl.Alloc(c, parent.ID())
	tbl.SetStatus(c, parent, child.ID(), Runnable)
	child.Claim(1)

	free := tbl.mem.Stats().Free
	if err := tbl.Destroy(c, parent, child.ID()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if child.Status() != Dying || child.Owner() != 1 {
		t.Fatalf("Status() = %v on %d, want dying on 1", child.Status(), child.Owner())
	}
	if _, err := tbl.Lookup(c, parent, child.ID(), true); !errors.Is(err, errno.BadEnv) {
		t.Errorf("Lookup(dying) error = %v, want %v", err, errno.BadEnv)
	}
	if tbl.mem.Stats().Free != free {
		t.Error("address space freed before the owner let go")
	}

	if st, _ := child.Unclaim(1); st != Dying {
		t.Fatalf("Unclaim() = %v, want %v", st, Dying)
	}
	tbl.Reclaim(c, child.ID(), child)
	if child.Status() != Free {
		t.Errorf("Status() = %v, want %v", child.Status(), Free)
	}
	if tbl.mem.Stats().Free != free+1 {
		t.Errorf("Free = %d, want %d", tbl.mem.Stats().Free, free+1)
	}
	if tbl.Live() != 1 {
		t.Errorf("Live() = %d, want 1", tbl.Live())
	}
}

// TestReclaimHeldPanics tests that reclaiming an owned environment is fatal.
func TestReclaimHeldPanics(t *testing.T) {
	tbl, _ := newTable(t, 1)
	c := cpu.New(0)
	e, _ := tbl.Alloc(c, 0)
	tbl.SetStatus(c, e, 0, Runnable)
	e.Claim(0)
	tbl.Kill(c, e)

	defer func() {
		if recover() == nil {
			t.Error("Reclaim() of held env did not panic")
		}
	}()
	tbl.Reclaim(c, e.ID(), e)
}

// TestUTrapframeLayout tests the exception stack frame encoding.
func TestUTrapframeLayout(t *testing.T) {
	if UTrapframeSize != 52 {
		t.Fatalf("UTrapframeSize = %d, want 52", UTrapframeSize)
	}
	utf := UTrapframe{FaultVA: 0x00801000, Err: 7, EIP: 0x800020, ESP: 0xeebfdf00}
	utf.Regs.EAX = 9
	data, err := utf.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	if data[0] != 0x00 || data[1] != 0x10 || data[2] != 0x80 || data[4] != 7 {
		t.Errorf("header bytes = % x", data[:8])
	}
	var back UTrapframe
	if err := back.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if back != utf {
		t.Errorf("UnmarshalBinary() = %+v, want %+v", back, utf)
	}
}
