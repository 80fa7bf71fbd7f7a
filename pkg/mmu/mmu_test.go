package mmu

import (
	"errors"
	"testing"

	"exokern/pkg/errno"
)

// TestCheckPerm tests syscall permission validation.
func TestCheckPerm(t *testing.T) {
	tests := []struct {
		name    string
		perm    Perm
		wantErr bool
	}{
		{"user present", PermU | PermP, false},
		{"user present writable", PermU | PermP | PermW, false},
		{"copy-on-write", PermU | PermP | PermCOW, false},
		{"missing user", PermP | PermW, true},
		{"missing present", PermU | PermW, true},
		{"stray bit", PermU | PermP | 0x10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPerm(tt.perm)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckPerm(%v) error = %v, wantErr %v", tt.perm, err, tt.wantErr)
			}
		})
	}
}

// TestCheckVA tests syscall address validation.
func TestCheckVA(t *testing.T) {
	tests := []struct {
		va      uintptr
		wantErr bool
	}{
		{0, false},
		{UTEMP, false},
		{UTEMP + 1, true},
		{UTOP - PGSIZE, false},
		{UTOP, true},
	}
	for _, tt := range tests {
		if err := CheckVA(tt.va); (err != nil) != tt.wantErr {
			t.Errorf("CheckVA(%#x) error = %v, wantErr %v", tt.va, err, tt.wantErr)
		}
	}
}

// TestPhysMemRefcount tests that frames are freed with their last reference.
func TestPhysMemRefcount(t *testing.T) {
	m := NewPhysMem(4)

	f, err := m.Alloc(true)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if got := m.Stats().Free; got != 3 {
		t.Errorf("Free = %d, want 3", got)
	}

	m.Incref(f)
	m.Incref(f)
	m.Decref(f)
	if got := m.Refcount(f); got != 1 {
		t.Errorf("Refcount() = %d, want 1", got)
	}
	m.Decref(f)
	if got := m.Stats().Free; got != 4 {
		t.Errorf("Free = %d after last Decref, want 4", got)
	}
}

// TestPhysMemExhaustion tests the out-of-memory error.
func TestPhysMemExhaustion(t *testing.T) {
	m := NewPhysMem(2)
	for i := 0; i < 2; i++ {
		if _, err := m.Alloc(false); err != nil {
			t.Fatalf("Alloc() #%d error = %v", i, err)
		}
	}
	if _, err := m.Alloc(false); !errors.Is(err, errno.NoMem) {
		t.Errorf("Alloc() error = %v, want %v", err, errno.NoMem)
	}
	if got := m.Stats().Allocs; got != 2 {
		t.Errorf("Allocs = %d, want 2", got)
	}
}

// TestAddrSpaceAccess tests user reads and writes against permissions.
func TestAddrSpaceAccess(t *testing.T) {
	m := NewPhysMem(8)
	as, err := NewAddrSpace(m)
	if err != nil {
		t.Fatalf("NewAddrSpace() error = %v", err)
	}

	rw, _ := m.Alloc(true)
	ro, _ := m.Alloc(true)
	if err := as.Insert(UTEMP, rw, PermU|PermW); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := as.Insert(UTEMP+PGSIZE, ro, PermU); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// A write spanning into the read-only page stops at its boundary.
	msg := []byte("abcdefgh")
	n, err := as.Write(UTEMP+PGSIZE-4, msg)
	if n != 4 {
		t.Errorf("Write() n = %d, want 4", n)
	}
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("Write() error = %v, want *Fault", err)
	}
	if f.VA != UTEMP+PGSIZE || f.Access != AccessWrite || !f.Present {
		t.Errorf("fault = %+v", f)
	}
	if f.Code() != FECU|FECPr|FECWr {
		t.Errorf("Code() = %#x", f.Code())
	}

	buf := make([]byte, 4)
	if _, err := as.Read(UTEMP+PGSIZE-4, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf) != "abcd" {
		t.Errorf("Read() = %q, want %q", buf, "abcd")
	}

	// Unmapped memory faults as not present.
	_, err = as.Read(UTEMP+2*PGSIZE, buf)
	if !errors.As(err, &f) || f.Present {
		t.Errorf("Read() of unmapped page error = %v", err)
	}
}

// TestAddrSpaceSharing tests that two address spaces see one frame.
func TestAddrSpaceSharing(t *testing.T) {
	m := NewPhysMem(8)
	a, _ := NewAddrSpace(m)
	b, _ := NewAddrSpace(m)

	f, _ := m.Alloc(true)
	a.Insert(UTEMP, f, PermU|PermW)
	b.Insert(2*UTEMP, f, PermU)
	if got := m.Refcount(f); got != 2 {
		t.Errorf("Refcount() = %d, want 2", got)
	}

	a.Write(UTEMP+8, []byte{42})
	buf := make([]byte, 1)
	b.Read(2*UTEMP+8, buf)
	if buf[0] != 42 {
		t.Errorf("shared read = %d, want 42", buf[0])
	}

	a.Teardown()
	if got := m.Refcount(f); got != 1 {
		t.Errorf("Refcount() after Teardown = %d, want 1", got)
	}
	if err := a.Insert(UTEMP, f, PermU); !errors.Is(err, errno.BadEnv) {
		t.Errorf("Insert() after Teardown error = %v", err)
	}
	b.Remove(2 * UTEMP)
	b.Remove(2 * UTEMP) // unmapping twice is fine
	b.Teardown()
	if got := m.Stats().Free; got != 8 {
		t.Errorf("Free = %d, want all 8 frames back", got)
	}
}

// TestAddrSpaceReinsert tests remapping the same frame with new permissions.
func TestAddrSpaceReinsert(t *testing.T) {
	m := NewPhysMem(4)
	as, _ := NewAddrSpace(m)
	f, _ := m.Alloc(true)
	as.Insert(UTEMP, f, PermU|PermW)
	as.Insert(UTEMP, f, PermU|PermCOW)

	pte, ok := as.Lookup(UTEMP + 100)
	if !ok {
		t.Fatal("Lookup() found nothing")
	}
	if pte.Perm != PermP|PermU|PermCOW {
		t.Errorf("Perm = %v, want %v", pte.Perm, PermP|PermU|PermCOW)
	}
	if got := m.Refcount(f); got != 1 {
		t.Errorf("Refcount() = %d, want 1", got)
	}
}

// TestAddrSpaceCheck tests the user_mem_check equivalent.
func TestAddrSpaceCheck(t *testing.T) {
	m := NewPhysMem(4)
	as, _ := NewAddrSpace(m)
	f, _ := m.Alloc(true)
	as.Insert(UXSTACKTOP-PGSIZE, f, PermU|PermW)

	if _, ok := as.Check(UXSTACKTOP-64, 64, PermU|PermW); !ok {
		t.Error("Check() of exception stack = false")
	}
	bad, ok := as.Check(UXSTACKTOP-PGSIZE-8, 16, PermU|PermW)
	if ok || bad != UXSTACKTOP-PGSIZE-8 {
		t.Errorf("Check() = %#x, %t", bad, ok)
	}
	if got := as.Mapped(0, UTOP); len(got) != 1 || got[0] != UXSTACKTOP-PGSIZE {
		t.Errorf("Mapped() = %v", got)
	}
}

// TestRefOutlivesUnmap tests that a frame taken with Ref is not reused
// after its only mapping goes away, and that InsertRef hands the reference
// to the new mapping.
func TestRefOutlivesUnmap(t *testing.T) {
	m := NewPhysMem(8)
	src, err := NewAddrSpace(m)
	if err != nil {
		t.Fatalf("NewAddrSpace() error = %v", err)
	}
	dst, err := NewAddrSpace(m)
	if err != nil {
		t.Fatalf("NewAddrSpace() error = %v", err)
	}
	const va = 0x400000
	f, _ := m.Alloc(true)
	if err := src.Insert(va, f, PermU|PermW); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	pte, ok := src.Ref(va)
	if !ok || pte.Frame != f {
		t.Fatalf("Ref() = %v, %t, want frame %d", pte, ok, f)
	}
	src.Remove(va)
	free := m.Stats().Free
	for i := 0; i < free; i++ {
		g, err := m.Alloc(false)
		if err != nil {
			t.Fatalf("Alloc() error = %v", err)
		}
		if g == f {
			t.Fatalf("Alloc() returned frame %d while a reference was held", f)
		}
	}

	if err := dst.InsertRef(va, pte.Frame, PermU); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}
	if got := m.Refcount(f); got != 1 {
		t.Errorf("Refcount() = %d, want 1", got)
	}
}

// TestInsertRefDead tests that a failed InsertRef drops the reference.
func TestInsertRefDead(t *testing.T) {
	m := NewPhysMem(8)
	as, err := NewAddrSpace(m)
	if err != nil {
		t.Fatalf("NewAddrSpace() error = %v", err)
	}
	f, _ := m.Alloc(true)
	m.Incref(f)
	as.Teardown()
	if err := as.InsertRef(0x400000, f, PermU); !errors.Is(err, errno.BadEnv) {
		t.Errorf("InsertRef() error = %v, want %v", err, errno.BadEnv)
	}
	if got := m.Stats().Free; got != 8 {
		t.Errorf("Free = %d, want 8", got)
	}
}

// TestIncrefFreeFrame tests that taking a reference to a free frame panics.
func TestIncrefFreeFrame(t *testing.T) {
	m := NewPhysMem(2)
	f, _ := m.Alloc(false)
	m.Release(f)
	defer func() {
		if recover() == nil {
			t.Error("Incref() of a free frame did not panic")
		}
	}()
	m.Incref(f)
}
