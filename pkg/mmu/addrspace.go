package mmu

import (
	"slices"
	"sync"

	"exokern/pkg/errno"
)

// PTE is a page table entry.
type PTE struct {
	Frame Frame
	Perm  Perm
}

// AddrSpace is one environment's page table. Requests against the same
// address space are serialized by its mutex.
type AddrSpace struct {
	mem  *PhysMem
	root Frame

	mu   sync.Mutex
	ptes map[uintptr]PTE
	dead bool
}

// NewAddrSpace allocates the page directory frame for a new address space.
func NewAddrSpace(mem *PhysMem) (*AddrSpace, error) {
	root, err := mem.Alloc(true)
	if err != nil {
		return nil, err
	}
	mem.Incref(root)
	return &AddrSpace{
		mem:  mem,
		root: root,
		ptes: make(map[uintptr]PTE),
	}, nil
}

// Root returns the frame holding the page directory.
func (as *AddrSpace) Root() Frame {
	return as.root
}

// Mem returns the physical memory backing the address space.
func (as *AddrSpace) Mem() *PhysMem {
	return as.mem
}

// Lookup returns the entry mapping the page containing va.
func (as *AddrSpace) Lookup(va uintptr) (PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.ptes[RoundDown(va)]
	return pte, ok
}

// Ref is Lookup that also takes a reference to the frame, so the frame
// stays allocated if va is unmapped meanwhile. The reference must be handed
// to InsertRef or dropped with PhysMem.Decref.
func (as *AddrSpace) Ref(va uintptr) (PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.ptes[RoundDown(va)]
	if ok {
		as.mem.Incref(pte.Frame)
	}
	return pte, ok
}

// Insert maps frame f at page-aligned va with perm|PermP, replacing any
// existing mapping. Re-inserting the frame already mapped at va only
// changes the permissions.
func (as *AddrSpace) Insert(va uintptr, f Frame, perm Perm) error {
	if !PageAligned(va) {
		return errno.Inval
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return errno.BadEnv
	}

	as.mem.Incref(f)
	as.set(va, f, perm)
	return nil
}

// InsertRef is Insert for a frame reference the caller already holds,
// typically from Ref. The mapping takes over the reference; on failure it
// is dropped.
func (as *AddrSpace) InsertRef(va uintptr, f Frame, perm Perm) error {
	if !PageAligned(va) {
		as.mem.Decref(f)
		return errno.Inval
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		as.mem.Decref(f)
		return errno.BadEnv
	}
	as.set(va, f, perm)
	return nil
}

func (as *AddrSpace) set(va uintptr, f Frame, perm Perm) {
	if old, ok := as.ptes[va]; ok {
		as.mem.Decref(old.Frame)
	}
	as.ptes[va] = PTE{Frame: f, Perm: perm | PermP}
}

// Remove unmaps va. Removing an unmapped address silently succeeds.
func (as *AddrSpace) Remove(va uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if pte, ok := as.ptes[RoundDown(va)]; ok {
		delete(as.ptes, RoundDown(va))
		as.mem.Decref(pte.Frame)
	}
}

// Teardown drops every mapping and the page directory. Later inserts fail.
func (as *AddrSpace) Teardown() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return
	}
	for va, pte := range as.ptes {
		as.mem.Decref(pte.Frame)
		delete(as.ptes, va)
	}
	as.mem.Decref(as.root)
	as.dead = true
}

// Mapped returns the mapped page addresses in [lo, hi), in increasing order.
func (as *AddrSpace) Mapped(lo, hi uintptr) []uintptr {
	as.mu.Lock()
	vas := make([]uintptr, 0, len(as.ptes))
	for va := range as.ptes {
		if va >= lo && va < hi {
			vas = append(vas, va)
		}
	}
	as.mu.Unlock()
	slices.Sort(vas)
	return vas
}

// Len returns the number of mapped pages.
func (as *AddrSpace) Len() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.ptes)
}

// Read copies user memory at va into p. It stops at the first page the
// user may not read and returns the bytes copied and a *Fault.
func (as *AddrSpace) Read(va uintptr, p []byte) (int, error) {
	return as.access(va, p, AccessRead)
}

// Write copies p into user memory at va. It stops at the first page the
// user may not write and returns the bytes copied and a *Fault.
func (as *AddrSpace) Write(va uintptr, p []byte) (int, error) {
	return as.access(va, p, AccessWrite)
}

func (as *AddrSpace) access(va uintptr, p []byte, acc Access) (int, error) {
	need := PermP | PermU
	if acc == AccessWrite {
		need |= PermW
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	n := 0
	for n < len(p) {
		cur := va + uintptr(n)
		if cur >= UTOP {
			return n, &Fault{VA: cur, Access: acc}
		}
		pte, ok := as.ptes[RoundDown(cur)]
		if !ok || pte.Perm&need != need {
			return n, &Fault{VA: cur, Access: acc, Present: ok}
		}
		pg := as.mem.Page(pte.Frame)[cur-RoundDown(cur):]
		if acc == AccessWrite {
			n += copy(pg, p[n:])
		} else {
			n += copy(p[n:], pg)
		}
	}
	return n, nil
}

// Check reports whether the user may access [va, va+size) with perm, as
// user_mem_check does. It returns the first bad address on failure.
func (as *AddrSpace) Check(va uintptr, size int, perm Perm) (uintptr, bool) {
	perm |= PermP
	as.mu.Lock()
	defer as.mu.Unlock()
	end := va + uintptr(size)
	for pg := RoundDown(va); pg < end; pg += PGSIZE {
		bad := max(pg, va)
		if pg >= UTOP {
			return bad, false
		}
		pte, ok := as.ptes[pg]
		if !ok || pte.Perm&perm != perm {
			return bad, false
		}
	}
	return 0, true
}
