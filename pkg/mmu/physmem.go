package mmu

import (
	"fmt"
	"sync"

	"exokern/pkg/errno"
)

// Frame is a physical page number.
type Frame int

// PhysMem is the machine's physical memory: a fixed number of page frames
// with reference counts. A frame returns to the free list when its count
// drops to zero.
type PhysMem struct {
	mu     sync.Mutex
	mem    []byte
	ref    []int32
	free   []Frame
	onFree []bool
	allocs uint64
}

// Stats describes physical memory use.
type Stats struct {
	// Total is the number of frames.
	Total int
	// Free is the number of unallocated frames.
	Free int
	// Allocs counts successful Alloc calls since boot.
	Allocs uint64
}

// NewPhysMem returns a physical memory of npages frames.
func NewPhysMem(npages int) *PhysMem {
	m := &PhysMem{
		mem:  make([]byte, npages*PGSIZE),
		ref:    make([]int32, npages),
		free:   make([]Frame, 0, npages),
		onFree: make([]bool, npages),
	}
	// Hand out low frames first.
	for f := npages - 1; f >= 0; f-- {
		m.push(Frame(f))
	}
	return m
}

// Alloc takes a frame off the free list, zeroed if zero is set. The frame
// starts with a reference count of zero; mapping it takes the first
// reference. A frame that never gets mapped must be given back with Release.
func (m *PhysMem) Alloc(zero bool) (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) == 0 {
		return 0, errno.NoMem
	}
	f := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.onFree[f] = false
	m.allocs++
	if zero {
		clear(m.page(f))
	}
	return f, nil
}

// Release returns an unreferenced frame to the free list.
func (m *PhysMem) Release(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ref[f] != 0 {
		panic(fmt.Sprintf("mmu: release of frame %d with %d references", f, m.ref[f]))
	}
	if m.onFree[f] {
		panic(fmt.Sprintf("mmu: release of free frame %d", f))
	}
	m.push(f)
}

// Incref takes a reference to f. f must be allocated.
func (m *PhysMem) Incref(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onFree[f] {
		panic(fmt.Sprintf("mmu: incref of free frame %d", f))
	}
	m.ref[f]++
}

// Decref drops a reference to f, freeing it when none remain.
func (m *PhysMem) Decref(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ref[f]--
	switch {
	case m.ref[f] == 0:
		m.push(f)
	case m.ref[f] < 0:
		panic(fmt.Sprintf("mmu: decref of free frame %d", f))
	}
}

func (m *PhysMem) push(f Frame) {
	m.free = append(m.free, f)
	m.onFree[f] = true
}

// Refcount returns the number of mappings of f.
func (m *PhysMem) Refcount(f Frame) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.ref[f])
}

// Page returns the memory of frame f.
func (m *PhysMem) Page(f Frame) []byte {
	return m.page(f)
}

func (m *PhysMem) page(f Frame) []byte {
	off := int(f) * PGSIZE
	return m.mem[off : off+PGSIZE : off+PGSIZE]
}

// Stats returns current usage.
func (m *PhysMem) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Total:  len(m.ref),
		Free:   len(m.free),
		Allocs: m.allocs,
	}
}
