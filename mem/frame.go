package mem

import (
	"sync"

	"sv39k/kerr"
	"sv39k/machine"
)

// FrameAllocator is a stack allocator over a half-open PPN range, with a
// recycled LIFO: alloc returns a recycled PPN if present, else bumps the
// range's start; dealloc rejects double-frees and out-of-range PPNs.
type FrameAllocator struct {
	mu        sync.Mutex
	m         *machine.Machine
	origStart PPN
	start     PPN
	end       PPN
	recycled  []PPN
	recycSet  map[PPN]bool
}

// NewFrameAllocator returns an allocator over [start, end) backed by m.
func NewFrameAllocator(m *machine.Machine, start, end PPN) *FrameAllocator {
	return &FrameAllocator{
		m:         m,
		origStart: start,
		start:     start,
		end:       end,
		recycSet:  make(map[PPN]bool),
	}
}

// Outstanding reports the number of frames currently handed out and not
// yet freed, read back for diag's postmortem dump.
func (a *FrameAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.start-a.origStart) - len(a.recycled)
}

// alloc returns the next physical frame and zeros it before returning.
// It reports false on exhaustion.
func (a *FrameAllocator) alloc() (PPN, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ppn PPN
	if n := len(a.recycled); n > 0 {
		ppn = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		delete(a.recycSet, ppn)
	} else {
		if a.start == a.end {
			return 0, false
		}
		ppn = a.start
		a.start++
	}
	a.m.ZeroPage(uintptr(ppn.Addr()))
	return ppn, true
}

// dealloc returns ppn to the recycled LIFO. It panics on a double-free or
// an out-of-range PPN — both are programmer-contract violations.
func (a *FrameAllocator) dealloc(ppn PPN) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ppn < a.origStart || ppn >= a.start || a.recycSet[ppn] {
		kerr.Fatal("frame: double free or bad ppn %#x", uintptr(ppn))
	}
	a.recycled = append(a.recycled, ppn)
	a.recycSet[ppn] = true
}

// FrameTracker is the unique RAII owner of one physical frame: releasing
// it via Drop returns the frame to its allocator. Garbage collection of
// an undropped tracker does not return the frame. At most one tracker
// exists per PPN at any instant.
type FrameTracker struct {
	PPN   PPN
	pool  *FrameAllocator
	freed bool
}

// AllocFrame allocates a frame from a and wraps it in a FrameTracker.
// Reports false on exhaustion. Every caller in the kernel (boot, the page
// table walk, MapAndAlloc) treats that as fatal, so a fork or exec that
// runs out of frames panics rather than failing the syscall.
func AllocFrame(a *FrameAllocator) (*FrameTracker, bool) {
	ppn, ok := a.alloc()
	if !ok {
		return nil, false
	}
	return &FrameTracker{PPN: ppn, pool: a}, true
}

// Drop releases the frame back to its allocator. Safe to call multiple
// times; only the first call has an effect, mirroring Rust's
// move-then-drop discipline without relying on the garbage collector.
func (f *FrameTracker) Drop() {
	if f == nil || f.freed {
		return
	}
	f.freed = true
	f.pool.dealloc(f.PPN)
}

// Page returns the backing machine page for this frame.
func (f *FrameTracker) Page(m *machine.Machine) []byte {
	return m.Page(uintptr(f.PPN.Addr()))
}
