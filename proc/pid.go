// Package proc implements the per-process state machine: PID allocation,
// TaskContext/TrapContext, and the ProcessControlBlock lifecycle (new,
// fork, exec, change_program_brk). A PCB's immutable identity fields
// are split from its mutable, lock-guarded inner state.
package proc

import (
	"sync"

	"sv39k/kerr"
)

// PidAllocator is a stack allocator for process IDs with a recycled LIFO,
// the same shape as mem.FrameAllocator.
type PidAllocator struct {
	mu       sync.Mutex
	current  int
	recycled []int
}

// NewPidAllocator returns an empty allocator starting at pid 0.
func NewPidAllocator() *PidAllocator {
	return &PidAllocator{}
}

func (a *PidAllocator) alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.recycled); n > 0 {
		pid := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return pid
	}
	pid := a.current
	a.current++
	return pid
}

func (a *PidAllocator) dealloc(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pid >= a.current {
		kerr.Fatal("proc: dealloc of never-allocated pid %d", pid)
	}
	for _, p := range a.recycled {
		if p == pid {
			kerr.Fatal("proc: pid %d has already been deallocated", pid)
		}
	}
	a.recycled = append(a.recycled, pid)
}

// PidWrapper is a PID with RAII release: Drop returns it to the
// allocator it came from. Safe to call more than once.
type PidWrapper struct {
	pid     int
	pool    *PidAllocator
	dropped bool
}

// Alloc allocates a fresh PID from a.
func Alloc(a *PidAllocator) *PidWrapper {
	return &PidWrapper{pid: a.alloc(), pool: a}
}

// Pid returns the wrapped PID value.
func (p *PidWrapper) Pid() int { return p.pid }

// Drop releases the PID back to its allocator.
func (p *PidWrapper) Drop() {
	if p.dropped {
		return
	}
	p.dropped = true
	p.pool.dealloc(p.pid)
}
