// Package sched implements the round-robin, hub-and-spoke scheduler: a
// FIFO ready queue and an idle hub every context switch passes through.
// Switches go through each task's Switch channels and never write a
// PCB's TaskContext, so an exiting task's context storage is never
// written across its teardown.
package sched

import (
	"sync"

	"sv39k/proc"
)

// Scheduler holds the ready queue and tracks which task, if any, is
// currently running. There is no idle_ctx field: Start itself plays that
// role, since every switch in this model is a Resume call blocking on
// Start's own goroutine rather than a restore of a stored TaskContext.
type Scheduler struct {
	mu       sync.Mutex
	ready    []*proc.ProcessControlBlock
	current  *proc.ProcessControlBlock
	switches map[int]*Switch
	initProc *proc.ProcessControlBlock
	wake     chan struct{}
	shutdown chan int32
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		switches: make(map[int]*Switch),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan int32, 1),
	}
}

// SetInit records p as the init process: exit_current_and_run_next
// reparents orphans to it and shuts the machine down when it exits.
func (s *Scheduler) SetInit(p *proc.ProcessControlBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initProc = p
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SwitchFor returns the Switch used to hand control to and from p,
// creating one on first use. Whatever goroutine drives p's execution
// must call Wait/Yield on the same Switch.
func (s *Scheduler) SwitchFor(p *proc.ProcessControlBlock) *Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.switches[p.Pid()]
	if !ok {
		sw = NewSwitch()
		s.switches[p.Pid()] = sw
	}
	return sw
}

// Enqueue marks p Ready and appends it to the back of the ready queue.
func (s *Scheduler) Enqueue(p *proc.ProcessControlBlock) {
	p.SetStatus(proc.Ready)
	s.mu.Lock()
	s.ready = append(s.ready, p)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) popReady() *proc.ProcessControlBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	p := s.ready[0]
	s.ready = s.ready[1:]
	return p
}

// Current returns the task presently marked Running, or nil.
func (s *Scheduler) Current() *proc.ProcessControlBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) takeCurrent() *proc.ProcessControlBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.current
	s.current = nil
	return p
}

// Start loops forever: pop a Ready task, mark it Running, and switch into
// it; when control returns here (the task suspended or exited) the loop
// continues — every context switch in this kernel passes through Start,
// the hub of the hub-and-spoke idle context.
// It returns the exit code the init process recorded once init exits.
func (s *Scheduler) Start() int32 {
	for {
		select {
		case code := <-s.shutdown:
			return code
		default:
		}

		p := s.popReady()
		if p == nil {
			select {
			case code := <-s.shutdown:
				return code
			case <-s.wake:
			}
			continue
		}

		p.SetStatus(proc.Running)
		s.mu.Lock()
		s.current = p
		s.mu.Unlock()

		s.SwitchFor(p).Resume()
	}
}

// SuspendCurrentAndRunNext takes the current task, marks it Ready, pushes
// it to the back of the ready queue, and yields control back to Start.
// Like a real __switch out of a task, it returns only
// once the scheduler has switched back into the task: the caller resumes
// exactly where it suspended. Call this from the goroutine driving the
// current task's execution, never from Start's own goroutine.
func (s *Scheduler) SuspendCurrentAndRunNext() {
	p := s.takeCurrent()
	sw := s.SwitchFor(p)
	s.Enqueue(p)
	sw.Yield(Suspended)
	sw.Wait()
}

// ExitCurrentAndRunNext takes the current task, records its exit code,
// reparents its children to init, and releases its address space
// immediately — its PID and kernel stack persist as a zombie until a
// parent's waitpid reaps it. If the exiting task is init
// itself, it signals Start to shut down with this exit code.
func (s *Scheduler) ExitCurrentAndRunNext(exitCode int32) {
	p := s.takeCurrent()

	s.mu.Lock()
	initProc := s.initProc
	s.mu.Unlock()

	isInit := p == initProc
	p.SetStatus(proc.Exited)
	p.SetExitCode(exitCode)

	if !isInit && initProc != nil {
		for _, child := range p.Children() {
			child.SetParent(initProc)
			initProc.AddChild(child)
		}
	}
	p.ClearChildren()
	p.DropAddressSpace()

	if isInit {
		select {
		case s.shutdown <- exitCode:
		default:
		}
	}

	s.SwitchFor(p).Yield(Exited)
}
