package sched

// YieldReason records why a task handed control back to the scheduler's
// idle context.
type YieldReason int

const (
	Suspended YieldReason = iota
	Exited
)

// Switch models the kernel's `__switch(old, new)` assembly routine —
// which stores ra/sp/s0..s11 into *old and loads them from *new — as a
// pair of size-1 channels instead of a register save area. Resuming a
// task sends on resume and blocks for yield; the task being switched in
// does the mirror image in Wait/Yield. Buffering both channels at 1
// gives the same non-blocking handoff real __switch's "ret into the new
// stack" provides: neither side can be mid-send when the other isn't yet
// listening.
type Switch struct {
	resume chan struct{}
	yield  chan YieldReason
}

// NewSwitch returns a Switch ready to hand control to a not-yet-started
// task.
func NewSwitch() *Switch {
	return &Switch{resume: make(chan struct{}, 1), yield: make(chan YieldReason, 1)}
}

// Resume hands control to the task side and blocks until it yields back
// (by calling Yield), returning the reason it gave.
func (s *Switch) Resume() YieldReason {
	s.resume <- struct{}{}
	return <-s.yield
}

// Wait blocks the task side until the scheduler resumes it via Resume.
// Call this from the goroutine driving one task's execution.
func (s *Switch) Wait() {
	<-s.resume
}

// Yield hands control back to whichever Resume call is waiting, the
// counterpart of a real __switch's "ret".
func (s *Switch) Yield(reason YieldReason) {
	s.yield <- reason
}
