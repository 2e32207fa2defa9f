// Package syscall dispatches the ecall surface a user task traps into:
// read/write/exit/yield/get_time/getpid/sbrk/fork/exec/waitpid.
// The numeric ids follow the Linux RISC-V convention, so a user binary
// assembled against that ABI traps into the same ids here.
package syscall

const (
	IDRead    = 63
	IDWrite   = 64
	IDExit    = 93
	IDYield   = 124
	IDGetTime = 169
	IDGetPID  = 172
	IDSbrk    = 214
	IDFork    = 220
	IDExec    = 221
	IDWaitpid = 260
)
