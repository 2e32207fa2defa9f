// Package klog is the kernel's console logger: every line is ANSI
// colored (green for lifecycle events, red for faults), and every byte
// goes through a console.Device instead of directly to stdout so tests
// can capture it.
package klog

import (
	"fmt"

	"sv39k/console"
)

const (
	green = "\x1b[32m"
	red   = "\x1b[31m"
	reset = "\x1b[0m"
)

// Logger writes leveled lines to a console.Device.
type Logger struct {
	dev console.Device
}

// New returns a Logger that writes through dev.
func New(dev console.Device) *Logger {
	return &Logger{dev: dev}
}

func (l *Logger) write(s string) {
	for i := 0; i < len(s); i++ {
		l.dev.WriteByte(s[i])
	}
}

// Info logs a lifecycle event (process created, scheduled, reaped).
func (l *Logger) Info(format string, args ...any) {
	l.write(green + fmt.Sprintf(format, args...) + reset + "\n")
}

// Warn logs a recoverable fault (killed task, failed syscall).
func (l *Logger) Warn(format string, args ...any) {
	l.write(red + fmt.Sprintf(format, args...) + reset + "\n")
}

// Fatal logs a programmer-contract violation and panics — a kernel bug,
// never a recoverable condition.
func (l *Logger) Fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.write(red + msg + reset + "\n")
	panic(msg)
}
