// Package console defines the byte-level interface the kernel uses to
// talk to the UART. The driver itself lives outside the kernel core —
// byte in, byte out only; this package defines the seam plus an
// in-memory loopback stand-in used by tests.
package console

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Device is the byte-in/byte-out contract the UART driver implements.
// ReadByte reports false when no byte is currently available — sys_read's
// yield-and-retry loop relies on that signal.
type Device interface {
	ReadByte() (b byte, ok bool)
	WriteByte(b byte)
}

// Loopback is an in-memory Device used by tests; cmd/kernel's boot
// sequence uses its own console instead. Bytes written are not echoed back;
// ReadByte drains an input queue that test code feeds via Feed.
type Loopback struct {
	in  []byte
	out []byte
}

// NewLoopback returns an empty Loopback device.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Feed appends bytes that a subsequent ReadByte will return, simulating
// keystrokes arriving at the UART's RBR.
func (l *Loopback) Feed(b ...byte) {
	l.in = append(l.in, b...)
}

// ReadByte implements Device.
func (l *Loopback) ReadByte() (byte, bool) {
	if len(l.in) == 0 {
		return 0, false
	}
	b := l.in[0]
	l.in = l.in[1:]
	return b, true
}

// WriteByte implements Device.
func (l *Loopback) WriteByte(b byte) {
	l.out = append(l.out, b)
}

// Written returns every byte written to the device so far, for test
// assertions.
func (l *Loopback) Written() []byte {
	return append([]byte(nil), l.out...)
}

// sanitizer strips the Unicode replacement character before the byte
// stream reaches the wire: sys_write promises UTF-8 on the UART, and
// runes.Remove/transform scrubs a byte buffer of a target rune class
// before the byte sink consumes it.
var sanitizer = runes.Remove(runes.Predicate(func(r rune) bool {
	return r == unicode.ReplacementChar
}))

// Sanitize replaces any invalid UTF-8 byte sequence in buf with nothing,
// so a faulty user buffer can never write garbage bytes through the UART.
func Sanitize(buf []byte) []byte {
	valid := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size <= 1 {
			i++
			continue
		}
		valid = append(valid, buf[i:i+size]...)
		i += size
	}
	out, _, err := transform.Bytes(sanitizer, valid)
	if err != nil {
		return valid
	}
	return out
}
