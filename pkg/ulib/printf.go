package ulib

import "fmt"

// putsChunk is the most Cputs stages on the stack at once.
const putsChunk = 256

// Cputs prints s. The bytes are staged just below the stack pointer and
// handed to the kernel by address, as a C caller would pass a stack buffer.
func Cputs(sys Sys, s string) {
	for len(s) > 0 {
		n := min(len(s), putsChunk)
		va := (sys.ESP() - uintptr(n)) &^ 3
		sys.Write(va, []byte(s[:n]))
		sys.Cputs(va, n)
		s = s[n:]
	}
}

// Printf formats to the console.
func Printf(sys Sys, format string, args ...any) {
	Cputs(sys, fmt.Sprintf(format, args...))
}

// Exit ends the calling environment.
func Exit(sys Sys) {
	sys.Exit()
}
