// Package errno defines the kernel's error codes.
//
// An Errno is an ordinary Go error, so kernel packages return and compare
// them with errors.Is. At the syscall boundary the same value travels as a
// negative integer, which FromReturn turns back into an Errno.
package errno

import "fmt"

// Errno is a kernel error code.
type Errno int

const (
	// Unspecified is an unknown problem.
	Unspecified Errno = 1
	// BadEnv means the environment doesn't exist or the caller may not touch it.
	BadEnv Errno = 2
	// Inval is an invalid parameter.
	Inval Errno = 3
	// NoMem means a memory allocation failed.
	NoMem Errno = 4
	// NoFreeEnv means the environment table is full.
	NoFreeEnv Errno = 5
	// Fault is a memory fault.
	Fault Errno = 6
	// IPCNotRecv means the target is not waiting in ipc_recv.
	IPCNotRecv Errno = 7
	// EOF is an unexpected end of file.
	EOF Errno = 8
	// NoDisk means the requested disk is not present.
	NoDisk Errno = 9
	// TxFull means the transmit ring has no free descriptor.
	TxFull Errno = 10
)

var names = map[Errno]string{
	Unspecified: "unspecified error",
	BadEnv:      "bad environment",
	Inval:       "invalid parameter",
	NoMem:       "out of memory",
	NoFreeEnv:   "out of environments",
	Fault:       "segmentation fault",
	IPCNotRecv:  "env is not recving",
	EOF:         "unexpected end of file",
	NoDisk:      "no such disk",
	TxFull:      "transmit queue full",
}

func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(e))
}

// Return converts err to a syscall return value: 0 for nil, -code for an
// Errno, and -Unspecified for anything else.
func Return(err error) int32 {
	if err == nil {
		return 0
	}
	if e, ok := err.(Errno); ok {
		return -int32(e)
	}
	return -int32(Unspecified)
}

// FromReturn converts a syscall return value back into an error.
// Non-negative values are not errors.
func FromReturn(r int32) error {
	if r >= 0 {
		return nil
	}
	return Errno(-r)
}
