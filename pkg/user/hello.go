package user

import "exokern/pkg/ulib"

// Hello prints a greeting and its environment id.
func Hello(sys ulib.Sys) {
	ulib.Printf(sys, "hello, world\n")
	ulib.Printf(sys, "i am environment %08x\n", uint32(sys.Getenvid()))
}

// Yield hands the core around a few times.
func Yield(sys ulib.Sys) {
	id := uint32(sys.Getenvid())
	ulib.Printf(sys, "Hello, I am environment %08x.\n", id)
	for i := 0; i < 5; i++ {
		sys.Yield()
		ulib.Printf(sys, "Back in environment %08x, iteration %d.\n", id, i)
	}
	ulib.Printf(sys, "All done in environment %08x.\n", id)
}
