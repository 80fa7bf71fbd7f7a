/*
Package kern assembles the machine: physical memory, the environment
table, one scheduler per core, the console, an IDE controller and an
e1000 card looped back onto itself.

Each core is a goroutine. It picks an environment, resumes it, and handles
the traps it makes until the environment yields, blocks, dies or its
timer tick expires. An environment's user mode is a goroutine of its own
(User) running a ulib.Program; it parks between traps, so at most one core
ever drives it.

Syscalls follow the exokernel convention: a non-negative result or a
negated errno.Errno, and bad arguments from user mode never stop the
machine. A kernel panic on any core does: Wait then returns an error
wrapping ErrFatal.

A typical run:

	k, err := kern.New(kern.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	k.Boot(ctx)
	k.Create("hello", user.Hello, env.AnyCPU)
	err = k.Wait(ctx)
	k.Shutdown()
*/
package kern
