package user

import (
	"exokern/pkg/env"
	"exokern/pkg/ulib"
)

// PingPong bounces a counter between a parent and its forked child until
// it reaches 10.
func PingPong(sys ulib.Sys) {
	who, err := ulib.Fork(sys, pong)
	if err != nil {
		ulib.Panicf(sys, "fork: %v", err)
	}
	ulib.Printf(sys, "send 0 from %08x to %08x\n", uint32(sys.Getenvid()), uint32(who))
	ulib.IPCSend(sys, who, 0, 0, 0)
	pong(sys)
}

func pong(sys ulib.Sys) {
	for {
		i, from, _, err := ulib.IPCRecv(sys, 0)
		if err != nil {
			ulib.Panicf(sys, "ipc_recv: %v", err)
		}
		ulib.Printf(sys, "%08x got %d from %08x\n", uint32(sys.Getenvid()), i, uint32(from))
		if i == 10 {
			return
		}
		i++
		ulib.IPCSend(sys, from, i, 0, 0)
		if i == 10 {
			return
		}
	}
}

// forkDepth is how deep ForkTree grows.
const forkDepth = 3

// ForkTree forks a binary tree of environments, each naming its branch.
func ForkTree(sys ulib.Sys) {
	forktree(sys, "")
}

func forktree(sys ulib.Sys, cur string) {
	ulib.Printf(sys, "%04x: I am '%s'\n", uint32(sys.Getenvid())&0xffff, cur)
	forkchild(sys, cur, '0')
	forkchild(sys, cur, '1')
}

func forkchild(sys ulib.Sys, cur string, branch byte) {
	if len(cur) >= forkDepth {
		return
	}
	nxt := cur + string(branch)
	if _, err := ulib.Fork(sys, func(sys ulib.Sys) { forktree(sys, nxt) }); err != nil {
		ulib.Panicf(sys, "fork: %v", err)
	}
}

// primeLimit bounds the numbers Primes feeds its sieve.
const primeLimit = 50

// Primes runs a concurrent prime sieve: one environment per prime, each
// forwarding the numbers its prime does not divide. A 0 drains the chain.
func Primes(sys ulib.Sys) {
	first, err := ulib.Fork(sys, primeproc)
	if err != nil {
		ulib.Panicf(sys, "fork: %v", err)
	}
	for i := uint32(2); i < primeLimit; i++ {
		ulib.IPCSend(sys, first, i, 0, 0)
	}
	ulib.IPCSend(sys, first, 0, 0, 0)
}

func primeproc(sys ulib.Sys) {
	p, _, _, err := ulib.IPCRecv(sys, 0)
	if err != nil {
		ulib.Panicf(sys, "ipc_recv: %v", err)
	}
	if p == 0 {
		return
	}
	ulib.Printf(sys, "[%08x] prime %d\n", uint32(sys.Getenvid()), p)

	var next env.ID
	for {
		i, _, _, err := ulib.IPCRecv(sys, 0)
		if err != nil {
			ulib.Panicf(sys, "ipc_recv: %v", err)
		}
		if i == 0 {
			if next != 0 {
				ulib.IPCSend(sys, next, 0, 0, 0)
			}
			return
		}
		if i%p == 0 {
			continue
		}
		if next == 0 {
			if next, err = ulib.Fork(sys, primeproc); err != nil {
				ulib.Panicf(sys, "fork: %v", err)
			}
		}
		ulib.IPCSend(sys, next, i, 0, 0)
	}
}

// Spin forks a child that never yields and destroys it after letting it
// run for a while. The child only loses its core to the timer.
func Spin(sys ulib.Sys) {
	ulib.Printf(sys, "I am the parent.  Forking the child...\n")
	child, err := ulib.Fork(sys, func(sys ulib.Sys) {
		ulib.Printf(sys, "I am the child.  Spinning...\n")
		for {
			sys.Tick()
		}
	})
	if err != nil {
		ulib.Panicf(sys, "fork: %v", err)
	}
	ulib.Printf(sys, "I am the parent.  Running the child...\n")
	for i := 0; i < 8; i++ {
		sys.Yield()
	}
	ulib.Printf(sys, "I am the parent.  Killing the child...\n")
	if err := sys.EnvDestroy(child); err != nil {
		ulib.Panicf(sys, "env_destroy: %v", err)
	}
}
