/*
Package env implements the environment table: a fixed pool of environment
slots, the identity scheme that detects stale references, and the status
machine every other part of the kernel drives.

# Identity

An ID carries a slot index in its low LogNENV bits and a generation above
them. Reclaiming a slot bumps the generation, so Lookup rejects an ID that
outlived its environment with errno.BadEnv.

# Status

	FREE --Alloc--> NOT_RUNNABLE <--SetStatus/Recv/Wake--> RUNNABLE
	RUNNABLE --Claim(core)--> RUNNING --Unclaim--> RUNNABLE
	any --Kill--> DYING --Reclaim--> FREE

Status and owning core share one atomic word. Claim is a single
compare-and-swap from "Runnable, no owner" to "Running, core c", so two
cores can never both run an environment. An environment killed while a core
holds it stays Dying until that core lets go and reclaims it.

# Locking

Each Env has a spinlock guarding its IPC fields, upcall, and user context.
The table has one more for its free list. No code path holds two of them.
*/
package env
