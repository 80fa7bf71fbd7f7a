package ulib

import (
	"errors"

	"exokern/pkg/env"
	"exokern/pkg/errno"
	"exokern/pkg/mmu"
)

// IPCSend sends value, and the page at pg if pg is not 0, to the
// environment to, yielding until it is receiving. Any error other than
// errno.IPCNotRecv is fatal.
func IPCSend(sys Sys, to env.ID, value uint32, pg uintptr, perm mmu.Perm) {
	for {
		err := sys.IPCTrySend(to, value, pg, perm)
		if err == nil {
			return
		}
		if !errors.Is(err, errno.IPCNotRecv) {
			Panicf(sys, "ipc_send: %v", err)
		}
		sys.Yield()
	}
}

// IPCRecv waits for a message. If pg is not 0 a sent page is mapped there.
// It returns the value, the sender and the permission of the page received,
// 0 if none.
func IPCRecv(sys Sys, pg uintptr) (uint32, env.ID, mmu.Perm, error) {
	if err := sys.IPCRecv(pg); err != nil {
		return 0, 0, 0, err
	}
	info := sys.IPCInfo()
	return info.Value, info.From, info.Perm, nil
}
