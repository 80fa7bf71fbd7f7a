package user

import (
	"encoding/binary"
	"errors"

	"exokern/pkg/errno"
	"exokern/pkg/mmu"
	"exokern/pkg/ulib"
)

// Disk reads block 0 of the second drive, or of the first if there is no
// second, and prints its first word.
func Disk(sys ulib.Sys) {
	if err := sys.PageAlloc(0, mmu.UTEMP, mmu.PermP|mmu.PermU|mmu.PermW); err != nil {
		ulib.Panicf(sys, "page_alloc: %v", err)
	}
	err := sys.DiskRead(1, 0, mmu.UTEMP)
	if errors.Is(err, errno.NoDisk) {
		err = sys.DiskRead(0, 0, mmu.UTEMP)
	}
	if err != nil {
		ulib.Panicf(sys, "disk_read: %v", err)
	}
	b := make([]byte, 4)
	sys.Read(mmu.UTEMP, b)
	ulib.Printf(sys, "[%08x] disk read %08x\n", uint32(sys.Getenvid()), binary.LittleEndian.Uint32(b))
}
