package user

import (
	"encoding/binary"

	"exokern/pkg/env"
	"exokern/pkg/mmu"
	"exokern/pkg/ulib"
)

// Requests between the network helpers and their parent.
const (
	nsreqOutput uint32 = 11
	nsreqInput  uint32 = 12
	nsreqStop   uint32 = 13
)

// pktVA is where packet pages are mapped. A packet page holds a
// little-endian int32 length followed by the frame.
const pktVA uintptr = 0x0ffff000 - 20*mmu.PGSIZE

// maxPkt is the largest frame a packet page carries.
const maxPkt = mmu.PGSIZE - 4

// NetEcho sends a frame out through an output helper and waits for the
// input helper to hand it back from the looped-back card.
func NetEcho(sys ulib.Sys) {
	self := sys.Getenvid()
	out, err := ulib.Fork(sys, output)
	if err != nil {
		ulib.Panicf(sys, "fork output: %v", err)
	}
	if _, err := ulib.Fork(sys, func(sys ulib.Sys) { input(sys, self) }); err != nil {
		ulib.Panicf(sys, "fork input: %v", err)
	}

	if err := sys.PageAlloc(0, pktVA, mmu.PermP|mmu.PermU|mmu.PermW); err != nil {
		ulib.Panicf(sys, "page_alloc: %v", err)
	}
	writePacket(sys, []byte("hello from the echo client"))
	ulib.IPCSend(sys, out, nsreqOutput, pktVA, mmu.PermP|mmu.PermU|mmu.PermW)

	for {
		req, _, _, err := ulib.IPCRecv(sys, pktVA)
		if err != nil {
			ulib.Panicf(sys, "ipc_recv: %v", err)
		}
		if req != nsreqInput {
			continue
		}
		ulib.Printf(sys, "[%08x] echo %q\n", uint32(self), readPacket(sys))
		break
	}
	ulib.IPCSend(sys, out, nsreqStop, 0, 0)
}

func writePacket(sys ulib.Sys, frame []byte) {
	buf := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	sys.Write(pktVA, buf)
}

func readPacket(sys ulib.Sys) []byte {
	hdr := make([]byte, 4)
	sys.Read(pktVA, hdr)
	n := min(int(binary.LittleEndian.Uint32(hdr)), maxPkt)
	frame := make([]byte, n)
	sys.Read(pktVA+4, frame)
	return frame
}

// output transmits the packets it is sent until told to stop.
func output(sys ulib.Sys) {
	for {
		req, _, _, err := ulib.IPCRecv(sys, pktVA)
		if err != nil {
			ulib.Panicf(sys, "ipc_recv: %v", err)
		}
		switch req {
		case nsreqStop:
			return
		case nsreqOutput:
			hdr := make([]byte, 4)
			sys.Read(pktVA, hdr)
			n := min(int(binary.LittleEndian.Uint32(hdr)), maxPkt)
			if err := sys.NetSend(pktVA+4, n); err != nil {
				ulib.Printf(sys, "output: net_send: %v\n", err)
			}
		}
	}
}

// input polls the card and passes the first frame to ns in a fresh page.
func input(sys ulib.Sys, ns env.ID) {
	for {
		if err := sys.PageAlloc(0, pktVA, mmu.PermP|mmu.PermU|mmu.PermW); err != nil {
			ulib.Panicf(sys, "page_alloc: %v", err)
		}
		n, err := sys.NetRecv(pktVA+4, maxPkt)
		if err != nil {
			ulib.Panicf(sys, "net_recv: %v", err)
		}
		if n > 0 {
			hdr := make([]byte, 4)
			binary.LittleEndian.PutUint32(hdr, uint32(n))
			sys.Write(pktVA, hdr)
			ulib.Printf(sys, "pkt length=0x%x\n", n)
			ulib.IPCSend(sys, ns, nsreqInput, pktVA, mmu.PermP|mmu.PermU|mmu.PermW)
			sys.PageUnmap(0, pktVA)
			return
		}
		sys.Yield()
	}
}
