// Package e1000 models a polled network card with transmit and receive
// descriptor rings.
//
// Software fills the transmit descriptor at the tail and the card sends
// from the head, setting the DD status bit on each descriptor it is done
// with. A descriptor whose RS bit is set but DD is not is still owned by
// the card; finding one at the tail means the ring is full. Received
// packets land in the receive ring with DD set until software takes them.
//
// Cards are joined by Connect. A packet the peer has no room for stays in
// the sender's ring until the peer's software frees a receive descriptor.
package e1000

import (
	"net"
	"sync/atomic"

	"exokern/pkg/cpu"
	"exokern/pkg/errno"
	"exokern/pkg/spinlock"
)

const (
	// NumTD is the number of transmit descriptors.
	NumTD = 64
	// NumRD is the number of receive descriptors.
	NumRD = 128
	// MaxPacket is the largest Ethernet frame the card handles.
	MaxPacket = 1518
)

// Descriptor bits.
const (
	TxCmdEOP  = 0x01 // end of packet
	TxCmdRS   = 0x08 // report status
	TxStatDD  = 0x01 // descriptor done
	RxStatDD  = 0x01
	RxStatEOP = 0x02
)

// DefaultMAC is the address QEMU gives its e1000.
var DefaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

type txDesc struct {
	buf    [MaxPacket]byte
	length uint16
	cmd    uint8
	status uint8
}

type rxDesc struct {
	buf    [MaxPacket]byte
	length uint16
	status uint8
}

// Stats counts card activity.
type Stats struct {
	TxPackets uint64
	RxPackets uint64
	// Dropped counts packets sent while no peer was connected.
	Dropped uint64
}

// Card is one network interface.
type Card struct {
	mac net.HardwareAddr

	txLock spinlock.Lock
	tx     [NumTD]txDesc
	tdh    int
	tdt    int

	rxLock spinlock.Lock
	rx     [NumRD]rxDesc
	rdh    int
	rnext  int

	peer atomic.Pointer[Card]

	txPackets atomic.Uint64
	rxPackets atomic.Uint64
	dropped   atomic.Uint64
}

// New returns a card with address mac.
func New(mac net.HardwareAddr, debug bool) *Card {
	card := &Card{mac: mac}
	card.txLock.Init("e1000 tx", debug)
	card.rxLock.Init("e1000 rx", debug)
	return card
}

// MAC returns the card's hardware address.
func (card *Card) MAC() net.HardwareAddr {
	return card.mac
}

// Connect wires a and b together. A card connected to itself loops back.
func Connect(a, b *Card) {
	a.peer.Store(b)
	b.peer.Store(a)
}

// Transmit queues p for sending. It fails with errno.TxFull when every
// transmit descriptor is still in use and errno.Inval for an empty or
// oversized packet.
func (card *Card) Transmit(c *cpu.Core, p []byte) error {
	if len(p) == 0 || len(p) > MaxPacket {
		return errno.Inval
	}
	card.txLock.Acquire(c)
	defer card.txLock.Release(c)

	d := &card.tx[card.tdt]
	if d.cmd&TxCmdRS != 0 && d.status&TxStatDD == 0 {
		return errno.TxFull
	}
	d.length = uint16(copy(d.buf[:], p))
	d.cmd = TxCmdRS | TxCmdEOP
	d.status = 0
	card.tdt = (card.tdt + 1) % NumTD

	card.send(c)
	return nil
}

// send moves packets from the transmit head onto the wire for as long as
// the peer has room. The caller holds txLock.
func (card *Card) send(c *cpu.Core) {
	peer := card.peer.Load()
	for {
		d := &card.tx[card.tdh]
		if d.cmd&TxCmdRS == 0 || d.status&TxStatDD != 0 {
			return
		}
		if peer == nil {
			card.dropped.Add(1)
		} else if !peer.deliver(c, d.buf[:d.length]) {
			return
		}
		d.status |= TxStatDD
		card.tdh = (card.tdh + 1) % NumTD
		card.txPackets.Add(1)
	}
}

// deliver puts p in the receive ring. It reports false if the ring is full.
func (card *Card) deliver(c *cpu.Core, p []byte) bool {
	card.rxLock.Acquire(c)
	defer card.rxLock.Release(c)
	d := &card.rx[card.rdh]
	if d.status&RxStatDD != 0 {
		return false
	}
	d.length = uint16(copy(d.buf[:], p))
	d.status = RxStatDD | RxStatEOP
	card.rdh = (card.rdh + 1) % NumRD
	card.rxPackets.Add(1)
	return true
}

// Receive copies the next received packet into p and returns its length,
// or 0 if nothing has arrived. A p too small for the packet fails with
// errno.Inval and leaves the packet queued.
func (card *Card) Receive(c *cpu.Core, p []byte) (int, error) {
	card.rxLock.Acquire(c)
	d := &card.rx[card.rnext]
	if d.status&RxStatDD == 0 {
		card.rxLock.Release(c)
		return 0, nil
	}
	if len(p) < int(d.length) {
		card.rxLock.Release(c)
		return 0, errno.Inval
	}
	n := copy(p, d.buf[:d.length])
	d.status = 0
	card.rnext = (card.rnext + 1) % NumRD
	card.rxLock.Release(c)

	// A descriptor is free again; let the peer finish anything it queued.
	if peer := card.peer.Load(); peer != nil {
		peer.txLock.Acquire(c)
		peer.send(c)
		peer.txLock.Release(c)
	}
	return n, nil
}

// Stats returns the card's counters.
func (card *Card) Stats() Stats {
	return Stats{
		TxPackets: card.txPackets.Load(),
		RxPackets: card.rxPackets.Load(),
		Dropped:   card.dropped.Load(),
	}
}
