// Package ide is a queued block device driver.
//
// Requests are appended to one queue under the "ide" spinlock. The request
// at the head is the one the drive is working on; its completion interrupt
// removes it, wakes its waiter and starts the next one. The drive itself
// is a goroutine standing in for the hardware.
package ide

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"exokern/pkg/cpu"
	"exokern/pkg/spinlock"
)

const (
	// BSIZE is the block size.
	BSIZE = 512
	// SectorSize is the drive's sector size.
	SectorSize = 512
	// FSSIZE is the number of blocks a disk holds.
	FSSIZE = 1000
)

// Buf flags.
const (
	Busy  = 0x1 // locked by some process
	Valid = 0x2 // has been read from disk
	Dirty = 0x4 // needs to be written to disk
)

// ErrStopped is returned for requests still queued when the controller stops.
var ErrStopped = errors.New("ide: controller stopped")

// Buf is one block in transit.
type Buf struct {
	Flags   int
	Dev     uint32
	Blockno uint32
	Data    [BSIZE]byte

	qnext *Buf
	done  chan struct{}
	err   error
}

// Disk is the storage behind a drive.
type Disk interface {
	ReadSector(sector uint32, p []byte) error
	WriteSector(sector uint32, p []byte) error
}

// MemDisk is a disk held in memory.
type MemDisk struct {
	mu   sync.Mutex
	data []byte
}

// NewMemDisk returns a zeroed disk of nsectors sectors.
func NewMemDisk(nsectors int) *MemDisk {
	return &MemDisk{data: make([]byte, nsectors*SectorSize)}
}

func (d *MemDisk) span(sector uint32) (int, error) {
	off := int(sector) * SectorSize
	if off+SectorSize > len(d.data) {
		return 0, fmt.Errorf("ide: sector %d beyond end of disk", sector)
	}
	return off, nil
}

// ReadSector implements Disk.
func (d *MemDisk) ReadSector(sector uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.span(sector)
	if err != nil {
		return err
	}
	copy(p, d.data[off:off+SectorSize])
	return nil
}

// WriteSector implements Disk.
func (d *MemDisk) WriteSector(sector uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.span(sector)
	if err != nil {
		return err
	}
	copy(d.data[off:off+SectorSize], p)
	return nil
}

// FileDisk is a disk image file.
type FileDisk struct {
	f *os.File
}

// OpenFileDisk opens an image for reading and writing.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDisk{f: f}, nil
}

// ReadSector implements Disk. Reading past the end of the image yields zeros.
func (d *FileDisk) ReadSector(sector uint32, p []byte) error {
	n, err := d.f.ReadAt(p[:SectorSize], int64(sector)*SectorSize)
	if err == io.EOF {
		clear(p[n:SectorSize])
		return nil
	}
	return err
}

// WriteSector implements Disk.
func (d *FileDisk) WriteSector(sector uint32, p []byte) error {
	_, err := d.f.WriteAt(p[:SectorSize], int64(sector)*SectorSize)
	return err
}

// Close closes the image.
func (d *FileDisk) Close() error {
	return d.f.Close()
}

// Printer receives driver messages.
type Printer interface {
	Printf(c *cpu.Core, format string, args ...any)
}

// command is what the driver hands the drive for the head request.
type command struct {
	dev    uint32
	sector uint32
	write  bool
	data   [BSIZE]byte
}

// Controller drives up to two disks on one channel.
type Controller struct {
	lock  spinlock.Lock
	disks [2]Disk
	queue *Buf
	irq   *cpu.Core

	// port is the drive's data register, filled by a read command.
	port    [BSIZE]byte
	portErr error

	cmds     chan command
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	requests uint64
}

// New returns a controller for disk0 and disk1 (nil if absent). Completion
// interrupts are handled on irq, which must not be used by anyone else.
func New(disk0, disk1 Disk, irq *cpu.Core, out Printer, debug bool) *Controller {
	ctl := &Controller{
		disks: [2]Disk{disk0, disk1},
		irq:   irq,
		cmds:  make(chan command, 1),
		stop:  make(chan struct{}),
	}
	ctl.lock.Init("ide", debug)
	if disk1 != nil && out != nil {
		out.Printf(irq, "disk1 found\n")
	}
	ctl.wg.Add(1)
	go ctl.drive()
	return ctl
}

// drive executes commands and raises the completion interrupt for each.
func (ctl *Controller) drive() {
	defer ctl.wg.Done()
	for {
		select {
		case cmd := <-ctl.cmds:
			var err error
			disk := ctl.disks[cmd.dev&1]
			var data [BSIZE]byte
			if cmd.write {
				err = disk.WriteSector(cmd.sector, cmd.data[:])
			} else {
				err = disk.ReadSector(cmd.sector, data[:])
			}
			ctl.port = data
			ctl.portErr = err
			ctl.Intr()
		case <-ctl.stop:
			return
		}
	}
}

// start issues the command for b. The caller holds ctl.lock.
func (ctl *Controller) start(b *Buf) {
	if b == nil {
		panic("idestart")
	}
	if b.Blockno >= FSSIZE {
		panic("incorrect blockno")
	}
	const sectorPerBlock = BSIZE / SectorSize
	cmd := command{
		dev:    b.Dev,
		sector: b.Blockno * sectorPerBlock,
		write:  b.Flags&Dirty != 0,
	}
	if cmd.write {
		cmd.data = b.Data
	}
	ctl.requests++
	ctl.cmds <- cmd
}

// Intr is the completion interrupt handler: it finishes the head request
// and starts the next.
func (ctl *Controller) Intr() {
	c := ctl.irq
	ctl.lock.Acquire(c)
	defer ctl.lock.Release(c)

	b := ctl.queue
	if b == nil {
		return
	}
	ctl.queue = b.qnext

	b.err = ctl.portErr
	if b.Flags&Dirty == 0 && ctl.portErr == nil {
		b.Data = ctl.port
	}
	b.Flags |= Valid
	b.Flags &^= Dirty
	close(b.done)

	if ctl.queue != nil {
		ctl.start(ctl.queue)
	}
}

// Rw syncs b with the disk: a Dirty buffer is written and becomes Valid,
// a buffer that is not Valid is read. It returns when the request is done.
func (ctl *Controller) Rw(c *cpu.Core, b *Buf) error {
	ctl.lock.Acquire(c)
	if b.Flags&(Valid|Dirty) == Valid {
		panic("iderw: nothing to do")
	}
	if b.Dev != 0 && ctl.disks[1] == nil {
		panic("iderw: ide disk 1 not present")
	}

	b.qnext = nil
	b.done = make(chan struct{})
	b.err = nil
	pp := &ctl.queue
	for *pp != nil {
		pp = &(*pp).qnext
	}
	*pp = b
	if ctl.queue == b {
		ctl.start(b)
	}
	done := b.done
	ctl.lock.Release(c)

	select {
	case <-done:
		return b.err
	case <-ctl.stop:
		return ErrStopped
	}
}

// Bread reads block blockno of dev.
func (ctl *Controller) Bread(c *cpu.Core, dev, blockno uint32) (*Buf, error) {
	b := &Buf{Dev: dev, Blockno: blockno, Flags: Busy}
	if err := ctl.Rw(c, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Bwrite writes b to disk.
func (ctl *Controller) Bwrite(c *cpu.Core, b *Buf) error {
	b.Flags |= Dirty
	return ctl.Rw(c, b)
}

// Requests returns the number of commands issued to the drive.
func (ctl *Controller) Requests(c *cpu.Core) uint64 {
	ctl.lock.Acquire(c)
	defer ctl.lock.Release(c)
	return ctl.requests
}

// Stop halts the drive. Waiters on unfinished requests get ErrStopped.
func (ctl *Controller) Stop() {
	ctl.stopOnce.Do(func() { close(ctl.stop) })
	ctl.wg.Wait()
}
