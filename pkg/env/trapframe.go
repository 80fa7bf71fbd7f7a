package env

import (
	"bytes"
	"encoding/binary"
)

// Regs are the general-purpose registers, in pushal order.
type Regs struct {
	EDI  uint32
	ESI  uint32
	EBP  uint32
	OESP uint32
	EBX  uint32
	EDX  uint32
	ECX  uint32
	// EAX carries syscall return values.
	EAX uint32
}

// Trapframe is a saved user execution context.
type Trapframe struct {
	Regs   Regs
	TrapNo uint32
	Err    uint32
	EIP    uint32
	EFlags uint32
	ESP    uint32
}

// UTrapframe is what the kernel pushes on the user exception stack before
// entering the page fault upcall.
type UTrapframe struct {
	FaultVA uint32
	Err     uint32
	Regs    Regs
	EIP     uint32
	EFlags  uint32
	ESP     uint32
}

// UTrapframeSize is the size of an encoded UTrapframe.
var UTrapframeSize = binary.Size(UTrapframe{})

// MarshalBinary encodes the frame in its little-endian stack layout.
func (u *UTrapframe) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(UTrapframeSize)
	if err := binary.Write(&buf, binary.LittleEndian, u); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a frame read from the exception stack.
func (u *UTrapframe) UnmarshalBinary(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, u)
}
