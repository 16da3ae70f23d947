package protocol

import (
	"encoding/binary"
	"errors"
)

// Tunnel datagram header. One UDP datagram per tunnel frame: an 8-byte
// header followed by the raw frame body for DATA, nothing for ACK/NACK and
// a 4-byte trailer echo for IMM replies.

const (
	TunnelTypeImm      = 0x01
	TunnelTypeData     = 0x02
	TunnelTypeAck      = 0x03
	TunnelTypeNack     = 0x04
	TunnelTypeImmReply = 0x05

	TunnelHeaderSize = 8
	ImmReplySize     = 12

	// MachineTypeControl marks the IMM reachability probe: port 0 with this
	// control byte gets an IMM_REPLY without touching the bus.
	MachineTypeControl = 0x08
)

var ErrShortDatagram = errors.New("datagram shorter than tunnel header")

// TunnelHeader is the fixed 8-byte header carried on every tunnel datagram.
// The control byte travels with its high bit cleared; the bus side sets it
// again on delivery.
type TunnelHeader struct {
	Type    byte
	Port    byte
	Control byte
	Seq     uint32
}

// ParseTunnelHeader reads a header from the first 8 bytes of b.
func ParseTunnelHeader(b []byte) (TunnelHeader, error) {
	if len(b) < TunnelHeaderSize {
		return TunnelHeader{}, ErrShortDatagram
	}
	return TunnelHeader{
		Type:    b[0],
		Port:    b[1],
		Control: b[2],
		Seq:     binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Put writes the header into the first 8 bytes of b. The padding byte at
// offset 3 is always zero.
func (h TunnelHeader) Put(b []byte) {
	b[0] = h.Type
	b[1] = h.Port
	b[2] = h.Control
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:8], h.Seq)
}
