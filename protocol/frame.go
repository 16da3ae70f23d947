package protocol

// Bus frame layout. Every frame starts with a 4-byte address header; scouts
// and data frames add a control byte, a service port and an optional body.
// On the wire a frame is delimited by flag bytes, bit-stuffed and followed by
// a 16-bit FCS.

const (
	// MTU is the largest frame the receiver will assemble.
	MTU = 1536

	// FlagPattern delimits frames. Never bit-stuffed.
	FlagPattern = 0x7E

	// AbortPattern is seven ones then a zero in the raw bit stream.
	AbortPattern = 0x7F

	HeaderSize = 4
	ScoutSize  = 6

	// MinFrameSize is the smallest valid frame: a bare 4-byte ACK plus FCS.
	MinFrameSize = 6

	// AckPayloadSize is the stripped length of a bare ACK frame. Anything
	// longer carries data.
	AckPayloadSize = 4
)

// Header is the 4-byte address tuple leading every bus frame.
type Header struct {
	DstStation byte
	DstNetwork byte
	SrcStation byte
	SrcNetwork byte
}

// ParseHeader reads an address header from the first 4 bytes of b.
func ParseHeader(b []byte) Header {
	return Header{
		DstStation: b[0],
		DstNetwork: b[1],
		SrcStation: b[2],
		SrcNetwork: b[3],
	}
}

// Put writes the header into the first 4 bytes of b.
func (h Header) Put(b []byte) {
	b[0] = h.DstStation
	b[1] = h.DstNetwork
	b[2] = h.SrcStation
	b[3] = h.SrcNetwork
}

// Reply returns the header with source and destination swapped, as used when
// acknowledging a frame.
func (h Header) Reply() Header {
	return Header{
		DstStation: h.SrcStation,
		DstNetwork: h.SrcNetwork,
		SrcStation: h.DstStation,
		SrcNetwork: h.DstNetwork,
	}
}

// Scout is the 6-byte announcement frame opening a four-way handshake.
type Scout struct {
	Header
	Control byte
	Port    byte
}

// ParseScout reads a scout from the first 6 bytes of b.
func ParseScout(b []byte) Scout {
	return Scout{
		Header:  ParseHeader(b),
		Control: b[4],
		Port:    b[5],
	}
}

// Put writes the scout into the first 6 bytes of b.
func (s Scout) Put(b []byte) {
	s.Header.Put(b)
	b[4] = s.Control
	b[5] = s.Port
}
