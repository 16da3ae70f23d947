package bus

import (
	"time"

	"go.uber.org/zap"

	"busbridge/protocol"
)

// The frame emitter and engine. Frames are serialised to packed transmit
// buffers carrying two wire bits per byte - data plus driver-enable - so
// flags and aborts drive the line while idle filler leaves it released.
// A single engine task drains the command queue, emitting responder ACKs
// and running the originator's four-way handshake.

type bitStuffer struct {
	bits     []byte
	bytePos  int
	bitPos   byte
	oneCount byte
	cur      byte
}

// addRaw packs one wire bit position (data bit + enable bit as a nibble).
func (s *bitStuffer) addRaw(b byte) {
	const shiftWidth = 4
	s.cur = s.cur<<shiftWidth | b
	s.bitPos += shiftWidth
	if s.bitPos >= 8 {
		if s.bytePos < len(s.bits) {
			s.bits[s.bytePos] = s.cur
		}
		s.cur = 0
		s.bitPos = 0
		s.bytePos++
	}
}

func (s *bitStuffer) addBit(bit byte) {
	s.addRaw(bit&lineDataBit | lineDriverEnable)
}

func (s *bitStuffer) addByteUnstuffed(c byte) {
	for j := 0; j < 8; j++ {
		s.addBit(c & 1)
		c >>= 1
	}
}

func (s *bitStuffer) addByteStuffed(c byte) {
	for j := 0; j < 8; j++ {
		bit := c & 1
		s.addBit(bit)
		c >>= 1
		if bit != 0 {
			s.oneCount++
		} else {
			s.oneCount = 0
		}

		// Bit stuffing
		if s.oneCount == 5 {
			s.addBit(0)
			s.oneCount = 0
		}
	}
}

// generateFrameBits serialises payload into bits: leading flag, stuffed
// payload, stuffed FCS, trailing flag, zero padding to a four byte
// boundary. Returns the packed length, or 0 if bits is too small.
func generateFrameBits(bits []byte, payload []byte) int {
	s := bitStuffer{bits: bits}

	s.addByteUnstuffed(protocol.FlagPattern)

	for _, c := range payload {
		s.addByteStuffed(c)
	}

	// FCS over the unstuffed payload bytes, low byte first
	fcs := protocol.FCS(payload)
	s.addByteStuffed(byte(fcs))
	s.addByteStuffed(byte(fcs >> 8))

	// Flag must be unstuffed (but still packed)
	s.addByteUnstuffed(protocol.FlagPattern)

	// Pad out the block so the next transaction lands on a clean boundary
	for s.bitPos != 0 || s.bytePos%4 != 0 {
		s.addRaw(0)
	}

	if s.bytePos > len(s.bits) {
		return 0
	}
	return s.bytePos
}

// generateFlagStream packs a run of flags used to hold the line between the
// halves of a handshake.
func generateFlagStream(bits []byte, flags int) int {
	s := bitStuffer{bits: bits}
	for i := 0; i < flags; i++ {
		s.addByteUnstuffed(protocol.FlagPattern)
	}
	if s.bytePos > len(s.bits) {
		return 0
	}
	return s.bytePos
}

// queueFlagStream primes the line with a flag stream so preGo can claim the
// bus without a gap.
func (b *Bus) queueFlagStream() {
	if b.flagQueued.CompareAndSwap(false, true) {
		if err := b.line.Pretransmit(b.flagStream); err != nil {
			b.flagQueued.Store(false)
			b.log.Error("failed to queue flag stream", zap.Error(err))
		}
	}
}

// preGo claims the bus: the peer must not see idle between the halves of a
// four-way handshake.
func (b *Bus) preGo() {
	b.txInProgress.Store(true)
	if b.flagQueued.CompareAndSwap(true, false) {
		if err := b.line.Go(); err != nil {
			b.log.Error("failed to release flag stream", zap.Error(err))
		}
	}
}

func (b *Bus) transmitBits(bits []byte) {
	b.txInProgress.Store(true)
	if err := b.line.Transmit(bits); err != nil {
		b.log.Error("line transmit failed", zap.Error(err))
	}
	b.line.WaitDone()
	b.txInProgress.Store(false)
}

// engineTask drains the command queue: responder ACK emission and the
// originator state machine share this task, so at most one frame is ever in
// flight on the bus.
func (b *Bus) engineTask() {
	var pending *originateRequest

	for {
		b.queueFlagStream()

		var cmd txCommand
		select {
		case cmd = <-b.cmds:
		case <-b.quit:
			return
		}

		switch cmd.kind {
		case cmdAckFrame:
			ack := [protocol.AckPayloadSize]byte{
				cmd.hdr.DstStation, cmd.hdr.DstNetwork,
				cmd.hdr.SrcStation, cmd.hdr.SrcNetwork,
			}
			n := generateFrameBits(b.ackBits[:], ack[:])
			b.transmitBits(b.ackBits[:n])
			b.stats.TxAckCount++
			continue
		case cmdOriginate:
			pending = cmd.req
		}

		// An origination may only start once the bus has been seen idle.
		// Idle and ack events fall through to re-check the gate.
		if pending == nil || !b.rxIsIdle() {
			continue
		}
		req := pending
		pending = nil

		b.preGo()
		b.transmitBits(req.scoutBits)

		if !b.awaitAck(req.scout.Header, "scout") {
			b.stats.RxNackCount++
			req.result <- ResultNack
			continue
		}

		b.transmitBits(req.dataBits)

		if !b.awaitAck(req.scout.Header, "data") {
			b.stats.RxNackCount++
			req.result <- ResultNackCorrupt
			continue
		}

		b.stats.TxFrameCount++
		req.result <- ResultAck
	}
}

// awaitAck waits for the peer's ACK to the frame we just sent. Returns
// false on timeout or if the bus goes idle first.
func (b *Bus) awaitAck(sent protocol.Header, phase string) bool {
	want := sent.Reply()
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	for {
		select {
		case cmd := <-b.cmds:
			switch cmd.kind {
			case cmdIdle:
				b.log.Warn("bus became idle whilst waiting for ack",
					zap.String("phase", phase))
				return false
			case cmdAckObserved:
				if cmd.hdr == want {
					return true
				}
				b.log.Warn("ignoring ack for another station pair",
					zap.String("phase", phase))
			case cmdAckFrame:
				// Noise mid-transaction; only one frame may be in
				// flight so there is nothing to acknowledge.
			}
		case <-timer.C:
			b.log.Warn("timeout waiting for ack", zap.String("phase", phase))
			return false
		case <-b.quit:
			return false
		}
	}
}

// Send originates a frame on the bus and blocks until the four-way
// handshake resolves. The frame must hold the 4-byte address header, the
// control and port bytes, then the body; the first six bytes go out as the
// scout and the buffer is rewritten in place to form the data frame.
// Originations are serialised: a new call waits for the previous result.
func (b *Bus) Send(frame []byte) Result {
	if len(frame) < protocol.ScoutSize {
		return ResultSendError
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	req := &originateRequest{
		scout:  protocol.ParseScout(frame),
		result: make(chan Result, 1),
	}

	scoutBits := make([]byte, 512)
	n := generateFrameBits(scoutBits, frame[:protocol.ScoutSize])
	if n == 0 {
		return ResultSendError
	}
	req.scoutBits = scoutBits[:n]

	// Reuse the address over the control/port bytes so the data frame
	// starts two bytes in: address header, then the body.
	copy(frame[2:2+protocol.HeaderSize], frame[:protocol.HeaderSize])
	dataBits := make([]byte, 16384)
	n = generateFrameBits(dataBits, frame[2:])
	if n == 0 {
		return ResultSendError
	}
	req.dataBits = dataBits[:n]

	select {
	case b.cmds <- txCommand{kind: cmdOriginate, req: req}:
	case <-time.After(sendTimeout):
		b.log.Error("failed to post originate command")
		return ResultSendError
	}

	select {
	case r := <-req.result:
		return r
	case <-time.After(10 * time.Second):
		// The bus never went idle for us; the engine still holds the
		// request but the caller cannot wait forever.
		b.log.Error("timeout waiting for origination result")
		return ResultNack
	}
}
