package bus

import "busbridge/protocol"

// The bit pump. Bits arrive synchronously with the bus clock; the pump
// detects idling, flags and aborts, removes stuffing bits and assembles
// frames into the packet buffer pool, computing the CRC as it goes. It runs
// on the line reader goroutine and must never block: every post to another
// component is a non-blocking queue send.

func (b *Bus) readLoop() {
	buf := make([]byte, 64)
	for {
		n, err := b.line.Read(buf)
		if err != nil {
			return
		}
		for _, c := range buf[:n] {
			b.feedByte(c)
		}
	}
}

// feedByte processes one byte of sampled line bits, MSB first.
func (b *Bus) feedByte(c byte) {
	for i := 0; i < 8; i++ {
		b.clockBit((c & 0x80) >> 7)
		c <<= 1
	}
}

func (b *Bus) beginFrame() {
	b.dataBitCnt = 0
	b.frameLen = 0
	b.crc = protocol.CRCInit()
	b.frameActive = true
}

// clockBit processes one incoming bit: idle detection, flag and abort
// search, destuffing and frame assembly.
func (b *Bus) clockBit(c byte) {
	// Check idle condition
	if c != 0 && !b.txInProgress.Load() {
		if ones := b.idleOnes.Load(); ones < idleThresholdBits {
			b.idleOnes.Store(ones + 1)
			if ones+1 == idleThresholdBits {
				select {
				case b.packets <- Packet{Type: PacketIdle}:
				default:
				}
				b.postCommand(txCommand{kind: cmdIdle})
			}
		}
	} else {
		b.idleOnes.Store(0)
	}

	b.rawShift = b.rawShift<<1 | c

	// Search for flag
	if b.rawShift == protocol.FlagPattern {
		if !b.frameActive {
			b.beginFrame()
		} else if b.frameLen > 1 {
			// A flag after real content closes the frame. A run of
			// flags just keeps us at the start of one.
			b.completeFrame()
		} else {
			b.beginFrame()
		}
		return
	}

	if !b.frameActive {
		return
	}

	// Search for ABORT
	if b.rawShift == protocol.AbortPattern {
		b.frameActive = false
		// Don't count glitches as aborts
		if b.frameLen > 1 {
			b.stats.RxAbortCount++
		}
		return
	}

	// Remove bit stuffing
	if b.rawShift&0x3F == 0x3E {
		return
	}

	// Add data to frame. Data is LSB first.
	b.dataShift = b.dataShift>>1 | c<<7
	b.dataBitCnt++
	if b.dataBitCnt == 8 {
		b.crc = protocol.CRCUpdate(b.crc, b.dataShift)
		b.bufs[b.bufIndex][bufferWorkspace+b.frameLen] = b.dataShift
		b.frameLen++
		if b.frameLen == protocol.MTU {
			b.frameActive = false
			b.stats.RxOversizeCount++
			return
		}
		b.dataBitCnt = 0
	}
}

func (b *Bus) completeFrame() {
	b.frameActive = false

	if b.frameLen < protocol.MinFrameSize {
		b.stats.RxShortFrameCount++
		return
	}

	// Check CRC residual
	if b.crc != protocol.CRCResidual {
		b.stats.RxCRCFailCount++
		return
	}

	b.stats.RxFrameCount++

	// Is this for us?
	frame := b.bufs[b.bufIndex][bufferWorkspace:]
	if !(b.stationBitmap.test(frame[0]) && frame[1] == 0) && !b.networkBitmap.test(frame[1]) {
		b.stats.RxIgnoredCount++
		return
	}

	dataLen := b.frameLen - 2
	hdr := protocol.ParseHeader(frame)

	if dataLen > protocol.AckPayloadSize {
		// Data frame: queue the ACK immediately and claim the bus so the
		// peer sees activity until the ACK goes out, then hand the buffer
		// to the consumer and rotate the pool.
		b.postCommand(txCommand{kind: cmdAckFrame, hdr: hdr.Reply()})
		b.preGo()

		pkt := Packet{
			Type:   PacketFrame,
			Data:   b.bufs[b.bufIndex][:],
			Length: dataLen,
		}
		select {
		case b.packets <- pkt:
		default:
			b.stats.RxErrorCount++
		}

		b.bufIndex++
		if b.bufIndex >= packetBufferCount {
			b.bufIndex = 0
		}
	} else {
		// A bare ACK, let the engine know.
		b.stats.RxAckCount++
		b.postCommand(txCommand{kind: cmdAckObserved, hdr: hdr})
	}
}

// rxIsIdle reports whether the idle threshold has been reached since the
// last bus activity.
func (b *Bus) rxIsIdle() bool {
	return b.idleOnes.Load() == idleThresholdBits
}

// postCommand sends to the engine without ever blocking the pump.
func (b *Bus) postCommand(cmd txCommand) {
	select {
	case b.cmds <- cmd:
	default:
	}
}
