package bus

import (
	"bytes"
	"testing"

	"busbridge/protocol"
)

func newTestBus() (*Bus, *testLine) {
	line := newTestLine()
	b := New(line, nil)
	return b, line
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{101, 0, 1, 0, 0x80, 0x99, 0x01, 0x02, 0x03},
		{101, 0, 1, 0, 0x80, 0x99},
		{101, 0, 1, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		{101, 0, 1, 0, 0x7E, 0x7F, 0x3E, 0x00, 0xAA, 0x55},
	}

	for i, payload := range payloads {
		b, _ := newTestBus()
		b.EnableStation(101)

		feedFrame(t, b, payload)

		pkt := drainPacket(t, b)
		if pkt.Type != PacketFrame {
			t.Fatalf("payload %d: packet type %c, want P", i, pkt.Type)
		}
		if pkt.Length != len(payload) {
			t.Errorf("payload %d: length %d, want %d", i, pkt.Length, len(payload))
		}
		if !bytes.Equal(pkt.Data[PacketHeadroom:PacketHeadroom+pkt.Length], payload) {
			t.Errorf("payload %d: frame % X, want % X",
				i, pkt.Data[PacketHeadroom:PacketHeadroom+pkt.Length], payload)
		}

		// A data frame posts the responder ACK immediately
		cmd := drainCommand(t, b)
		if cmd.kind != cmdAckFrame {
			t.Fatalf("payload %d: command %c, want A", i, cmd.kind)
		}
		want := protocol.ParseHeader(payload).Reply()
		if cmd.hdr != want {
			t.Errorf("payload %d: ack header %+v, want %+v", i, cmd.hdr, want)
		}

		if s := b.Stats(); s.RxFrameCount != 1 || s.RxCRCFailCount != 0 {
			t.Errorf("payload %d: stats %+v", i, s)
		}
	}
}

func TestBareAckObserved(t *testing.T) {
	b, _ := newTestBus()
	b.EnableStation(101)

	feedFrame(t, b, []byte{101, 0, 1, 0})

	cmd := drainCommand(t, b)
	if cmd.kind != cmdAckObserved {
		t.Fatalf("command %c, want a", cmd.kind)
	}
	if cmd.hdr != testHeader() {
		t.Errorf("ack header %+v, want %+v", cmd.hdr, testHeader())
	}

	select {
	case pkt := <-b.packets:
		t.Errorf("bare ack enqueued as packet: %+v", pkt)
	default:
	}
	if s := b.Stats(); s.RxAckCount != 1 {
		t.Errorf("RxAckCount = %d, want 1", s.RxAckCount)
	}
}

func TestDeliveryFilter(t *testing.T) {
	tests := []struct {
		name      string
		stations  []byte
		networks  []byte
		dst       [2]byte // station, network
		delivered bool
	}{
		{"station match", []byte{101}, nil, [2]byte{101, 0}, true},
		{"station mismatch", []byte{101}, nil, [2]byte{102, 0}, false},
		{"station match wrong network", []byte{101}, nil, [2]byte{101, 5}, false},
		{"network match", nil, []byte{5}, [2]byte{102, 5}, true},
		{"nothing enabled", nil, nil, [2]byte{101, 0}, false},
	}

	for _, tc := range tests {
		b, _ := newTestBus()
		for _, s := range tc.stations {
			b.EnableStation(s)
		}
		for _, n := range tc.networks {
			b.EnableNetwork(n)
		}

		feedFrame(t, b, []byte{tc.dst[0], tc.dst[1], 1, 0, 0x80, 0x99, 0xAB})

		got := false
		select {
		case <-b.packets:
			got = true
		default:
		}
		if got != tc.delivered {
			t.Errorf("%s: delivered=%v, want %v", tc.name, got, tc.delivered)
		}
		s := b.Stats()
		if tc.delivered && s.RxIgnoredCount != 0 {
			t.Errorf("%s: RxIgnoredCount = %d", tc.name, s.RxIgnoredCount)
		}
		if !tc.delivered && s.RxIgnoredCount != 1 {
			t.Errorf("%s: RxIgnoredCount = %d, want 1", tc.name, s.RxIgnoredCount)
		}
	}
}

func TestCRCCorruption(t *testing.T) {
	b, _ := newTestBus()
	b.EnableStation(101)

	// Assemble a frame whose FCS matches the intact payload but whose
	// last data byte has one bit flipped.
	payload := []byte{101, 0, 1, 0, 0x80, 0x99, 0x01, 0x02, 0x03}
	fcs := protocol.FCS(payload)
	corrupted := append([]byte(nil), payload...)
	corrupted[len(corrupted)-1] ^= 0x10

	buf := make([]byte, 1024)
	s := bitStuffer{bits: buf}
	s.addByteUnstuffed(protocol.FlagPattern)
	for _, c := range corrupted {
		s.addByteStuffed(c)
	}
	s.addByteStuffed(byte(fcs))
	s.addByteStuffed(byte(fcs >> 8))
	s.addByteUnstuffed(protocol.FlagPattern)
	for s.bitPos != 0 {
		s.addRaw(0)
	}
	feedBits(b, packedToBits(buf[:s.bytePos]))

	st := b.Stats()
	if st.RxCRCFailCount != 1 {
		t.Errorf("RxCRCFailCount = %d, want 1", st.RxCRCFailCount)
	}
	if st.RxFrameCount != 0 {
		t.Errorf("RxFrameCount = %d, want 0", st.RxFrameCount)
	}
	select {
	case <-b.packets:
		t.Errorf("corrupt frame enqueued")
	default:
	}
	select {
	case <-b.cmds:
		t.Errorf("corrupt frame posted a command")
	default:
	}
}

func TestAbortMidFrame(t *testing.T) {
	b, _ := newTestBus()
	b.EnableStation(101)

	// Flag, two bytes of zeros, then seven ones: an abort.
	var bits []byte
	for _, bit := range []byte{0, 1, 1, 1, 1, 1, 1, 0} {
		bits = append(bits, bit)
	}
	for i := 0; i < 16; i++ {
		bits = append(bits, 0)
	}
	for i := 0; i < 7; i++ {
		bits = append(bits, 1)
	}
	feedBits(b, bits)

	if s := b.Stats(); s.RxAbortCount != 1 {
		t.Errorf("RxAbortCount = %d, want 1", s.RxAbortCount)
	}
	select {
	case <-b.packets:
		t.Errorf("aborted frame enqueued")
	default:
	}

	// A subsequent valid frame is accepted normally
	payload := []byte{101, 0, 1, 0, 0x80, 0x99, 0xAB}
	feedFrame(t, b, payload)
	pkt := drainPacket(t, b)
	if pkt.Length != len(payload) {
		t.Errorf("post-abort frame length %d, want %d", pkt.Length, len(payload))
	}
}

func TestIdleEventSingleShot(t *testing.T) {
	b, _ := newTestBus()

	for i := 0; i < 30; i++ {
		b.clockBit(1)
	}

	if pkt := drainPacket(t, b); pkt.Type != PacketIdle {
		t.Fatalf("packet type %c, want I", pkt.Type)
	}
	select {
	case <-b.packets:
		t.Errorf("idle posted more than once")
	default:
	}
	if cmd := drainCommand(t, b); cmd.kind != cmdIdle {
		t.Errorf("command %c, want I", cmd.kind)
	}
	if !b.rxIsIdle() {
		t.Errorf("rxIsIdle() = false after threshold")
	}

	// A zero resets the counter; the next threshold posts again
	b.clockBit(0)
	if b.rxIsIdle() {
		t.Errorf("rxIsIdle() = true after activity")
	}
	for i := 0; i < idleThresholdBits; i++ {
		b.clockBit(1)
	}
	if pkt := drainPacket(t, b); pkt.Type != PacketIdle {
		t.Errorf("second idle not posted")
	}
}

func TestIdleSuppressedWhileTransmitting(t *testing.T) {
	b, _ := newTestBus()
	b.txInProgress.Store(true)

	for i := 0; i < 30; i++ {
		b.clockBit(1)
	}

	select {
	case <-b.packets:
		t.Errorf("idle posted while transmitting")
	default:
	}
}

func TestShortFrame(t *testing.T) {
	b, _ := newTestBus()
	b.EnableStation(101)

	feedFrame(t, b, []byte{101, 0, 1})

	if s := b.Stats(); s.RxShortFrameCount != 1 {
		t.Errorf("RxShortFrameCount = %d, want 1", s.RxShortFrameCount)
	}
}

func TestOversizeFrame(t *testing.T) {
	b, _ := newTestBus()
	b.EnableStation(101)

	payload := make([]byte, protocol.MTU+8)
	payload[0] = 101
	payload[2] = 1
	buf := make([]byte, 8*protocol.MTU)
	n := generateFrameBits(buf, payload)
	if n == 0 {
		t.Fatalf("oversize frame did not fit the bit buffer")
	}
	feedBits(b, packedToBits(buf[:n]))

	if s := b.Stats(); s.RxOversizeCount != 1 {
		t.Errorf("RxOversizeCount = %d, want 1", s.RxOversizeCount)
	}
	select {
	case <-b.packets:
		t.Errorf("oversize frame enqueued")
	default:
	}
}

func TestReceiveQueueFull(t *testing.T) {
	b, _ := newTestBus()
	b.EnableStation(101)

	payload := []byte{101, 0, 1, 0, 0x80, 0x99, 0xAB}
	for i := 0; i < packetQueueDepth+2; i++ {
		feedFrame(t, b, payload)
		// Keep the command queue from filling alongside the packets.
		<-b.cmds
	}

	if s := b.Stats(); s.RxErrorCount != 2 {
		t.Errorf("RxErrorCount = %d, want 2", s.RxErrorCount)
	}
}
