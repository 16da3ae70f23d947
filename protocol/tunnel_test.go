package protocol

import (
	"bytes"
	"testing"
)

func TestTunnelHeaderRoundTrip(t *testing.T) {
	h := TunnelHeader{
		Type:    TunnelTypeData,
		Port:    0x99,
		Control: 0x80,
		Seq:     0x12345678,
	}

	var buf [TunnelHeaderSize]byte
	h.Put(buf[:])

	want := []byte{0x02, 0x99, 0x80, 0x00, 0x78, 0x56, 0x34, 0x12}
	if !bytes.Equal(buf[:], want) {
		t.Errorf("Put() = % X, want % X", buf[:], want)
	}

	got, err := ParseTunnelHeader(buf[:])
	if err != nil {
		t.Fatalf("ParseTunnelHeader: %v", err)
	}
	if got != h {
		t.Errorf("round trip: got %+v, want %+v", got, h)
	}
}

func TestTunnelHeaderShort(t *testing.T) {
	if _, err := ParseTunnelHeader([]byte{0x02, 0x99}); err == nil {
		t.Errorf("expected error for short datagram")
	}
}

func TestTunnelHeaderPaddingZeroed(t *testing.T) {
	buf := bytes.Repeat([]byte{0xFF}, TunnelHeaderSize)
	TunnelHeader{Type: TunnelTypeAck, Seq: 4}.Put(buf)
	if buf[3] != 0 {
		t.Errorf("padding byte = 0x%02X, want 0", buf[3])
	}
}
