package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"busbridge/protocol"
)

const (
	idleThresholdBits = 15

	packetBufferCount = 3
	bufferWorkspace   = 4

	// PacketHeadroom is the reserved prefix in every Packet.Data buffer,
	// sized so a consumer can rewrite the frame into a tunnel datagram in
	// place.
	PacketHeadroom = bufferWorkspace

	packetQueueDepth  = 4
	commandQueueDepth = 8

	ackTimeout  = 200 * time.Millisecond
	sendTimeout = time.Second
)

// PacketType tags entries on the receive queue.
type PacketType byte

const (
	PacketFrame    PacketType = 'P'
	PacketIdle     PacketType = 'I'
	PacketShutdown PacketType = 'S'
)

// Packet is one entry on the receive queue. For PacketFrame, Data is the
// whole pool buffer - bufferWorkspace bytes of headroom followed by the
// frame - so a consumer can rewrite headers in place. The buffer belongs to
// the consumer until the pool wraps around.
type Packet struct {
	Type   PacketType
	Data   []byte
	Length int // frame length with the FCS stripped
}

// Result of a bus origination.
type Result uint8

const (
	// ResultAck: the peer acknowledged both handshake phases.
	ResultAck Result = iota
	// ResultNack: the scout went unanswered; safe to retry.
	ResultNack
	// ResultNackCorrupt: data was sent but its ack was not observed. The
	// peer may have processed the frame, so a blind retransmit is unsafe.
	ResultNackCorrupt
	// ResultSendError: the frame never made it to the engine.
	ResultSendError
)

func (r Result) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultNack:
		return "nack"
	case ResultNackCorrupt:
		return "nack-corrupt"
	default:
		return "send-error"
	}
}

// Stats are the framer counters. They are written without locks and read
// racily; eventual consistency is fine.
type Stats struct {
	RxFrameCount      uint32
	RxCRCFailCount    uint32
	RxShortFrameCount uint32
	RxAbortCount      uint32
	RxOversizeCount   uint32
	RxAckCount        uint32
	RxIgnoredCount    uint32
	RxErrorCount      uint32
	RxNackCount       uint32
	TxFrameCount      uint32
	TxAckCount        uint32
}

type cmdKind byte

const (
	cmdAckFrame    cmdKind = 'A' // emit a responder ACK for a received data frame
	cmdAckObserved cmdKind = 'a' // a bare ACK was seen on the wire
	cmdIdle        cmdKind = 'I'
	cmdOriginate   cmdKind = 'S'
)

type txCommand struct {
	kind cmdKind
	hdr  protocol.Header
	req  *originateRequest
}

type originateRequest struct {
	scout     protocol.Scout
	scoutBits []byte
	dataBits  []byte
	result    chan Result
}

// Bus owns the framer and engine state for one bus attachment.
type Bus struct {
	line Line
	log  *zap.Logger

	packets chan Packet
	cmds    chan txCommand
	quit    chan struct{}

	stats Stats

	// Receiver state, owned by the pump.
	rawShift    byte
	dataShift   byte
	dataBitCnt  byte
	frameActive bool
	crc         uint16
	frameLen    int
	bufs        [packetBufferCount][protocol.MTU + bufferWorkspace]byte
	bufIndex    int

	idleOnes     atomic.Uint32
	txInProgress atomic.Bool
	flagQueued   atomic.Bool

	// Delivery bitmaps. Mutated only while the consumers are quiesced.
	stationBitmap bitmap256
	networkBitmap bitmap256

	flagStream []byte
	ackBits    [128]byte

	sendMu sync.Mutex
}

// New creates a Bus on the given line. Call Start to begin clocking bits.
func New(line Line, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		line:    line,
		log:     log,
		packets: make(chan Packet, packetQueueDepth),
		cmds:    make(chan txCommand, commandQueueDepth),
		quit:    make(chan struct{}),
	}
	flagBuf := make([]byte, 8)
	n := generateFlagStream(flagBuf, 2)
	b.flagStream = flagBuf[:n]
	return b
}

// Start launches the receive pump and the engine task.
func (b *Bus) Start() {
	go b.readLoop()
	go b.engineTask()
}

// Packets returns the receive queue consumed by the bridge.
func (b *Bus) Packets() <-chan Packet {
	return b.packets
}

// Stats returns a snapshot of the framer counters.
func (b *Bus) Stats() Stats {
	return b.stats
}

// EnableStation answers for the given station id on the bus.
func (b *Bus) EnableStation(id byte) {
	b.stationBitmap.set(id)
}

// EnableNetwork answers for every station on the given network id.
func (b *Bus) EnableNetwork(id byte) {
	b.networkBitmap.set(id)
}

// ClearBitmaps stops answering for all stations and networks.
func (b *Bus) ClearBitmaps() {
	b.stationBitmap.clear()
	b.networkBitmap.clear()
}

// ShutdownRx quiesces the receive side: delivery stops and the consumer is
// woken with a shutdown marker.
func (b *Bus) ShutdownRx() {
	b.ClearBitmaps()
	select {
	case b.packets <- Packet{Type: PacketShutdown}:
	case <-time.After(time.Second):
		b.log.Error("receive queue stuck during shutdown")
	}
}

// Close stops the engine task and releases the line.
func (b *Bus) Close() error {
	close(b.quit)
	return b.line.Close()
}
