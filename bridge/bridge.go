package bridge

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"busbridge/bus"
	"busbridge/config"
	"busbridge/protocol"
)

const (
	ackQueueDepth = 10

	tunnelAttempts     = 5
	ackMismatchBudget  = 5
	forwardDataTimeout = 10 * time.Second       // scout-to-data gap
	ackTunnelTimeout   = 200 * time.Millisecond // per ack wait
)

// Engine is what the bridge needs from the bus core. *bus.Bus satisfies it;
// tests substitute a stub.
type Engine interface {
	Send(frame []byte) bus.Result
	Packets() <-chan bus.Packet
	EnableStation(id byte)
	ClearBitmaps()
	ShutdownRx()
}

// Stats are the bridge counters. Written without locks, read racily.
type Stats struct {
	TxCount          uint32
	TxRetryCount     uint32
	TxAbortCount     uint32
	TxErrorCount     uint32
	TxAckCount       uint32
	TxNackCount      uint32
	TxNoStationCount uint32
	RxImmCount       uint32
	RxDataCount      uint32
	RxAckCount       uint32
	RxNackCount      uint32
	RxUnknownCount   uint32
	RxNoStationCount uint32
}

type inboundDatagram struct {
	station *BusStation
	src     *net.UDPAddr
	data    []byte
}

// Bridge relays transactions between the bus engine and the tunnel
// sockets: one pipeline per direction plus a reader per bus station socket.
type Bridge struct {
	engine Engine
	log    *zap.Logger

	busStations    [busStationSlots]BusStation
	tunnelStations [tunnelStationSlots]TunnelStation

	ackQueue  chan protocol.TunnelHeader
	datagrams chan inboundDatagram
	ctl       chan struct{}

	seq   uint32
	stats Stats

	running     bool
	forwardDone chan struct{}
	deliverDone chan struct{}
	readers     sync.WaitGroup
}

// New creates a Bridge over the given engine. Call Start to load the first
// configuration and begin relaying.
func New(engine Engine, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		engine:    engine,
		log:       log,
		ackQueue:  make(chan protocol.TunnelHeader, ackQueueDepth),
		datagrams: make(chan inboundDatagram),
	}
}

// Start applies the initial configuration and starts the pipelines.
func (br *Bridge) Start(cfg *config.Config) error {
	return br.Reconfigure(cfg)
}

// Stats returns a snapshot of the bridge counters.
func (br *Bridge) Stats() Stats {
	return br.stats
}

// Shutdown quiesces both pipelines. Each task is woken with a sentinel and
// acknowledged before this returns.
func (br *Bridge) Shutdown() {
	if !br.running {
		return
	}

	// Stop the bus-to-tunnel side first: delivery stops at the source.
	br.engine.ShutdownRx()
	<-br.forwardDone

	// Then wake the tunnel selector and its readers.
	close(br.ctl)
	<-br.deliverDone

	br.running = false
}

// Reconfigure quiesces the pipelines, rebuilds the station tables from cfg
// and restarts. Stations that fail to open are reported in the aggregated
// error; the registry keeps whatever was applied before the failure, so a
// caller can fix the configuration and call Reconfigure again.
func (br *Bridge) Reconfigure(cfg *config.Config) error {
	br.Shutdown()

	// Clear down stations
	for i := range br.busStations {
		if br.busStations[i].IsOpen {
			br.busStations[i].Conn.Close()
			br.busStations[i].IsOpen = false
		}
		br.busStations[i].StationID = 0
	}
	br.readers.Wait()
	for i := range br.tunnelStations {
		br.tunnelStations[i].StationID = 0
		br.tunnelStations[i].UDPPort = 0
	}

	var errs *multierror.Error
	if err := config.ApplyStations(cfg, br.openBusStation, br.addTunnelStation); err != nil {
		errs = multierror.Append(errs, err)
	}

	// Answer on the bus for every configured tunnel station
	br.engine.ClearBitmaps()
	for i := range br.tunnelStations {
		if br.tunnelStations[i].StationID != 0 {
			br.engine.EnableStation(br.tunnelStations[i].StationID)
		}
	}

	br.startTasks()
	return errs.ErrorOrNil()
}

func (br *Bridge) startTasks() {
	br.ctl = make(chan struct{})
	br.forwardDone = make(chan struct{})
	br.deliverDone = make(chan struct{})

	for i := range br.busStations {
		if br.busStations[i].IsOpen {
			br.readers.Add(1)
			go br.readerLoop(&br.busStations[i])
		}
	}
	go br.forwardTask()
	go br.deliverTask()
	br.running = true
}

// readerLoop pulls datagrams off one bus station's socket and fans them
// into the selector. It exits when the socket is closed.
func (br *Bridge) readerLoop(station *BusStation) {
	defer br.readers.Done()
	for {
		buf := make([]byte, protocol.MTU)
		n, src, err := station.Conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		select {
		case br.datagrams <- inboundDatagram{station: station, src: src, data: buf[:n]}:
		case <-br.ctl:
			return
		}
	}
}
